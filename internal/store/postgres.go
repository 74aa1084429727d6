package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ibz/plebeian-market/internal/models"

	_ "github.com/lib/pq"
)

var (
	ErrDBSellerNotFound  = errors.New("database: seller not found")
	ErrDBAuctionNotFound = errors.New("database: auction not found")
	ErrDBListingNotFound = errors.New("database: listing not found")
	ErrDBOrderNotFound   = errors.New("database: order not found")
	ErrDBBidNotFound     = errors.New("database: bid not found")
)

type DBStore struct {
	DB *sql.DB
}

func NewDBStore(db *sql.DB) *DBStore {
	return &DBStore{DB: db}
}

func ConnectDB(driver, dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func RunMigrations(db *sql.DB, migrationsDir string) error {
	if migrationsDir == "" {
		return fmt.Errorf("migrations directory not specified")
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	if len(migrationFiles) == 0 {
		fmt.Println("No migration files found.")
		return nil
	}

	for _, fileName := range migrationFiles {
		filePath := filepath.Join(migrationsDir, fileName)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", fileName, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", fileName, err)
		}
		fmt.Printf("Applied migration: %s\n", fileName)
	}
	return nil
}

func (s *DBStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

const auctionColumns = `id, uuid, seller_id, title, nostr_event_id, started_at, end_date, reserve_price, has_winner, winning_bid_id, created_at`

func scanAuction(row interface{ Scan(...any) error }) (*models.Auction, error) {
	a := &models.Auction{}
	var hasWinner sql.NullBool
	var winningBidID sql.NullInt64
	err := row.Scan(
		&a.ID, &a.UUID, &a.SellerID, &a.Title, &a.NostrEventID,
		&a.StartedAt, &a.EndDate, &a.ReservePrice, &hasWinner, &winningBidID, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if hasWinner.Valid {
		a.HasWinner = &hasWinner.Bool
	}
	if winningBidID.Valid {
		a.WinningBidID = &winningBidID.Int64
	}
	return a, nil
}

// EndedAuctionsAwaitingWinner returns auctions whose bidding window has
// closed but whose winner was never decided.
func (s *DBStore) EndedAuctionsAwaitingWinner(ctx context.Context, now time.Time) ([]models.Auction, error) {
	query := `
        SELECT ` + auctionColumns + `
        FROM auctions
        WHERE end_date <= $1 AND has_winner IS NULL
        ORDER BY end_date ASC`

	rows, err := s.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query ended auctions: %w", err)
	}
	defer rows.Close()

	var auctions []models.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (s *DBStore) GetAuction(ctx context.Context, auctionID int64) (*models.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	a, err := scanAuction(s.DB.QueryRowContext(ctx, query, auctionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDBAuctionNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

// TopBid returns the highest bid for the auction, optionally only
// considering bids strictly below the given amount. Returns nil when no
// such bid exists.
func (s *DBStore) TopBid(ctx context.Context, auctionID int64, below *int64) (*models.Bid, error) {
	query := `
        SELECT id, auction_id, amount, buyer_nostr_public_key, nostr_event_id, settled_at, created_at
        FROM bids
        WHERE auction_id = $1 AND ($2::bigint IS NULL OR amount < $2)
        ORDER BY amount DESC, created_at ASC
        LIMIT 1`

	var belowArg sql.NullInt64
	if below != nil {
		belowArg = sql.NullInt64{Int64: *below, Valid: true}
	}

	b := &models.Bid{}
	var settledAt sql.NullTime
	err := s.DB.QueryRowContext(ctx, query, auctionID, belowArg).Scan(
		&b.ID, &b.AuctionID, &b.Amount, &b.BuyerNostrPublicKey, &b.NostrEventID, &settledAt, &b.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get top bid: %w", err)
	}
	if settledAt.Valid {
		b.SettledAt = &settledAt.Time
	}
	return b, nil
}

// BuyerHasExpiredAuctionOrder reports whether the buyer already let an
// order containing an item of this auction expire, which disqualifies
// their bids from winning it again.
func (s *DBStore) BuyerHasExpiredAuctionOrder(ctx context.Context, buyerPublicKey string, auctionID int64) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1
            FROM orders o
            JOIN order_items oi ON oi.order_id = o.id
            WHERE o.buyer_public_key = $1 AND o.expired_at IS NOT NULL AND oi.auction_id = $2
        )`

	var exists bool
	if err := s.DB.QueryRowContext(ctx, query, buyerPublicKey, auctionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check expired orders for buyer: %w", err)
	}
	return exists, nil
}

func (s *DBStore) MarkAuctionNoWinner(ctx context.Context, auctionID int64) error {
	query := `
        UPDATE auctions
        SET has_winner = FALSE, winning_bid_id = NULL
        WHERE id = $1 AND has_winner IS NULL`

	if _, err := s.DB.ExecContext(ctx, query, auctionID); err != nil {
		return fmt.Errorf("failed to mark auction without winner: %w", err)
	}
	return nil
}

// CommitAuctionWinner records the winning bid and, when the winner could
// be contacted, the order and its item, all in one transaction. The order
// and item may be nil for winners without a public identity.
func (s *DBStore) CommitAuctionWinner(ctx context.Context, auctionID, bidID int64, order *models.Order, item *models.OrderItem) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if order != nil {
		err := tx.QueryRowContext(ctx, `
            INSERT INTO orders (uuid, seller_id, buyer_public_key, event_id, requested_at, timeout_minutes, total, on_chain_address, lightning_address)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
            RETURNING id, created_at`,
			order.UUID, order.SellerID, order.BuyerPublicKey, order.EventID, order.RequestedAt,
			order.TimeoutMinutes, order.Total, order.OnChainAddress, order.LightningAddress,
		).Scan(&order.ID, &order.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		item.OrderID = order.ID
		err = tx.QueryRowContext(ctx, `
            INSERT INTO order_items (order_id, listing_id, auction_id, quantity)
            VALUES ($1, $2, $3, $4)
            RETURNING id`,
			item.OrderID, item.ListingID, item.AuctionID, item.Quantity,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
        UPDATE auctions
        SET has_winner = TRUE, winning_bid_id = $2
        WHERE id = $1 AND has_winner IS NULL`,
		auctionID, bidID)
	if err != nil {
		return fmt.Errorf("failed to record auction winner: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check auction update: %w", err)
	}
	if affected == 0 {
		return ErrDBAuctionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *DBStore) GetSeller(ctx context.Context, sellerID int64) (*models.Seller, error) {
	query := `
        SELECT id, stall_name, nostr_public_key, nostr_private_key, wallet_xpub, wallet_index, lightning_address, created_at
        FROM sellers
        WHERE id = $1`

	seller := &models.Seller{}
	var xpub, lightning sql.NullString
	err := s.DB.QueryRowContext(ctx, query, sellerID).Scan(
		&seller.ID, &seller.StallName, &seller.NostrPublicKey, &seller.NostrPrivateKey,
		&xpub, &seller.WalletIndex, &lightning, &seller.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDBSellerNotFound
		}
		return nil, fmt.Errorf("failed to get seller: %w", err)
	}
	if xpub.Valid {
		seller.WalletXpub = &xpub.String
	}
	if lightning.Valid {
		seller.LightningAddress = &lightning.String
	}
	return seller, nil
}

// NextWalletIndex increments the seller's wallet derivation index and
// returns the index to derive the next payout address at.
func (s *DBStore) NextWalletIndex(ctx context.Context, sellerID int64) (uint32, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var index uint32
	err = tx.QueryRowContext(ctx, `SELECT wallet_index FROM sellers WHERE id = $1 FOR UPDATE`, sellerID).Scan(&index)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrDBSellerNotFound
		}
		return 0, fmt.Errorf("failed to lock seller: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sellers SET wallet_index = wallet_index + 1 WHERE id = $1`, sellerID); err != nil {
		return 0, fmt.Errorf("failed to increment wallet index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return index, nil
}

const orderColumns = `id, uuid, seller_id, buyer_public_key, event_id, requested_at, timeout_minutes, total, on_chain_address, lightning_address, txid, tx_value, tx_confirmed, paid_at, expired_at, canceled_at, created_at`

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	o := &models.Order{}
	var address, lightning, txid sql.NullString
	var txValue sql.NullInt64
	var paidAt, expiredAt, canceledAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.UUID, &o.SellerID, &o.BuyerPublicKey, &o.EventID, &o.RequestedAt,
		&o.TimeoutMinutes, &o.Total, &address, &lightning, &txid, &txValue,
		&o.TxConfirmed, &paidAt, &expiredAt, &canceledAt, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if address.Valid {
		o.OnChainAddress = &address.String
	}
	if lightning.Valid {
		o.LightningAddress = &lightning.String
	}
	if txid.Valid {
		o.Txid = &txid.String
	}
	if txValue.Valid {
		o.TxValue = &txValue.Int64
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if expiredAt.Valid {
		o.ExpiredAt = &expiredAt.Time
	}
	if canceledAt.Valid {
		o.CanceledAt = &canceledAt.Time
	}
	return o, nil
}

// OpenOrders returns orders with an on-chain address that have not
// reached a terminal state, i.e. the settlement loop's work queue.
func (s *DBStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	query := `
        SELECT ` + orderColumns + `
        FROM orders
        WHERE on_chain_address IS NOT NULL
          AND paid_at IS NULL AND expired_at IS NULL AND canceled_at IS NULL
        ORDER BY requested_at ASC`

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *DBStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	query := `
        SELECT id, order_id, listing_id, auction_id, quantity
        FROM order_items
        WHERE order_id = $1`

	rows, err := s.DB.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		item := models.OrderItem{}
		var listingID, auctionID sql.NullInt64
		if err := rows.Scan(&item.ID, &item.OrderID, &listingID, &auctionID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		if listingID.Valid {
			item.ListingID = &listingID.Int64
		}
		if auctionID.Valid {
			item.AuctionID = &auctionID.Int64
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *DBStore) GetListing(ctx context.Context, listingID int64) (*models.Listing, error) {
	query := `
        SELECT id, uuid, seller_id, title, price, available_quantity, is_skin_in_the_game, nostr_event_id, created_at
        FROM listings
        WHERE id = $1`

	l := &models.Listing{}
	err := s.DB.QueryRowContext(ctx, query, listingID).Scan(
		&l.ID, &l.UUID, &l.SellerID, &l.Title, &l.Price,
		&l.AvailableQuantity, &l.IsSkinInTheGame, &l.NostrEventID, &l.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDBListingNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, nil
}

// ConfirmOrderPayment records the confirmed transaction and marks the
// order paid. The txid may differ from the one previously tracked when
// the payment was replaced by fee.
func (s *DBStore) ConfirmOrderPayment(ctx context.Context, orderID int64, txid string, paidAt time.Time) error {
	query := `
        UPDATE orders
        SET txid = $2, tx_confirmed = TRUE, paid_at = $3
        WHERE id = $1 AND paid_at IS NULL AND expired_at IS NULL AND canceled_at IS NULL`

	result, err := s.DB.ExecContext(ctx, query, orderID, txid, paidAt)
	if err != nil {
		return fmt.Errorf("failed to confirm order payment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check order update: %w", err)
	}
	if affected == 0 {
		return ErrDBOrderNotFound
	}
	return nil
}

// RecordOrderTx starts tracking a funding transaction for an untracked
// order. When the transaction is already confirmed the order is marked
// paid in the same statement.
func (s *DBStore) RecordOrderTx(ctx context.Context, orderID int64, txid string, value int64, confirmed bool, paidAt *time.Time) error {
	query := `
        UPDATE orders
        SET txid = $2, tx_value = $3, tx_confirmed = $4, paid_at = $5
        WHERE id = $1 AND txid IS NULL AND paid_at IS NULL AND expired_at IS NULL AND canceled_at IS NULL`

	var paidAtArg sql.NullTime
	if paidAt != nil {
		paidAtArg = sql.NullTime{Time: *paidAt, Valid: true}
	}

	result, err := s.DB.ExecContext(ctx, query, orderID, txid, value, confirmed, paidAtArg)
	if err != nil {
		return fmt.Errorf("failed to record order transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check order update: %w", err)
	}
	if affected == 0 {
		return ErrDBOrderNotFound
	}
	return nil
}

// ExpireOrder marks the order expired and restores the stock of every
// fixed-price listing it contained, in one transaction. Auction-linked
// items are left alone: the finalizer picks the next bidder for those.
func (s *DBStore) ExpireOrder(ctx context.Context, orderID int64, expiredAt time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        UPDATE orders
        SET expired_at = $2
        WHERE id = $1 AND paid_at IS NULL AND expired_at IS NULL AND canceled_at IS NULL`,
		orderID, expiredAt)
	if err != nil {
		return fmt.Errorf("failed to mark order expired: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check order update: %w", err)
	}
	if affected == 0 {
		return ErrDBOrderNotFound
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE listings l
        SET available_quantity = l.available_quantity + oi.quantity
        FROM order_items oi
        WHERE oi.order_id = $1 AND oi.listing_id = l.id`,
		orderID)
	if err != nil {
		return fmt.Errorf("failed to restore listing stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UnlockableBids returns unsettled bids whose bidder has since paid an
// order containing a skin-in-the-game listing. Driven purely by persisted
// state so that a crash between marking an order paid and settling its
// dependent bids is healed on the next pass.
func (s *DBStore) UnlockableBids(ctx context.Context) ([]models.Bid, error) {
	query := `
        SELECT b.id, b.auction_id, b.amount, b.buyer_nostr_public_key, b.nostr_event_id, b.settled_at, b.created_at
        FROM bids b
        WHERE b.settled_at IS NULL
          AND EXISTS (
            SELECT 1
            FROM orders o
            JOIN order_items oi ON oi.order_id = o.id
            JOIN listings l ON l.id = oi.listing_id
            WHERE o.buyer_public_key = b.buyer_nostr_public_key
              AND o.paid_at IS NOT NULL
              AND l.is_skin_in_the_game
          )
        ORDER BY b.id ASC`

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlockable bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		b := models.Bid{}
		var settledAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.Amount, &b.BuyerNostrPublicKey, &b.NostrEventID, &settledAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		if settledAt.Valid {
			b.SettledAt = &settledAt.Time
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// SettleBid marks the bid settled and, when the anti-sniping extension
// applied, pushes out the auction's end date in the same transaction.
func (s *DBStore) SettleBid(ctx context.Context, bidID int64, settledAt time.Time, newEndDate *time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        UPDATE bids SET settled_at = $2 WHERE id = $1 AND settled_at IS NULL`,
		bidID, settledAt)
	if err != nil {
		return fmt.Errorf("failed to settle bid: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check bid update: %w", err)
	}
	if affected == 0 {
		return ErrDBBidNotFound
	}

	if newEndDate != nil {
		_, err = tx.ExecContext(ctx, `
            UPDATE auctions SET end_date = $2
            FROM bids b
            WHERE b.id = $1 AND auctions.id = b.auction_id`,
			bidID, *newEndDate)
		if err != nil {
			return fmt.Errorf("failed to extend auction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
