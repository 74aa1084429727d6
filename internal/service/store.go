package service

import (
	"context"
	"time"

	"github.com/ibz/plebeian-market/internal/models"
)

// Store is the transactional persistence surface the two loops run
// against. Every mutating method commits its own transaction, so each
// logical state transition is durable before the next unit of work
// starts. Implemented by store.DBStore.
type Store interface {
	EndedAuctionsAwaitingWinner(ctx context.Context, now time.Time) ([]models.Auction, error)
	TopBid(ctx context.Context, auctionID int64, below *int64) (*models.Bid, error)
	BuyerHasExpiredAuctionOrder(ctx context.Context, buyerPublicKey string, auctionID int64) (bool, error)
	MarkAuctionNoWinner(ctx context.Context, auctionID int64) error
	CommitAuctionWinner(ctx context.Context, auctionID, bidID int64, order *models.Order, item *models.OrderItem) error

	GetSeller(ctx context.Context, sellerID int64) (*models.Seller, error)
	GetAuction(ctx context.Context, auctionID int64) (*models.Auction, error)
	GetListing(ctx context.Context, listingID int64) (*models.Listing, error)

	OpenOrders(ctx context.Context) ([]models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ConfirmOrderPayment(ctx context.Context, orderID int64, txid string, paidAt time.Time) error
	RecordOrderTx(ctx context.Context, orderID int64, txid string, value int64, confirmed bool, paidAt *time.Time) error
	ExpireOrder(ctx context.Context, orderID int64, expiredAt time.Time) error

	UnlockableBids(ctx context.Context) ([]models.Bid, error)
	SettleBid(ctx context.Context, bidID int64, settledAt time.Time, newEndDate *time.Time) error
}
