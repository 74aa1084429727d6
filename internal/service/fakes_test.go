package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ibz/plebeian-market/internal/models"
)

// fakeStore is an in-memory Store with the same transition rules as the
// Postgres store: terminal states are never overwritten and decided
// auctions are never re-decided.
type fakeStore struct {
	sellers    map[int64]*models.Seller
	auctions   map[int64]*models.Auction
	bids       map[int64]*models.Bid
	listings   map[int64]*models.Listing
	orders     map[int64]*models.Order
	orderItems map[int64]*models.OrderItem
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sellers:    make(map[int64]*models.Seller),
		auctions:   make(map[int64]*models.Auction),
		bids:       make(map[int64]*models.Bid),
		listings:   make(map[int64]*models.Listing),
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64]*models.OrderItem),
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) addSeller(seller models.Seller) *models.Seller {
	seller.ID = s.id()
	s.sellers[seller.ID] = &seller
	return &seller
}

func (s *fakeStore) addAuction(auction models.Auction) *models.Auction {
	auction.ID = s.id()
	s.auctions[auction.ID] = &auction
	return &auction
}

func (s *fakeStore) addBid(bid models.Bid) *models.Bid {
	bid.ID = s.id()
	if bid.CreatedAt.IsZero() {
		bid.CreatedAt = time.Now().UTC()
	}
	s.bids[bid.ID] = &bid
	return &bid
}

func (s *fakeStore) addListing(listing models.Listing) *models.Listing {
	listing.ID = s.id()
	s.listings[listing.ID] = &listing
	return &listing
}

func (s *fakeStore) addOrder(order models.Order, items ...models.OrderItem) *models.Order {
	order.ID = s.id()
	s.orders[order.ID] = &order
	for _, item := range items {
		item.ID = s.id()
		item.OrderID = order.ID
		itemCopy := item
		s.orderItems[item.ID] = &itemCopy
	}
	return &order
}

func (s *fakeStore) EndedAuctionsAwaitingWinner(ctx context.Context, now time.Time) ([]models.Auction, error) {
	var out []models.Auction
	for _, a := range s.auctions {
		if !a.EndDate.After(now) && a.HasWinner == nil {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) TopBid(ctx context.Context, auctionID int64, below *int64) (*models.Bid, error) {
	var top *models.Bid
	for _, b := range s.bids {
		if b.AuctionID != auctionID {
			continue
		}
		if below != nil && b.Amount >= *below {
			continue
		}
		if top == nil || b.Amount > top.Amount {
			top = b
		}
	}
	if top == nil {
		return nil, nil
	}
	cp := *top
	return &cp, nil
}

func (s *fakeStore) BuyerHasExpiredAuctionOrder(ctx context.Context, buyerPublicKey string, auctionID int64) (bool, error) {
	for _, o := range s.orders {
		if o.BuyerPublicKey != buyerPublicKey || o.ExpiredAt == nil {
			continue
		}
		for _, item := range s.orderItems {
			if item.OrderID == o.ID && item.AuctionID != nil && *item.AuctionID == auctionID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *fakeStore) MarkAuctionNoWinner(ctx context.Context, auctionID int64) error {
	a, ok := s.auctions[auctionID]
	if !ok {
		return errors.New("auction not found")
	}
	if a.HasWinner != nil {
		return nil
	}
	hasWinner := false
	a.HasWinner = &hasWinner
	a.WinningBidID = nil
	return nil
}

func (s *fakeStore) CommitAuctionWinner(ctx context.Context, auctionID, bidID int64, order *models.Order, item *models.OrderItem) error {
	a, ok := s.auctions[auctionID]
	if !ok {
		return errors.New("auction not found")
	}
	if a.HasWinner != nil {
		return errors.New("auction already decided")
	}
	if order != nil {
		order.ID = s.id()
		cp := *order
		s.orders[order.ID] = &cp
		item.OrderID = order.ID
		item.ID = s.id()
		itemCopy := *item
		s.orderItems[item.ID] = &itemCopy
	}
	hasWinner := true
	a.HasWinner = &hasWinner
	a.WinningBidID = &bidID
	return nil
}

func (s *fakeStore) GetSeller(ctx context.Context, sellerID int64) (*models.Seller, error) {
	seller, ok := s.sellers[sellerID]
	if !ok {
		return nil, errors.New("seller not found")
	}
	cp := *seller
	return &cp, nil
}

func (s *fakeStore) GetAuction(ctx context.Context, auctionID int64) (*models.Auction, error) {
	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, errors.New("auction not found")
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) GetListing(ctx context.Context, listingID int64) (*models.Listing, error) {
	l, ok := s.listings[listingID]
	if !ok {
		return nil, errors.New("listing not found")
	}
	cp := *l
	return &cp, nil
}

func (s *fakeStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if o.OnChainAddress != nil && !o.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var out []models.OrderItem
	for _, item := range s.orderItems {
		if item.OrderID == orderID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ConfirmOrderPayment(ctx context.Context, orderID int64, txid string, paidAt time.Time) error {
	o, ok := s.orders[orderID]
	if !ok {
		return errors.New("order not found")
	}
	if o.Terminal() {
		return errors.New("order already terminal")
	}
	o.Txid = &txid
	o.TxConfirmed = true
	o.PaidAt = &paidAt
	return nil
}

func (s *fakeStore) RecordOrderTx(ctx context.Context, orderID int64, txid string, value int64, confirmed bool, paidAt *time.Time) error {
	o, ok := s.orders[orderID]
	if !ok {
		return errors.New("order not found")
	}
	if o.Terminal() || o.Txid != nil {
		return errors.New("order already tracking a transaction")
	}
	o.Txid = &txid
	o.TxValue = &value
	o.TxConfirmed = confirmed
	o.PaidAt = paidAt
	return nil
}

func (s *fakeStore) ExpireOrder(ctx context.Context, orderID int64, expiredAt time.Time) error {
	o, ok := s.orders[orderID]
	if !ok {
		return errors.New("order not found")
	}
	if o.Terminal() {
		return errors.New("order already terminal")
	}
	o.ExpiredAt = &expiredAt
	for _, item := range s.orderItems {
		if item.OrderID != orderID || item.ListingID == nil {
			continue
		}
		if l, ok := s.listings[*item.ListingID]; ok {
			l.AvailableQuantity += item.Quantity
		}
	}
	return nil
}

func (s *fakeStore) UnlockableBids(ctx context.Context) ([]models.Bid, error) {
	var out []models.Bid
	for _, b := range s.bids {
		if b.SettledAt != nil {
			continue
		}
		if s.buyerHasPaidDeposit(b.BuyerNostrPublicKey) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) buyerHasPaidDeposit(buyerPublicKey string) bool {
	for _, o := range s.orders {
		if o.BuyerPublicKey != buyerPublicKey || o.PaidAt == nil {
			continue
		}
		for _, item := range s.orderItems {
			if item.OrderID != o.ID || item.ListingID == nil {
				continue
			}
			if l, ok := s.listings[*item.ListingID]; ok && l.IsSkinInTheGame {
				return true
			}
		}
	}
	return false
}

func (s *fakeStore) SettleBid(ctx context.Context, bidID int64, settledAt time.Time, newEndDate *time.Time) error {
	b, ok := s.bids[bidID]
	if !ok {
		return errors.New("bid not found")
	}
	if b.SettledAt != nil {
		return errors.New("bid already settled")
	}
	b.SettledAt = &settledAt
	if newEndDate != nil {
		if a, ok := s.auctions[b.AuctionID]; ok {
			a.EndDate = *newEndDate
		}
	}
	return nil
}
