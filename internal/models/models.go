package models

import "time"

// AntiSnipingWindow is how close to an auction's end a settled deposit
// must land for the auction to be extended, and how much running time
// the auction is guaranteed to have left after the extension.
const AntiSnipingWindow = 5 * time.Minute

type Seller struct {
	ID               int64     `json:"id"`
	StallName        string    `json:"stall_name"`
	NostrPublicKey   string    `json:"nostr_public_key"`
	NostrPrivateKey  string    `json:"-"`
	WalletXpub       *string   `json:"wallet_xpub,omitempty"`
	WalletIndex      uint32    `json:"wallet_index"`
	LightningAddress *string   `json:"lightning_address,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// HasWallet reports whether the seller configured an on-chain wallet,
// i.e. whether fresh payout addresses can be derived for them.
func (s *Seller) HasWallet() bool {
	return s.WalletXpub != nil && *s.WalletXpub != ""
}

// WinnerState is the auction's finalization state. It is persisted as a
// nullable has_winner column but business logic only ever sees this
// three-valued form, so "not yet evaluated" and "evaluated, no winner"
// cannot be confused.
type WinnerState int

const (
	WinnerPending WinnerState = iota
	WinnerNone
	WinnerDecided
)

type Auction struct {
	ID           int64      `json:"id"`
	UUID         string     `json:"uuid"`
	SellerID     int64      `json:"seller_id"`
	Title        string     `json:"title"`
	NostrEventID string     `json:"nostr_event_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndDate      time.Time  `json:"end_date"`
	ReservePrice int64      `json:"reserve_price"`
	HasWinner    *bool      `json:"has_winner,omitempty"`
	WinningBidID *int64     `json:"winning_bid_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (a *Auction) WinnerState() WinnerState {
	switch {
	case a.HasWinner == nil:
		return WinnerPending
	case *a.HasWinner:
		return WinnerDecided
	default:
		return WinnerNone
	}
}

// Ended reports whether the auction's bidding window has closed.
func (a *Auction) Ended(now time.Time) bool {
	return !a.EndDate.After(now)
}

// Extend pushes the auction's end date out to now + AntiSnipingWindow if
// the auction is still running and closer than that to ending. It returns
// the number of seconds added, or 0 if no extension applied. The caller
// is responsible for persisting the new end date.
func (a *Auction) Extend(now time.Time) int64 {
	if a.Ended(now) {
		return 0
	}
	newEnd := now.Add(AntiSnipingWindow)
	if !a.EndDate.Before(newEnd) {
		return 0
	}
	extended := int64(newEnd.Sub(a.EndDate) / time.Second)
	a.EndDate = newEnd
	return extended
}

type Bid struct {
	ID                  int64      `json:"id"`
	AuctionID           int64      `json:"auction_id"`
	Amount              int64      `json:"amount"`
	BuyerNostrPublicKey string     `json:"buyer_nostr_public_key"`
	NostrEventID        string     `json:"nostr_event_id"`
	SettledAt           *time.Time `json:"settled_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (b *Bid) Settled() bool {
	return b.SettledAt != nil
}

type Order struct {
	ID               int64      `json:"id"`
	UUID             string     `json:"uuid"`
	SellerID         int64      `json:"seller_id"`
	BuyerPublicKey   string     `json:"buyer_public_key"`
	EventID          string     `json:"event_id"`
	RequestedAt      time.Time  `json:"requested_at"`
	TimeoutMinutes   int        `json:"timeout_minutes"`
	Total            int64      `json:"total"`
	OnChainAddress   *string    `json:"on_chain_address,omitempty"`
	LightningAddress *string    `json:"lightning_address,omitempty"`
	Txid             *string    `json:"txid,omitempty"`
	TxValue          *int64     `json:"tx_value,omitempty"`
	TxConfirmed      bool       `json:"tx_confirmed"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Terminal reports whether the order reached one of its final states.
// A terminal order is never touched again by the settlement loop.
func (o *Order) Terminal() bool {
	return o.PaidAt != nil || o.ExpiredAt != nil || o.CanceledAt != nil
}

// TimedOut reports whether the order's payment window has elapsed.
func (o *Order) TimedOut(now time.Time) bool {
	return o.RequestedAt.Before(now.Add(-time.Duration(o.TimeoutMinutes) * time.Minute))
}

type OrderItem struct {
	ID        int64  `json:"id"`
	OrderID   int64  `json:"order_id"`
	ListingID *int64 `json:"listing_id,omitempty"`
	AuctionID *int64 `json:"auction_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type Listing struct {
	ID                int64     `json:"id"`
	UUID              string    `json:"uuid"`
	SellerID          int64     `json:"seller_id"`
	Title             string    `json:"title"`
	Price             int64     `json:"price"`
	AvailableQuantity int       `json:"available_quantity"`
	IsSkinInTheGame   bool      `json:"is_skin_in_the_game"`
	NostrEventID      string    `json:"nostr_event_id"`
	CreatedAt         time.Time `json:"created_at"`
}
