// Package relay publishes signed domain events and encrypted direct
// messages through the birdwatcher sidecar, which forwards them to the
// configured Nostr relays.
package relay

import (
	"context"

	"github.com/ibz/plebeian-market/internal/models"
)

// Nostr event kinds used by the marketplace.
const (
	KindDM        = 4
	KindDelete    = 5
	KindBidStatus = 1022
	KindProduct   = 30018
)

// Bid status values published for auction bids.
const (
	BidStatusWinner   = "winner"
	BidStatusAccepted = "accepted"
)

type BidStatusOpts struct {
	Message          string
	DurationExtended int64
	ExtraTags        [][]string
}

// Publisher delivers marketplace events to the outside world. Every
// method returns the published event's id; an error (or empty id) means
// nothing was delivered and the caller must not commit the state change
// the event announces.
type Publisher interface {
	SendDM(ctx context.Context, seller *models.Seller, recipientPublicKey, body string) (string, error)
	PublishBidStatus(ctx context.Context, seller *models.Seller, auction *models.Auction, bidEventID, status string, opts BidStatusOpts) (string, error)
	PublishProduct(ctx context.Context, seller *models.Seller, listing *models.Listing) (string, error)
}
