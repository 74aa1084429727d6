package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/ibz/plebeian-market/internal/models"
)

type RecordedDM struct {
	SellerID  int64
	Recipient string
	Body      string
}

type RecordedBidStatus struct {
	AuctionID  int64
	BidEventID string
	Status     string
	Opts       BidStatusOpts
}

type RecordedProduct struct {
	ListingID int64
	Quantity  int
}

// Recorder is a Publisher that captures everything it is asked to send.
// Individual methods can be scripted to fail, to exercise the
// publish-before-commit paths.
type Recorder struct {
	mu sync.Mutex

	DMs         []RecordedDM
	BidStatuses []RecordedBidStatus
	Products    []RecordedProduct

	DMErr        error
	BidStatusErr error
	ProductErr   error

	seq int
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) nextEventID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *Recorder) SendDM(ctx context.Context, seller *models.Seller, recipientPublicKey, body string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DMErr != nil {
		return "", r.DMErr
	}
	r.DMs = append(r.DMs, RecordedDM{SellerID: seller.ID, Recipient: recipientPublicKey, Body: body})
	return r.nextEventID("dm"), nil
}

func (r *Recorder) PublishBidStatus(ctx context.Context, seller *models.Seller, auction *models.Auction, bidEventID, status string, opts BidStatusOpts) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.BidStatusErr != nil {
		return "", r.BidStatusErr
	}
	r.BidStatuses = append(r.BidStatuses, RecordedBidStatus{AuctionID: auction.ID, BidEventID: bidEventID, Status: status, Opts: opts})
	return r.nextEventID("status"), nil
}

func (r *Recorder) PublishProduct(ctx context.Context, seller *models.Seller, listing *models.Listing) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ProductErr != nil {
		return "", r.ProductErr
	}
	r.Products = append(r.Products, RecordedProduct{ListingID: listing.ID, Quantity: listing.AvailableQuantity})
	return r.nextEventID("product"), nil
}
