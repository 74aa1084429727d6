package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/sirupsen/logrus"

	"github.com/ibz/plebeian-market/internal/models"
)

// Birdwatcher signs events locally with the seller's merchant key and
// POSTs them to the birdwatcher sidecar, which relays them onward.
type Birdwatcher struct {
	baseURL string
	http    *http.Client
	logger  *logrus.Logger
}

func NewBirdwatcher(baseURL string, logger *logrus.Logger) *Birdwatcher {
	return &Birdwatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// PublishEvent POSTs an already-signed event to the sidecar. A non-200
// response means the event was not accepted.
func (b *Birdwatcher) PublishEvent(ctx context.Context, ev *nostr.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to POST event %s: %w", ev.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("birdwatcher rejected event %s: status %d", ev.ID, resp.StatusCode)
	}

	b.logger.WithField("event_id", ev.ID).Info("Published event to birdwatcher")
	return nil
}

// AddRelay asks the sidecar to start watching an additional relay.
func (b *Birdwatcher) AddRelay(ctx context.Context, relayURL string) error {
	body, err := json.Marshal(map[string]string{"url": relayURL})
	if err != nil {
		return fmt.Errorf("failed to marshal relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/relays", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to POST relay %s: %w", relayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("birdwatcher rejected relay %s: status %d", relayURL, resp.StatusCode)
	}
	return nil
}

// SendDM encrypts body for the recipient (NIP-04), signs the message
// with the seller's key and publishes it. Returns the DM's event id.
func (b *Birdwatcher) SendDM(ctx context.Context, seller *models.Seller, recipientPublicKey, body string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPublicKey, seller.NostrPrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to compute shared secret for %s: %w", recipientPublicKey, err)
	}

	ciphertext, err := nip04.Encrypt(body, shared)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt DM for %s: %w", recipientPublicKey, err)
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindDM,
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPublicKey}},
		Content:   ciphertext,
	}
	if err := ev.Sign(seller.NostrPrivateKey); err != nil {
		return "", fmt.Errorf("failed to sign DM: %w", err)
	}

	if err := b.PublishEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// PublishBidStatus announces a bid's new status, tagged with the
// auction's event and the originating bid event.
func (b *Birdwatcher) PublishBidStatus(ctx context.Context, seller *models.Seller, auction *models.Auction, bidEventID, status string, opts BidStatusOpts) (string, error) {
	content := map[string]any{"status": status}
	if opts.Message != "" {
		content["message"] = opts.Message
	}
	if opts.DurationExtended != 0 {
		content["duration_extended"] = opts.DurationExtended
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bid status: %w", err)
	}

	tags := nostr.Tags{nostr.Tag{"e", auction.NostrEventID}, nostr.Tag{"e", bidEventID}}
	for _, t := range opts.ExtraTags {
		tags = append(tags, nostr.Tag(t))
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindBidStatus,
		Tags:      tags,
		Content:   string(contentJSON),
	}
	if err := ev.Sign(seller.NostrPrivateKey); err != nil {
		return "", fmt.Errorf("failed to sign bid status: %w", err)
	}

	if err := b.PublishEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

type productContent struct {
	ID       string `json:"id"`
	StallID  string `json:"stall_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Currency string `json:"currency"`
}

// PublishProduct re-announces a listing's current state as a replaceable
// product event keyed by the listing's identifier.
func (b *Birdwatcher) PublishProduct(ctx context.Context, seller *models.Seller, listing *models.Listing) (string, error) {
	content := productContent{
		ID:       listing.UUID,
		StallID:  seller.NostrPublicKey,
		Name:     listing.Title,
		Price:    listing.Price,
		Quantity: listing.AvailableQuantity,
		Currency: "sats",
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal product: %w", err)
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindProduct,
		Tags:      nostr.Tags{nostr.Tag{"d", listing.UUID}},
		Content:   string(contentJSON),
	}
	if err := ev.Sign(seller.NostrPrivateKey); err != nil {
		return "", fmt.Errorf("failed to sign product: %w", err)
	}

	if err := b.PublishEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}
