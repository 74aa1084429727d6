package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ibz/plebeian-market/internal/config"
	"github.com/ibz/plebeian-market/internal/models"
	"github.com/ibz/plebeian-market/internal/relay"
	"github.com/ibz/plebeian-market/internal/wallet"
)

// Finalizer decides the winner of every auction whose bidding window has
// closed, exactly once per auction, and kicks off the winner's order.
type Finalizer struct {
	store    Store
	relay    relay.Publisher
	wallet   wallet.AddressProvider
	logger   *logrus.Logger
	interval time.Duration

	orderTimeoutMinutes int

	now func() time.Time
}

func NewFinalizer(logger *logrus.Logger, store Store, relayPub relay.Publisher, addressProvider wallet.AddressProvider, cfg *config.Config) *Finalizer {
	return &Finalizer{
		store:               store,
		relay:               relayPub,
		wallet:              addressProvider,
		logger:              logger,
		interval:            cfg.FinalizeInterval,
		orderTimeoutMinutes: cfg.OrderTimeoutMinutes,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps for finalizable auctions until the context is canceled.
func (f *Finalizer) Run(ctx context.Context) error {
	f.logger.Info("Starting finalize-auctions process...")

	for {
		if err := f.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				f.logger.Info("Finalizer stopping.")
				return nil
			}
			f.logger.WithError(err).Error("Error while finalizing auctions. Will retry.")
		}

		select {
		case <-ctx.Done():
			f.logger.Info("Finalizer stopping.")
			return nil
		case <-time.After(f.interval):
		}
	}
}

// Pass processes every ended auction without a decided winner. A failure
// on one auction is logged and skipped; the auction stays undecided and
// is re-evaluated from scratch on the next pass.
func (f *Finalizer) Pass(ctx context.Context) error {
	auctions, err := f.store.EndedAuctionsAwaitingWinner(ctx, f.now())
	if err != nil {
		return err
	}

	for i := range auctions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		auction := &auctions[i]
		if err := f.finalizeAuction(ctx, auction); err != nil {
			f.logger.WithError(err).WithField("auction_id", auction.ID).Error("Failed to finalize auction. Will retry on the next pass.")
		}
	}
	return nil
}

func (f *Finalizer) finalizeAuction(ctx context.Context, auction *models.Auction) error {
	log := f.logger.WithField("auction_id", auction.ID)
	log.Info("Looking at auction...")

	if auction.WinnerState() != models.WinnerPending {
		return nil
	}

	top, err := f.store.TopBid(ctx, auction.ID, nil)
	if err != nil {
		return err
	}

	// A bidder who already let an order for this auction expire does not
	// get a second chance; neither does anyone bidding at or above the
	// disqualified amount.
	for top != nil {
		disqualified, err := f.store.BuyerHasExpiredAuctionOrder(ctx, top.BuyerNostrPublicKey, auction.ID)
		if err != nil {
			return err
		}
		if !disqualified {
			break
		}
		log.WithField("buyer", top.BuyerNostrPublicKey).Info("Skipping bidder with expired order and picking the next one!")
		top, err = f.store.TopBid(ctx, auction.ID, &top.Amount)
		if err != nil {
			return err
		}
	}

	if top == nil || top.Amount < auction.ReservePrice {
		log.Info("Auction has no winner!")
		return f.store.MarkAuctionNoWinner(ctx, auction.ID)
	}

	log.WithField("buyer", top.BuyerNostrPublicKey).Info("Auction has a winner!")

	if top.BuyerNostrPublicKey == "" {
		// No way to contact the winner; just record the decision.
		return f.store.CommitAuctionWinner(ctx, auction.ID, top.ID, nil, nil)
	}

	seller, err := f.store.GetSeller(ctx, auction.SellerID)
	if err != nil {
		return err
	}

	var onChainAddress *string
	if seller.HasWallet() {
		address, err := f.wallet.NewAddress(ctx, seller)
		if err != nil {
			return fmt.Errorf("error while generating address: %w", err)
		}
		onChainAddress = &address
	}

	now := f.now()
	order := &models.Order{
		UUID:             uuid.NewString(),
		SellerID:         auction.SellerID,
		BuyerPublicKey:   top.BuyerNostrPublicKey,
		RequestedAt:      now,
		TimeoutMinutes:   f.orderTimeoutMinutes,
		Total:            top.Amount,
		OnChainAddress:   onChainAddress,
		LightningAddress: seller.LightningAddress,
	}
	item := &models.OrderItem{AuctionID: &auction.ID, Quantity: 1}

	body := marshalMessage(orderMessage{
		ID:    order.UUID,
		Type:  messageTypeOrder,
		Items: []orderItemMessage{{ProductID: auction.UUID, Quantity: 1}},
	})

	return publishThenCommit(
		func() error {
			statusID, err := f.relay.PublishBidStatus(ctx, seller, auction, top.NostrEventID, relay.BidStatusWinner, relay.BidStatusOpts{
				ExtraTags: [][]string{{"p", top.BuyerNostrPublicKey}},
			})
			if err := publishOK(statusID, err); err != nil {
				return fmt.Errorf("failed to publish winner status: %w", err)
			}

			dmID, err := f.relay.SendDM(ctx, seller, top.BuyerNostrPublicKey, body)
			if err := publishOK(dmID, err); err != nil {
				return fmt.Errorf("failed to send order to winner: %w", err)
			}
			order.EventID = dmID
			return nil
		},
		func() error {
			return f.store.CommitAuctionWinner(ctx, auction.ID, top.ID, order, item)
		},
	)
}
