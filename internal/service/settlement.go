package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ibz/plebeian-market/internal/config"
	"github.com/ibz/plebeian-market/internal/ledger"
	"github.com/ibz/plebeian-market/internal/models"
	"github.com/ibz/plebeian-market/internal/relay"
)

// Settlement keeps every open order's payment state consistent with the
// ledger: it matches funding transactions to orders, confirms payments,
// expires timed-out orders and unlocks bids once their bidder's deposit
// is paid.
type Settlement struct {
	store    Store
	ledger   ledger.Client
	relay    relay.Publisher
	logger   *logrus.Logger
	interval time.Duration
	cooldown time.Duration

	underpaymentPolicy config.UnderpaymentPolicy

	now func() time.Time
}

func NewSettlement(logger *logrus.Logger, store Store, ledgerClient ledger.Client, relayPub relay.Publisher, cfg *config.Config) *Settlement {
	return &Settlement{
		store:              store,
		ledger:             ledgerClient,
		relay:              relayPub,
		logger:             logger,
		interval:           cfg.SettleInterval,
		cooldown:           cfg.LedgerCooldown,
		underpaymentPolicy: cfg.UnderpaymentPolicy,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps open orders until the context is canceled. No error is
// fatal: a failed pass is logged and retried on the next tick.
func (s *Settlement) Run(ctx context.Context) error {
	s.logger.Info("Starting to settle BTC payments...")

	for {
		if err := s.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Settlement stopping.")
				return nil
			}
			s.logger.WithError(err).Error("Error while settling BTC payments. Will retry.")
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Settlement stopping.")
			return nil
		case <-time.After(s.interval):
		}
	}
}

// Pass settles every open order, one at a time, committing each state
// transition before moving on, then unlocks any bids whose deposit
// precondition has been met.
func (s *Settlement) Pass(ctx context.Context) error {
	orders, err := s.store.OpenOrders(ctx)
	if err != nil {
		return err
	}

	for i := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		order := &orders[i]
		if err := s.settleOrder(ctx, order); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Error("Error while settling order. Will retry on the next pass.")
		}
	}

	return s.unlockPendingBids(ctx)
}

func (s *Settlement) settleOrder(ctx context.Context, order *models.Order) error {
	log := s.logger.WithField("order_id", order.ID)

	txs, err := s.ledger.GetFundingTxs(ctx, *order.OnChainAddress)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			log.WithError(err).WithField("address", *order.OnChainAddress).Warn("Ledger unavailable. Taking a nap...")
			s.sleepCooldown(ctx)
			return nil
		}
		return err
	}

	seller, err := s.store.GetSeller(ctx, order.SellerID)
	if err != nil {
		return err
	}

	if order.Txid != nil {
		return s.settleTrackedOrder(ctx, order, seller, txs)
	}
	return s.settleUntrackedOrder(ctx, order, seller, txs)
}

// settleTrackedOrder waits for the order's recorded transaction to
// confirm. A confirmed transaction with a different txid but the tracked
// value is accepted too, to tolerate replace-by-fee substitutions.
func (s *Settlement) settleTrackedOrder(ctx context.Context, order *models.Order, seller *models.Seller, txs []ledger.FundingTx) error {
	log := s.logger.WithField("order_id", order.ID)

	for _, tx := range txs {
		if !tx.Confirmed {
			continue
		}
		if tx.Txid != *order.Txid && (order.TxValue == nil || tx.Value != *order.TxValue) {
			continue
		}

		if tx.Txid != *order.Txid {
			// this can happen in case of RBF
			log.WithFields(logrus.Fields{"txid": tx.Txid, "original_txid": *order.Txid}).Info("Transaction differs from the tracked one but we still accept it.")
		}
		log.WithField("txid", tx.Txid).Info("Confirmed transaction matching order.")

		txid := tx.Txid
		now := s.now()
		body := marshalMessage(paymentStatusMessage{
			ID:      order.UUID,
			Type:    messageTypePaymentStatus,
			Paid:    true,
			Message: fmt.Sprintf("Payment confirmed. TxID: %s", txid),
		})
		err := publishThenCommit(
			func() error {
				return publishOK(s.relay.SendDM(ctx, seller, order.BuyerPublicKey, body))
			},
			func() error {
				return s.store.ConfirmOrderPayment(ctx, order.ID, txid, now)
			},
		)
		if err != nil {
			return err
		}
		order.Txid = &txid
		order.TxConfirmed = true
		order.PaidAt = &now
		return nil
	}

	if order.TimedOut(s.now()) {
		return s.expireOrder(ctx, order, seller)
	}
	return nil
}

// settleUntrackedOrder looks for a funding transaction covering the
// order total, starts tracking it, and expires the order once its
// payment window has elapsed with nothing matching.
func (s *Settlement) settleUntrackedOrder(ctx context.Context, order *models.Order, seller *models.Seller, txs []ledger.FundingTx) error {
	log := s.logger.WithField("order_id", order.ID)

	var candidates []ledger.FundingTx
	underpaid := false
	for _, tx := range txs {
		if tx.Value >= order.Total {
			candidates = append(candidates, tx)
			continue
		}
		underpaid = true
		log.WithFields(logrus.Fields{"txid": tx.Txid, "total": order.Total, "value": tx.Value}).Warn("Found unexpected transaction when trying to settle order.")
	}

	if len(candidates) > 1 {
		ids := make([]string, 0, len(candidates))
		for _, tx := range candidates {
			ids = append(ids, tx.Txid)
		}
		log.WithField("txids", ids).Warn("Multiple transactions could settle this order; adopting the first one.")
	}

	if len(candidates) > 0 {
		tx := candidates[0]
		log.WithFields(logrus.Fields{"txid": tx.Txid, "confirmed": tx.Confirmed}).Info("Found transaction matching order.")

		now := s.now()
		if tx.Confirmed {
			body := marshalMessage(paymentStatusMessage{
				ID:      order.UUID,
				Type:    messageTypePaymentStatus,
				Paid:    true,
				Message: fmt.Sprintf("Payment confirmed. TxID: %s", tx.Txid),
			})
			err := publishThenCommit(
				func() error {
					return publishOK(s.relay.SendDM(ctx, seller, order.BuyerPublicKey, body))
				},
				func() error {
					return s.store.RecordOrderTx(ctx, order.ID, tx.Txid, tx.Value, true, &now)
				},
			)
			if err != nil {
				return err
			}
			order.Txid = &tx.Txid
			order.TxValue = &tx.Value
			order.TxConfirmed = true
			order.PaidAt = &now
			return nil
		}

		body := marshalMessage(paymentStatusMessage{
			ID:      order.UUID,
			Type:    messageTypePaymentStatus,
			Message: fmt.Sprintf("Found transaction. Waiting for confirmation. TxID: %s", tx.Txid),
		})
		err := publishThenCommit(
			func() error {
				return publishOK(s.relay.SendDM(ctx, seller, order.BuyerPublicKey, body))
			},
			func() error {
				return s.store.RecordOrderTx(ctx, order.ID, tx.Txid, tx.Value, false, nil)
			},
		)
		if err != nil {
			return err
		}
		order.Txid = &tx.Txid
		order.TxValue = &tx.Value
		return nil
	}

	if order.TimedOut(s.now()) {
		return s.expireOrder(ctx, order, seller)
	}
	if underpaid && s.underpaymentPolicy == config.UnderpaymentExpire {
		log.Warn("Expiring underpaid order per policy.")
		return s.expireOrder(ctx, order, seller)
	}
	return nil
}

// expireOrder marks the order expired, restores fixed-price listing
// stock and re-publishes the affected listings. Auction items are left
// for the finalizer, which detects the expired order and picks the next
// bidder.
func (s *Settlement) expireOrder(ctx context.Context, order *models.Order, seller *models.Seller) error {
	log := s.logger.WithField("order_id", order.ID)
	log.Warn("Order too old. Marking as expired.")

	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.ListingID == nil {
			continue
		}
		listing, err := s.store.GetListing(ctx, *item.ListingID)
		if err != nil {
			return err
		}
		listing.AvailableQuantity += item.Quantity
		if _, err := s.relay.PublishProduct(ctx, seller, listing); err != nil {
			// TODO: what could we do here if this fails?
			log.WithError(err).WithField("listing_id", listing.ID).Warn("Failed to re-publish listing.")
		}
	}

	now := s.now()
	body := marshalMessage(paymentStatusMessage{
		ID:      order.UUID,
		Type:    messageTypePaymentStatus,
		Message: "Order expired.",
	})
	return publishThenCommit(
		func() error {
			return publishOK(s.relay.SendDM(ctx, seller, order.BuyerPublicKey, body))
		},
		func() error {
			if err := s.store.ExpireOrder(ctx, order.ID, now); err != nil {
				return err
			}
			order.ExpiredAt = &now
			return nil
		},
	)
}

// unlockPendingBids settles every bid whose bidder has paid for a
// skin-in-the-game deposit since the bid was placed. Driven entirely by
// persisted state, so a crash after an order was marked paid is healed
// here on the next pass.
func (s *Settlement) unlockPendingBids(ctx context.Context) error {
	bids, err := s.store.UnlockableBids(ctx)
	if err != nil {
		return err
	}

	for i := range bids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bid := &bids[i]
		if err := s.unlockBid(ctx, bid); err != nil {
			s.logger.WithError(err).WithField("bid_id", bid.ID).Error("Failed to settle bid. Will retry on the next pass.")
		}
	}
	return nil
}

func (s *Settlement) unlockBid(ctx context.Context, bid *models.Bid) error {
	auction, err := s.store.GetAuction(ctx, bid.AuctionID)
	if err != nil {
		return err
	}
	seller, err := s.store.GetSeller(ctx, auction.SellerID)
	if err != nil {
		return err
	}

	now := s.now()
	extended := auction.Extend(now)
	var newEndDate *time.Time
	if extended > 0 {
		endDate := auction.EndDate
		newEndDate = &endDate
	}

	return publishThenCommit(
		func() error {
			return publishOK(s.relay.PublishBidStatus(ctx, seller, auction, bid.NostrEventID, relay.BidStatusAccepted, relay.BidStatusOpts{
				DurationExtended: extended,
			}))
		},
		func() error {
			if err := s.store.SettleBid(ctx, bid.ID, now, newEndDate); err != nil {
				return err
			}
			s.logger.WithField("bid_id", bid.ID).Info("Confirmed bid after having acquired Skin in the Game!")
			return nil
		},
	)
}

func (s *Settlement) sleepCooldown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cooldown):
	}
}
