package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibz/plebeian-market/internal/config"
	"github.com/ibz/plebeian-market/internal/models"
	"github.com/ibz/plebeian-market/internal/relay"
	"github.com/ibz/plebeian-market/internal/wallet"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	return &config.Config{
		FinalizeInterval:    time.Millisecond,
		SettleInterval:      time.Millisecond,
		LedgerCooldown:      time.Millisecond,
		OrderTimeoutMinutes: 60,
		UnderpaymentPolicy:  config.UnderpaymentLog,
	}
}

func newTestFinalizer(t *testing.T, store *fakeStore, recorder *relay.Recorder, provider wallet.AddressProvider) *Finalizer {
	t.Helper()
	if provider == nil {
		provider = wallet.NewMockProvider()
	}
	f := NewFinalizer(testLogger(), store, recorder, provider, testConfig())
	f.now = func() time.Time { return time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func sellerWithWallet(store *fakeStore) *models.Seller {
	xpub := "xpub-test"
	lightning := "seller@getalby.com"
	return store.addSeller(models.Seller{
		NostrPublicKey:   "seller-pubkey",
		NostrPrivateKey:  "seller-privkey",
		WalletXpub:       &xpub,
		LightningAddress: &lightning,
	})
}

func endedAuction(store *fakeStore, seller *models.Seller, reserve int64) *models.Auction {
	return store.addAuction(models.Auction{
		UUID:         "auction-uuid",
		SellerID:     seller.ID,
		NostrEventID: "auction-event",
		EndDate:      time.Date(2023, 6, 1, 11, 0, 0, 0, time.UTC),
		ReservePrice: reserve,
	})
}

func TestFinalizerDecidesWinner(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 80, BuyerNostrPublicKey: "bob", NostrEventID: "bid-bob"})

	recorder := relay.NewRecorder()
	finalizer := newTestFinalizer(t, store, recorder, nil)

	require.NoError(t, finalizer.Pass(context.Background()))

	decided := store.auctions[auction.ID]
	require.NotNil(t, decided.HasWinner)
	assert.True(t, *decided.HasWinner)
	require.NotNil(t, decided.WinningBidID)

	winningBid := store.bids[*decided.WinningBidID]
	assert.Equal(t, int64(100), winningBid.Amount)
	assert.Equal(t, "alice", winningBid.BuyerNostrPublicKey)

	require.Len(t, recorder.BidStatuses, 1)
	assert.Equal(t, relay.BidStatusWinner, recorder.BidStatuses[0].Status)
	assert.Equal(t, "bid-alice", recorder.BidStatuses[0].BidEventID)
	assert.Contains(t, recorder.BidStatuses[0].Opts.ExtraTags, []string{"p", "alice"})

	require.Len(t, recorder.DMs, 1)
	assert.Equal(t, "alice", recorder.DMs[0].Recipient)
	var msg orderMessage
	require.NoError(t, json.Unmarshal([]byte(recorder.DMs[0].Body), &msg))
	assert.Equal(t, messageTypeOrder, msg.Type)
	require.Len(t, msg.Items, 1)
	assert.Equal(t, "auction-uuid", msg.Items[0].ProductID)
	assert.Equal(t, 1, msg.Items[0].Quantity)

	require.Len(t, store.orders, 1)
	for _, order := range store.orders {
		assert.Equal(t, msg.ID, order.UUID)
		assert.Equal(t, "alice", order.BuyerPublicKey)
		assert.Equal(t, int64(100), order.Total)
		assert.NotEmpty(t, order.EventID)
		require.NotNil(t, order.OnChainAddress)
		assert.Equal(t, "MOCK_ADDRESS_1_0", *order.OnChainAddress)
		require.NotNil(t, order.LightningAddress)
	}
	require.Len(t, store.orderItems, 1)
	for _, item := range store.orderItems {
		require.NotNil(t, item.AuctionID)
		assert.Equal(t, auction.ID, *item.AuctionID)
		assert.Equal(t, 1, item.Quantity)
	}
}

func TestFinalizerIdempotence(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})

	recorder := relay.NewRecorder()
	finalizer := newTestFinalizer(t, store, recorder, nil)

	require.NoError(t, finalizer.Pass(context.Background()))
	require.NoError(t, finalizer.Pass(context.Background()))

	assert.Len(t, store.orders, 1)
	assert.Len(t, recorder.BidStatuses, 1)
	assert.Len(t, recorder.DMs, 1)
}

func TestFinalizerDisqualifiesBidderWithExpiredOrder(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 80, BuyerNostrPublicKey: "bob", NostrEventID: "bid-bob"})
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 50, BuyerNostrPublicKey: "carol", NostrEventID: "bid-carol"})

	expiredAt := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	store.addOrder(
		models.Order{SellerID: seller.ID, BuyerPublicKey: "alice", ExpiredAt: &expiredAt},
		models.OrderItem{AuctionID: &auction.ID, Quantity: 1},
	)

	recorder := relay.NewRecorder()
	finalizer := newTestFinalizer(t, store, recorder, nil)

	require.NoError(t, finalizer.Pass(context.Background()))

	decided := store.auctions[auction.ID]
	require.NotNil(t, decided.WinningBidID)
	assert.Equal(t, "bob", store.bids[*decided.WinningBidID].BuyerNostrPublicKey)
}

func TestFinalizerReserveNotMet(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 200)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})

	recorder := relay.NewRecorder()
	finalizer := newTestFinalizer(t, store, recorder, nil)

	require.NoError(t, finalizer.Pass(context.Background()))

	decided := store.auctions[auction.ID]
	require.NotNil(t, decided.HasWinner)
	assert.False(t, *decided.HasWinner)
	assert.Nil(t, decided.WinningBidID)
	assert.Empty(t, recorder.BidStatuses)
	assert.Empty(t, store.orders)
}

func TestFinalizerNoBids(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)

	finalizer := newTestFinalizer(t, store, relay.NewRecorder(), nil)
	require.NoError(t, finalizer.Pass(context.Background()))

	decided := store.auctions[auction.ID]
	require.NotNil(t, decided.HasWinner)
	assert.False(t, *decided.HasWinner)
}

func TestFinalizerStatusPublishFailureLeavesAuctionPending(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})

	recorder := relay.NewRecorder()
	recorder.BidStatusErr = errors.New("relay down")
	finalizer := newTestFinalizer(t, store, recorder, nil)

	require.NoError(t, finalizer.Pass(context.Background()))
	assert.Nil(t, store.auctions[auction.ID].HasWinner)
	assert.Empty(t, store.orders)

	// next pass, relay recovered
	recorder.BidStatusErr = nil
	require.NoError(t, finalizer.Pass(context.Background()))
	require.NotNil(t, store.auctions[auction.ID].HasWinner)
	assert.True(t, *store.auctions[auction.ID].HasWinner)
	assert.Len(t, store.orders, 1)
}

func TestFinalizerDMFailureLeavesAuctionPending(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})

	recorder := relay.NewRecorder()
	recorder.DMErr = errors.New("relay down")
	finalizer := newTestFinalizer(t, store, recorder, nil)

	require.NoError(t, finalizer.Pass(context.Background()))
	assert.Nil(t, store.auctions[auction.ID].HasWinner)
	assert.Empty(t, store.orders)
	assert.Len(t, recorder.BidStatuses, 1)
}

type failingAddressProvider struct{}

func (failingAddressProvider) NewAddress(ctx context.Context, seller *models.Seller) (string, error) {
	return "", wallet.ErrAddressGeneration
}

func TestFinalizerAddressGenerationFailureSkipsAuction(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})

	recorder := relay.NewRecorder()
	finalizer := newTestFinalizer(t, store, recorder, failingAddressProvider{})

	require.NoError(t, finalizer.Pass(context.Background()))
	assert.Nil(t, store.auctions[auction.ID].HasWinner)
	assert.Empty(t, recorder.BidStatuses)
	assert.Empty(t, store.orders)
}

func TestFinalizerSellerWithoutWallet(t *testing.T) {
	store := newFakeStore()
	seller := store.addSeller(models.Seller{NostrPublicKey: "seller-pubkey", NostrPrivateKey: "seller-privkey"})
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, BuyerNostrPublicKey: "alice", NostrEventID: "bid-alice"})

	finalizer := newTestFinalizer(t, store, relay.NewRecorder(), nil)
	require.NoError(t, finalizer.Pass(context.Background()))

	require.Len(t, store.orders, 1)
	for _, order := range store.orders {
		assert.Nil(t, order.OnChainAddress)
	}
}

func TestFinalizerWinnerWithoutPublicKey(t *testing.T) {
	store := newFakeStore()
	seller := sellerWithWallet(store)
	auction := endedAuction(store, seller, 0)
	store.addBid(models.Bid{AuctionID: auction.ID, Amount: 100, NostrEventID: "bid-anon"})

	recorder := relay.NewRecorder()
	finalizer := newTestFinalizer(t, store, recorder, nil)

	require.NoError(t, finalizer.Pass(context.Background()))

	decided := store.auctions[auction.ID]
	require.NotNil(t, decided.HasWinner)
	assert.True(t, *decided.HasWinner)
	assert.Empty(t, store.orders)
	assert.Empty(t, recorder.DMs)
}
