// Package wallet derives fresh payout addresses for sellers with a
// configured watch-only wallet.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/ibz/plebeian-market/internal/models"
)

// ErrAddressGeneration signals that no payout address could be produced
// for the seller. The caller skips the unit of work and retries later.
var ErrAddressGeneration = errors.New("wallet: address generation failed")

// AddressProvider hands out a previously unused on-chain address for the
// seller to receive a payment at.
type AddressProvider interface {
	NewAddress(ctx context.Context, seller *models.Seller) (string, error)
}

// IndexStore persists each seller's next derivation index so addresses
// are never reused across restarts.
type IndexStore interface {
	NextWalletIndex(ctx context.Context, sellerID int64) (uint32, error)
}

// XpubProvider derives P2WPKH addresses from the seller's account xpub
// along the external chain (0/i).
type XpubProvider struct {
	store  IndexStore
	params *chaincfg.Params
}

func NewXpubProvider(store IndexStore, network string) (*XpubProvider, error) {
	var params *chaincfg.Params
	switch network {
	case "mainnet":
		params = &chaincfg.MainNetParams
	case "testnet":
		params = &chaincfg.TestNet3Params
	default:
		return nil, fmt.Errorf("unknown network: %q", network)
	}
	return &XpubProvider{store: store, params: params}, nil
}

func (p *XpubProvider) NewAddress(ctx context.Context, seller *models.Seller) (string, error) {
	if !seller.HasWallet() {
		return "", fmt.Errorf("%w: seller %d has no wallet", ErrAddressGeneration, seller.ID)
	}

	key, err := hdkeychain.NewKeyFromString(*seller.WalletXpub)
	if err != nil {
		return "", fmt.Errorf("%w: bad xpub for seller %d: %v", ErrAddressGeneration, seller.ID, err)
	}

	external, err := key.Derive(0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}

	index, err := p.store.NextWalletIndex(ctx, seller.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}

	child, err := external.Derive(index)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), p.params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	return addr.EncodeAddress(), nil
}

// MockProvider returns deterministic per-seller addresses, for tests and
// local development.
type MockProvider struct {
	counts map[int64]int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{counts: make(map[int64]int)}
}

func (p *MockProvider) NewAddress(ctx context.Context, seller *models.Seller) (string, error) {
	if !seller.HasWallet() {
		return "", fmt.Errorf("%w: seller %d has no wallet", ErrAddressGeneration, seller.ID)
	}
	n := p.counts[seller.ID]
	p.counts[seller.ID] = n + 1
	return fmt.Sprintf("MOCK_ADDRESS_%d_%d", seller.ID, n), nil
}
