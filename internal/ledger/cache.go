package ledger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ibz/plebeian-market/internal/store"
)

// CachedClient fronts another Client with the Redis cache. Cache
// problems are logged and degrade to a direct lookup; the wrapped
// client's errors pass through untouched.
type CachedClient struct {
	inner  Client
	cache  *store.RedisStore
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedClient(inner Client, cache *store.RedisStore, ttl time.Duration, logger *logrus.Logger) *CachedClient {
	return &CachedClient{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedClient) GetFundingTxs(ctx context.Context, address string) ([]FundingTx, error) {
	var cached []FundingTx
	hit, err := c.cache.GetFundingTxs(ctx, address, &cached)
	if err != nil {
		c.logger.WithError(err).WithField("address", address).Warn("Funding tx cache read failed")
	} else if hit {
		return cached, nil
	}

	txs, err := c.inner.GetFundingTxs(ctx, address)
	if err != nil {
		return nil, err
	}

	if err := c.cache.StoreFundingTxs(ctx, address, txs, c.ttl); err != nil {
		c.logger.WithError(err).WithField("address", address).Warn("Funding tx cache write failed")
	}
	return txs, nil
}
