package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore caches funding-transaction lookups so that back-to-back
// settlement passes do not hammer the external ledger API for the same
// address. Entries are short-lived; on any miss or error callers fall
// back to the real ledger client.
type RedisStore struct {
	Client *redis.Client
}

func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) Close() error {
	if s.Client != nil {
		return s.Client.Close()
	}
	return nil
}

func fundingTxsKey(address string) string {
	return fmt.Sprintf("funding_txs:%s", address)
}

// StoreFundingTxs caches the ledger response for an address. The value
// type is left to the caller so this package does not depend on the
// ledger package.
func (s *RedisStore) StoreFundingTxs(ctx context.Context, address string, txs any, ttl time.Duration) error {
	txsJSON, err := json.Marshal(txs)
	if err != nil {
		return fmt.Errorf("failed to marshal funding txs: %w", err)
	}

	if err := s.Client.Set(ctx, fundingTxsKey(address), txsJSON, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set funding txs in redis: %w", err)
	}
	return nil
}

// GetFundingTxs unmarshals a cached ledger response into dest. It
// returns false on a cache miss.
func (s *RedisStore) GetFundingTxs(ctx context.Context, address string, dest any) (bool, error) {
	val, err := s.Client.Get(ctx, fundingTxsKey(address)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get funding txs from redis: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal funding txs from redis: %w", err)
	}
	return true, nil
}
