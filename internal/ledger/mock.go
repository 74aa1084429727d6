package ledger

import (
	"context"
	"sync"
)

// MockClient is a deterministic, table-driven Client for development and
// tests. Unknown addresses return an empty list, like a fresh address
// would on the real indexer.
type MockClient struct {
	mu  sync.Mutex
	txs map[string][]FundingTx
	err error
}

func NewMockClient() *MockClient {
	return &MockClient{txs: make(map[string][]FundingTx)}
}

// SetFundingTxs replaces the transactions reported for an address.
func (c *MockClient) SetFundingTxs(address string, txs []FundingTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[address] = txs
}

// Fail makes every subsequent lookup return err until cleared with nil.
func (c *MockClient) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *MockClient) GetFundingTxs(ctx context.Context, address string) ([]FundingTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return append([]FundingTx(nil), c.txs[address]...), nil
}
