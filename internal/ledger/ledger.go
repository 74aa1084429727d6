// Package ledger looks up funding transactions for on-chain addresses
// against an external blockchain indexing service.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable signals a transient failure talking to the indexing
// service. Callers are expected to cool down and retry on a later pass.
var ErrUnavailable = errors.New("ledger: indexing service unavailable")

// PlaceholderPrefix marks addresses recorded before on-chain settlement
// existed. They are not real addresses and never have transactions.
const PlaceholderPrefix = "OLD_"

type FundingTx struct {
	Txid      string     `json:"txid"`
	Value     int64      `json:"value"`
	Confirmed bool       `json:"confirmed"`
	BlockTime *time.Time `json:"block_time,omitempty"`
}

// Client returns the funding transactions observed for an address.
type Client interface {
	GetFundingTxs(ctx context.Context, address string) ([]FundingTx, error)
}
