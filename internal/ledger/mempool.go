package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MempoolClient queries a mempool.space-compatible API for address
// transactions.
type MempoolClient struct {
	baseURL string
	http    *http.Client
	logger  *logrus.Logger
}

func NewMempoolClient(baseURL string, logger *logrus.Logger) *MempoolClient {
	return &MempoolClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type mempoolVout struct {
	ScriptpubkeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type mempoolTx struct {
	Txid   string        `json:"txid"`
	Vout   []mempoolVout `json:"vout"`
	Status struct {
		Confirmed bool  `json:"confirmed"`
		BlockTime int64 `json:"block_time"`
	} `json:"status"`
}

func (c *MempoolClient) GetFundingTxs(ctx context.Context, address string) ([]FundingTx, error) {
	if strings.HasPrefix(address, PlaceholderPrefix) {
		return []FundingTx{}, nil
	}

	// Testnet bech32 and base58 addresses start with 't'.
	network := ""
	if strings.HasPrefix(address, "t") {
		network = "testnet/"
	}
	url := fmt.Sprintf("%s/%sapi/address/%s/txs", c.baseURL, network, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var body []mempoolTx
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	txs := make([]FundingTx, 0, len(body))
	for _, tx := range body {
		var value int64
		outputs := 0
		for _, vo := range tx.Vout {
			if vo.ScriptpubkeyAddress == address {
				value += vo.Value
				outputs++
			}
		}
		if outputs > 1 {
			c.logger.WithField("txid", tx.Txid).Warn("Multiple outputs for same address? Strange...")
		}
		ftx := FundingTx{
			Txid:      tx.Txid,
			Value:     value,
			Confirmed: tx.Status.Confirmed,
		}
		if tx.Status.Confirmed {
			blockTime := time.Unix(tx.Status.BlockTime, 0).UTC()
			ftx.BlockTime = &blockTime
		}
		txs = append(txs, ftx)
	}

	return txs, nil
}
