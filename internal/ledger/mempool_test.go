package ledger

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMempoolClientSumsOutputsForAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/address/bc1qtest/txs", r.URL.Path)
		io.WriteString(w, `[
			{
				"txid": "tx1",
				"vout": [
					{"scriptpubkey_address": "bc1qtest", "value": 30000},
					{"scriptpubkey_address": "bc1qother", "value": 5000},
					{"scriptpubkey_address": "bc1qtest", "value": 20000}
				],
				"status": {"confirmed": true, "block_time": 1685620800}
			},
			{
				"txid": "tx2",
				"vout": [{"scriptpubkey_address": "bc1qtest", "value": 1000}],
				"status": {"confirmed": false}
			}
		]`)
	}))
	defer srv.Close()

	client := NewMempoolClient(srv.URL, testLogger())
	txs, err := client.GetFundingTxs(context.Background(), "bc1qtest")
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "tx1", txs[0].Txid)
	assert.Equal(t, int64(50000), txs[0].Value)
	assert.True(t, txs[0].Confirmed)
	require.NotNil(t, txs[0].BlockTime)
	assert.Equal(t, int64(1685620800), txs[0].BlockTime.Unix())

	assert.Equal(t, "tx2", txs[1].Txid)
	assert.Equal(t, int64(1000), txs[1].Value)
	assert.False(t, txs[1].Confirmed)
	assert.Nil(t, txs[1].BlockTime)
}

func TestMempoolClientTestnetPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/testnet/api/address/tb1qtest/txs", r.URL.Path)
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	client := NewMempoolClient(srv.URL, testLogger())
	txs, err := client.GetFundingTxs(context.Background(), "tb1qtest")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestMempoolClientPlaceholderAddressSkipsLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected HTTP request for placeholder address")
	}))
	defer srv.Close()

	client := NewMempoolClient(srv.URL, testLogger())
	txs, err := client.GetFundingTxs(context.Background(), "OLD_whatever")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestMempoolClientServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewMempoolClient(srv.URL, testLogger())
	_, err := client.GetFundingTxs(context.Background(), "bc1qtest")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMempoolClientBadBodyIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	client := NewMempoolClient(srv.URL, testLogger())
	_, err := client.GetFundingTxs(context.Background(), "bc1qtest")
	assert.ErrorIs(t, err, ErrUnavailable)
}
