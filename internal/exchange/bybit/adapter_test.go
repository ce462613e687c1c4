package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"botcore/internal/core"
	"botcore/internal/logging"
	apperrors "botcore/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRetCode(t *testing.T) {
	assert.NoError(t, mapRetCode(0, "OK"))

	assert.ErrorIs(t, mapRetCode(10001, "params error"), apperrors.ErrInvalidOrderParams)
	assert.ErrorIs(t, mapRetCode(10003, "invalid api key"), apperrors.ErrAuthenticationFailed)
	assert.ErrorIs(t, mapRetCode(110007, "insufficient balance"), apperrors.ErrInsufficientFunds)
	assert.ErrorIs(t, mapRetCode(110001, "order not exists"), apperrors.ErrOrderNotFound)
	assert.ErrorIs(t, mapRetCode(170193, "price too high"), apperrors.ErrOrderRejected)

	rateErr := mapRetCode(10006, "too many visits")
	assert.ErrorIs(t, rateErr, apperrors.ErrRateLimitExceeded)
	assert.True(t, apperrors.IsRetryable(rateErr))

	assert.False(t, apperrors.IsRetryable(mapRetCode(10003, "invalid api key")))

	unknown := mapRetCode(999999, "mystery")
	require.Error(t, unknown)
	assert.Contains(t, unknown.Error(), "999999")
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, "open", normalizeStatus("New"))
	assert.Equal(t, "open", normalizeStatus("Created"))
	assert.Equal(t, "partially_filled", normalizeStatus("PartiallyFilled"))
	assert.Equal(t, "filled", normalizeStatus("Filled"))
	assert.Equal(t, "cancelled", normalizeStatus("Cancelled"))
	assert.Equal(t, "cancelled", normalizeStatus("PartiallyFilledCanceled"))
	assert.Equal(t, "rejected", normalizeStatus("Rejected"))
	assert.Equal(t, "open", normalizeStatus("SomethingNew"))
}

func TestNativeSymbolAndInterval(t *testing.T) {
	assert.Equal(t, "BTCUSDT", nativeSymbol("BTC/USDT"))

	iv, err := nativeInterval("1h")
	require.NoError(t, err)
	assert.Equal(t, "60", iv)

	iv, err = nativeInterval("1d")
	require.NoError(t, err)
	assert.Equal(t, "D", iv)

	_, err = nativeInterval("3w")
	assert.Error(t, err)
}

func TestSignProducesVerifiableHeaders(t *testing.T) {
	a := New(Options{APIKey: "key-1", SecretKey: "secret-1"}, nil, logging.NewNop())

	req, err := http.NewRequest(http.MethodGet, "https://example.com/v5/order/realtime?category=spot", nil)
	require.NoError(t, err)
	a.sign(req, "category=spot")

	ts := req.Header.Get("X-BAPI-TIMESTAMP")
	require.NotEmpty(t, ts)
	assert.Equal(t, "key-1", req.Header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, recvWindow, req.Header.Get("X-BAPI-RECV-WINDOW"))

	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte(ts + "key-1" + recvWindow + "category=spot"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("X-BAPI-SIGN"))
}

func TestFetchTickerParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0,
			"retMsg":  "OK",
			"result": map[string]interface{}{
				"list": []map[string]string{{
					"lastPrice": "50000.5",
					"bid1Price": "50000",
					"ask1Price": "50001",
				}},
			},
		})
	}))
	defer srv.Close()

	a := New(Options{APIKey: "k", SecretKey: "s", BaseURL: srv.URL}, nil, logging.NewNop())
	ticker, err := a.FetchTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "50000.5", ticker.Last.String())
	assert.Equal(t, "50000", ticker.Bid.String())
	assert.Equal(t, "50001", ticker.Ask.String())
}

func TestCreateOrderRejectionSurfacesErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"), "order creation is a signed call")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 110007,
			"retMsg":  "insufficient balance",
		})
	}))
	defer srv.Close()

	a := New(Options{APIKey: "k", SecretKey: "s", BaseURL: srv.URL}, nil, logging.NewNop())
	_, err := a.CreateOrder(context.Background(), core.CreateOrderRequest{
		Symbol:   "BTC/USDT",
		Side:     core.SideBuy,
		Type:     core.OrderTypeLimit,
		Quantity: decimal.RequireFromString("0.1"),
		Price:    decimal.RequireFromString("50000"),
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(Options{APIKey: "k", SecretKey: "s", BaseURL: srv.URL}, nil, logging.NewNop())
	_, err := a.FetchTicker(context.Background(), "BTC/USDT")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestFetchOHLCVReversesToAscending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0,
			"result": map[string]interface{}{
				// Newest first, as the venue returns them.
				"list": [][]string{
					{"1700003600000", "101", "102", "100", "101.5", "10"},
					{"1700000000000", "100", "101", "99", "101", "12"},
				},
			},
		})
	}))
	defer srv.Close()

	a := New(Options{APIKey: "k", SecretKey: "s", BaseURL: srv.URL}, nil, logging.NewNop())
	candles, err := a.FetchOHLCV(context.Background(), "BTC/USDT", "1h", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime))
	assert.Equal(t, "100", candles[0].Open.String())
}
