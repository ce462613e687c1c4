package binance

import (
	"errors"
	"testing"

	apperrors "botcore/pkg/errors"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiErr(code int64, msg string) error {
	return &common.APIError{Code: code, Message: msg}
}

func TestWrapErr(t *testing.T) {
	assert.NoError(t, wrapErr(nil))

	assert.ErrorIs(t, wrapErr(apiErr(-2010, "insufficient balance")), apperrors.ErrInsufficientFunds)
	assert.ErrorIs(t, wrapErr(apiErr(-1013, "filter failure")), apperrors.ErrInvalidOrderParams)
	assert.ErrorIs(t, wrapErr(apiErr(-2011, "unknown order")), apperrors.ErrOrderNotFound)
	assert.ErrorIs(t, wrapErr(apiErr(-2014, "bad api key format")), apperrors.ErrAuthenticationFailed)
	assert.ErrorIs(t, wrapErr(apiErr(-1021, "timestamp outside recv window")), apperrors.ErrAuthenticationFailed)

	rate := wrapErr(apiErr(-1003, "too many requests"))
	assert.ErrorIs(t, rate, apperrors.ErrRateLimitExceeded)
	assert.True(t, apperrors.IsRetryable(rate))

	// Transport failures carry no API code and must retry.
	transport := wrapErr(errors.New("connection refused"))
	assert.ErrorIs(t, transport, apperrors.ErrNetwork)
	assert.True(t, apperrors.IsRetryable(transport))

	// The -10xx general server family retries without remapping.
	server := wrapErr(apiErr(-1001, "internal error"))
	assert.True(t, apperrors.IsRetryable(server))

	// Business rejections outside the map pass through untouched.
	other := wrapErr(apiErr(-3000, "some account error"))
	assert.False(t, apperrors.IsRetryable(other))
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, "open", normalizeStatus(binance.OrderStatusTypeNew))
	assert.Equal(t, "partially_filled", normalizeStatus(binance.OrderStatusTypePartiallyFilled))
	assert.Equal(t, "filled", normalizeStatus(binance.OrderStatusTypeFilled))
	assert.Equal(t, "cancelled", normalizeStatus(binance.OrderStatusTypeCanceled))
	assert.Equal(t, "cancelled", normalizeStatus(binance.OrderStatusTypeExpired))
	assert.Equal(t, "rejected", normalizeStatus(binance.OrderStatusTypeRejected))
}

func TestAckStatus(t *testing.T) {
	assert.Equal(t, "closed", ackStatus(binance.OrderStatusTypeFilled))
	assert.Equal(t, "canceled", ackStatus(binance.OrderStatusTypeCanceled))
	assert.Equal(t, "open", ackStatus(binance.OrderStatusTypeNew))
	assert.Equal(t, "open", ackStatus(binance.OrderStatusTypePartiallyFilled))
}

func TestNativeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", nativeSymbol("BTC/USDT"))
	assert.Equal(t, "ETHBTC", nativeSymbol("ETH/BTC"))
}

func TestParseOrderID(t *testing.T) {
	id, err := parseOrderID("123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), id)

	_, err = parseOrderID("not-a-number")
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParams)
}
