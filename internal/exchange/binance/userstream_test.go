package binance

import (
	"testing"
	"time"

	"botcore/internal/core"
	"botcore/internal/logging"
	"botcore/pkg/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream() *UserStream {
	return NewUserStream(Options{APIKey: "k", SecretKey: "s"}, websocket.Config{}, time.Minute, logging.NewNop())
}

func TestHandleMessageDispatchesExecutionReport(t *testing.T) {
	s := newTestStream()

	var got []core.OrderUpdate
	s.OnOrderUpdate(func(u core.OrderUpdate) { got = append(got, u) })

	s.handleMessage([]byte(`{
		"e": "executionReport",
		"s": "BTCUSDT",
		"i": 123456,
		"t": 77,
		"X": "PARTIALLY_FILLED",
		"p": "50000",
		"z": "0.01",
		"Z": "500",
		"n": "0.4",
		"N": "USDT"
	}`))

	require.Len(t, got, 1)
	u := got[0]
	assert.Equal(t, "123456", u.ExchangeID)
	assert.Equal(t, "partially_filled", u.Status)
	assert.Equal(t, "0.01", u.FilledQty.String())
	assert.Equal(t, "50000", u.AvgPrice.String())
	assert.Equal(t, "0.4", u.Fee.String())
	assert.Equal(t, "USDT", u.FeeAsset)
	assert.Equal(t, "77", u.ExecID, "the commission is keyed by its trade id")
}

func TestHandleMessageNoTradeMeansNoExecID(t *testing.T) {
	s := newTestStream()

	var got []core.OrderUpdate
	s.OnOrderUpdate(func(u core.OrderUpdate) { got = append(got, u) })

	// An acceptance report has no trade; its trade id field is -1.
	s.handleMessage([]byte(`{
		"e": "executionReport",
		"s": "BTCUSDT",
		"i": 123456,
		"t": -1,
		"X": "NEW",
		"p": "50000",
		"z": "0",
		"Z": "0",
		"n": "0",
		"N": ""
	}`))

	require.Len(t, got, 1)
	assert.Equal(t, "open", got[0].Status)
	assert.Empty(t, got[0].ExecID)
}
