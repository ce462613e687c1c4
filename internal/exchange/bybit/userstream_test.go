package bybit

import (
	"testing"

	"botcore/internal/core"
	"botcore/internal/logging"
	"botcore/pkg/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream() *UserStream {
	return NewUserStream(Options{APIKey: "k", SecretKey: "s"}, websocket.Config{}, logging.NewNop())
}

func TestHandleMessageDispatchesOrderFrames(t *testing.T) {
	s := newTestStream()

	var got []core.OrderUpdate
	s.OnOrderUpdate(func(u core.OrderUpdate) { got = append(got, u) })

	s.handleMessage([]byte(`{
		"topic": "order",
		"data": [{
			"orderId": "ord-9",
			"symbol": "BTCUSDT",
			"orderStatus": "PartiallyFilled",
			"price": "50000",
			"cumExecQty": "0.4",
			"avgPrice": "50000",
			"cumExecFee": "0.2",
			"feeCurrency": "USDT"
		}]
	}`))

	require.Len(t, got, 1)
	u := got[0]
	assert.Equal(t, "ord-9", u.ExchangeID)
	assert.Equal(t, "partially_filled", u.Status)
	assert.Equal(t, "0.4", u.FilledQty.String())
	assert.Equal(t, "0.2", u.Fee.String())
	assert.Equal(t, "USDT", u.FeeAsset)
	assert.Empty(t, u.ExecID, "the order topic carries the cumulative fee")
}

func TestHandleMessageDispatchesExecutionFrames(t *testing.T) {
	s := newTestStream()

	var got []core.OrderUpdate
	s.OnOrderUpdate(func(u core.OrderUpdate) { got = append(got, u) })

	s.handleMessage([]byte(`{
		"topic": "execution",
		"data": [{
			"orderId": "ord-9",
			"symbol": "BTCUSDT",
			"execId": "exec-1",
			"execPrice": "50000",
			"execQty": "0.01",
			"execFee": "0.5",
			"feeCurrency": "USDT"
		}, {
			"orderId": "ord-9",
			"symbol": "BTCUSDT",
			"execId": "exec-2",
			"execPrice": "50010",
			"execQty": "0.02",
			"execFee": "0.7",
			"feeCurrency": "USDT"
		}]
	}`))

	require.Len(t, got, 2)
	first := got[0]
	assert.Equal(t, "ord-9", first.ExchangeID)
	assert.Equal(t, "exec-1", first.ExecID)
	assert.Equal(t, "0.5", first.Fee.String())
	assert.Equal(t, "USDT", first.FeeAsset)
	assert.Empty(t, first.Status, "execution frames carry no status")
	assert.True(t, first.FilledQty.IsZero(), "execution frames never move fill progress")
	assert.Equal(t, "exec-2", got[1].ExecID)
}

func TestHandleMessageIgnoresUnknownTopics(t *testing.T) {
	s := newTestStream()

	var calls int
	s.OnOrderUpdate(func(core.OrderUpdate) { calls++ })

	s.handleMessage([]byte(`{"topic": "greeks", "data": []}`))
	s.handleMessage([]byte(`{"op": "pong"}`))
	s.handleMessage([]byte(`not json`))

	assert.Zero(t, calls)
}
