package strategy

import (
	"testing"
	"time"

	"botcore/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDCA(t *testing.T, cfg DCAConfig, investment string) (*DCA, *time.Time) {
	t.Helper()
	d, err := NewDCA(cfg, dec(investment))
	require.NoError(t, err)
	clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	return d, &clock
}

func TestDCAConfigValidation(t *testing.T) {
	_, err := NewDCA(DCAConfig{AmountPerBuy: dec("100")}, dec("1000"))
	assert.Error(t, err, "needs interval or drop trigger")

	_, err = NewDCA(DCAConfig{AmountPerBuy: dec("2000"), Interval: IntervalDaily}, dec("1000"))
	assert.Error(t, err, "amount above investment")

	_, err = NewDCA(DCAConfig{AmountPerBuy: dec("100"), Interval: "fortnightly"}, dec("1000"))
	assert.Error(t, err)
}

func TestDCAIntervalBuyCadence(t *testing.T) {
	d, clock := newTestDCA(t, DCAConfig{
		AmountPerBuy: dec("100"),
		Interval:     IntervalDaily,
	}, "1000")

	// First tick buys immediately.
	orders := d.CalculateOrders(dec("50000"), nil)
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideBuy, orders[0].Side)
	assert.Equal(t, core.OrderTypeMarket, orders[0].Type)
	assert.True(t, orders[0].Quantity.Equal(dec("100").Div(dec("50000"))))

	d.OnOrderFilled(&core.ManagedOrder{
		Side:           core.SideBuy,
		FilledQuantity: orders[0].Quantity,
	}, dec("50000"))

	// Twelve hours later the interval has not elapsed.
	*clock = clock.Add(12 * time.Hour)
	assert.Empty(t, d.CalculateOrders(dec("50000"), nil))

	// A full day after the fill it buys again.
	*clock = clock.Add(12 * time.Hour)
	assert.Len(t, d.CalculateOrders(dec("50000"), nil), 1)
}

func TestDCADropTriggerUsesPreviousHigh(t *testing.T) {
	d, _ := newTestDCA(t, DCAConfig{
		AmountPerBuy:       dec("100"),
		TriggerDropPercent: dec("5"),
	}, "1000")

	// First tick establishes the high watermark; no high yet means no trigger.
	assert.Empty(t, d.CalculateOrders(dec("50000"), nil))

	// 4% below the high: no trigger.
	assert.Empty(t, d.CalculateOrders(dec("48000"), nil))

	// 5% below the 50000 high: buy.
	orders := d.CalculateOrders(dec("47500"), nil)
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideBuy, orders[0].Side)
}

func TestDCATakeProfitSellsEverything(t *testing.T) {
	d, _ := newTestDCA(t, DCAConfig{
		AmountPerBuy:      dec("100"),
		Interval:          IntervalDaily,
		TakeProfitPercent: dec("10"),
	}, "1000")

	d.OnOrderFilled(&core.ManagedOrder{
		Side:           core.SideBuy,
		FilledQuantity: dec("0.002"),
	}, dec("50000"))

	// Average entry 50000, take profit at 55000.
	assert.Empty(t, d.CalculateOrders(dec("54000"), nil))

	orders := d.CalculateOrders(dec("55000"), nil)
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideSell, orders[0].Side)
	assert.Equal(t, core.OrderTypeMarket, orders[0].Type)
	assert.True(t, orders[0].Quantity.Equal(dec("0.002")))

	pnl := d.OnOrderFilled(&core.ManagedOrder{
		Side:           core.SideSell,
		FilledQuantity: dec("0.002"),
	}, dec("55000"))
	assert.True(t, pnl.Equal(dec("10")), "got %s", pnl)

	// Position reset: budget is spent, nothing held.
	assert.True(t, d.totalQuantity.IsZero())
}

func TestDCABudgetExhaustion(t *testing.T) {
	d, clock := newTestDCA(t, DCAConfig{
		AmountPerBuy: dec("100"),
		Interval:     IntervalDaily,
	}, "250")

	for i := 0; i < 2; i++ {
		orders := d.CalculateOrders(dec("100"), nil)
		require.Len(t, orders, 1, "buy %d", i)
		d.OnOrderFilled(&core.ManagedOrder{
			Side:           core.SideBuy,
			FilledQuantity: orders[0].Quantity,
		}, dec("100"))
		*clock = clock.Add(24 * time.Hour)
	}

	// 50 left of a 100 per-buy budget: no more buys, but the position keeps
	// the bot alive.
	assert.Empty(t, d.CalculateOrders(dec("100"), nil))
	assert.False(t, d.ShouldStop(dec("100")))

	// With the position sold and budget still short, the bot winds down.
	d.OnOrderFilled(&core.ManagedOrder{
		Side:           core.SideSell,
		FilledQuantity: dec("2"),
	}, dec("100"))
	assert.True(t, d.remainingBudget().Equal(dec("250")), "sell resets spent budget")
}

func TestDCASnapshotRestoreRoundTrip(t *testing.T) {
	d, _ := newTestDCA(t, DCAConfig{
		AmountPerBuy: dec("100"),
		Interval:     IntervalDaily,
	}, "1000")

	d.OnOrderFilled(&core.ManagedOrder{
		Side:           core.SideBuy,
		FilledQuantity: dec("0.002"),
	}, dec("50000"))

	snap, err := d.Snapshot()
	require.NoError(t, err)

	restored, _ := newTestDCA(t, DCAConfig{
		AmountPerBuy: dec("100"),
		Interval:     IntervalDaily,
	}, "1000")
	require.NoError(t, restored.Restore(snap))

	assert.True(t, restored.totalQuantity.Equal(dec("0.002")))
	assert.True(t, restored.averageEntry().Equal(dec("50000")))
}
