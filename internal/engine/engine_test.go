package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botcore/internal/core"
	"botcore/internal/kv"
	"botcore/internal/logging"
	"botcore/internal/mock"
	"botcore/internal/order"
	"botcore/internal/risk"
	"botcore/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	engine  *Engine
	exch    *mock.Exchange
	store   *mock.Store
	orders  *order.Manager
	breaker *risk.CircuitBreaker
	kvStore *kv.MemoryStore
	bot     *core.Bot
}

func newFixture(t *testing.T, strat core.Strategy) *fixture {
	t.Helper()
	exch := mock.NewExchange()
	exch.SetTicker(dec("50000"))
	exch.SetBalance("USDT", dec("10000"), dec("10000"))
	exch.SetBalance("BTC", dec("1"), dec("1"))
	exch.SetSymbolInfo(&core.SymbolInfo{
		Symbol:      "BTC/USDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinNotional: dec("10"),
		MinQty:      dec("0.00001"),
		StepSize:    dec("0.00001"),
		TickSize:    dec("0.01"),
	})

	store := mock.NewStore()
	bot := &core.Bot{
		ID:         "bot-1",
		UserID:     "user-1",
		Symbol:     "BTC/USDT",
		Status:     core.BotStatusRunning,
		Investment: dec("1000"),
	}
	store.Bots[bot.ID] = bot

	kvStore := kv.NewMemoryStore()
	logger := logging.NewNop()
	orders := order.NewManager(bot.ID, bot.Symbol, exch, store, logger, order.Config{
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
		RetryCap:       time.Millisecond,
		PersistTimeout: time.Second,
	})
	breaker := risk.NewCircuitBreaker(kvStore, risk.DefaultCircuitConfig(), logger)

	eng := New(bot, Config{CallTimeout: time.Second}, Deps{
		Exchange: exch,
		Strategy: strat,
		Orders:   orders,
		Circuit:  breaker,
		Notifier: nil,
		Store:    store,
		Logger:   logger,
	})
	return &fixture{
		engine:  eng,
		exch:    exch,
		store:   store,
		orders:  orders,
		breaker: breaker,
		kvStore: kvStore,
		bot:     bot,
	}
}

func newGrid(t *testing.T) *strategy.Grid {
	t.Helper()
	g, err := strategy.NewGrid(strategy.GridConfig{
		LowerPrice: dec("45000"),
		UpperPrice: dec("55000"),
		GridCount:  20,
	}, dec("1000"))
	require.NoError(t, err)
	return g
}

func TestTickPlacesGridBuys(t *testing.T) {
	f := newFixture(t, newGrid(t))

	keep, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, keep)

	created := f.exch.CreatedOrders()
	assert.Len(t, created, 10, "one buy per level below price")
	for _, req := range created {
		assert.Equal(t, core.SideBuy, req.Side)
	}

	// Closest-first: the first submission sits at the level nearest to price.
	assert.True(t, created[0].Price.Equal(dec("49500")))

	// Strategy state was snapshotted.
	assert.NotEmpty(t, f.store.Bots["bot-1"].StrategyState)
}

func TestTickDedupesAcrossTicks(t *testing.T) {
	f := newFixture(t, newGrid(t))

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, f.exch.CreatedOrders(), 10)

	// Second tick sees the resting orders and submits nothing new.
	_, err = f.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.exch.CreatedOrders(), 10)
}

func TestTickSkipsOnTickerFailure(t *testing.T) {
	f := newFixture(t, newGrid(t))
	f.exch.TickerErr = errors.New("venue down")

	keep, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, keep, "a failed ticker skips the tick but keeps the loop")
	assert.Empty(t, f.exch.CreatedOrders())
}

func TestTickStopsWhenCircuitOpen(t *testing.T) {
	f := newFixture(t, newGrid(t))

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, f.orders.OpenOrders())

	require.NoError(t, f.breaker.Trip(context.Background(), "bot-1", risk.ReasonOrderRate))

	keep, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, keep)
	assert.Empty(t, f.orders.OpenOrders(), "open orders cancelled on circuit stop")
}

func TestTickStopsOnStrategyStop(t *testing.T) {
	f := newFixture(t, newGrid(t))
	f.exch.SetTicker(dec("42000")) // below the 5% grace band

	keep, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, keep)
	assert.Empty(t, f.exch.CreatedOrders())

	require.Len(t, f.store.BotEvents, 1)
	assert.Equal(t, "strategy_stop", f.store.BotEvents[0].Kind)
}

func TestFilterEnforcesQuoteBudget(t *testing.T) {
	f := newFixture(t, newGrid(t))
	// Only enough quote for two of the 50-unit levels.
	f.exch.SetBalance("USDT", dec("100"), dec("100"))

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)

	created := f.exch.CreatedOrders()
	assert.Len(t, created, 2, "budget covers two buys")
	// The two closest levels won the budget.
	assert.True(t, created[0].Price.Equal(dec("49500")))
	assert.True(t, created[1].Price.Equal(dec("49000")))
}

func TestFilterDropsDustAndClampsSells(t *testing.T) {
	g := newGrid(t)
	f := newFixture(t, g)

	// Hold inventory at level 12 (51000) that exceeds the free base balance.
	level := 12
	g.OnOrderFilled(&core.ManagedOrder{
		Side:           core.SideBuy,
		GridLevel:      &level,
		FilledQuantity: dec("2"),
	}, dec("49000"))
	f.exch.SetBalance("BTC", dec("0.5"), dec("0.5"))
	f.exch.SetBalance("USDT", dec("0"), dec("0"))

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)

	var sells []core.CreateOrderRequest
	for _, req := range f.exch.CreatedOrders() {
		if req.Side == core.SideSell {
			sells = append(sells, req)
		}
	}
	require.Len(t, sells, 1)
	assert.True(t, sells[0].Quantity.Equal(dec("0.5")), "sell clamped to free base")
}

func TestFillHandlerPersistsTradeAndPnL(t *testing.T) {
	g := newGrid(t)
	f := newFixture(t, g)

	level := 9
	g.OnOrderFilled(&core.ManagedOrder{
		Side:           core.SideBuy,
		GridLevel:      &level,
		FilledQuantity: dec("0.001"),
	}, dec("49500"))

	// Tick at a price below the held level so the sell goes out.
	f.exch.SetTicker(dec("49000"))
	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)

	var sellOrder *core.ManagedOrder
	for _, o := range f.orders.OpenOrders() {
		if o.Side == core.SideSell {
			sellOrder = o
		}
	}
	require.NotNil(t, sellOrder)

	// The venue matches the sell; the WS update lands.
	f.orders.HandleUpdate(core.OrderUpdate{
		ExchangeID: sellOrder.ExchangeID,
		Status:     "filled",
		FilledQty:  sellOrder.Quantity,
		AvgPrice:   sellOrder.Price,
	})

	require.Len(t, f.store.Trades, 1)
	trade := f.store.Trades[0]
	assert.Equal(t, core.SideSell, trade.Side)
	require.NotNil(t, trade.RealizedPnL)
	// Bought at 49500, sold at 49500: flat.
	assert.True(t, trade.RealizedPnL.IsZero())
	assert.True(t, f.store.Bots["bot-1"].RealizedPnL.Equal(*trade.RealizedPnL))
}

func TestTickConcurrentWithStreamFills(t *testing.T) {
	g := newGrid(t)
	f := newFixture(t, g)

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	open := f.orders.OpenOrders()
	require.Len(t, open, 10)

	type resting struct {
		exchangeID string
		qty, price decimal.Decimal
	}
	fills := make([]resting, 0, len(open))
	for _, o := range open {
		fills = append(fills, resting{o.ExchangeID, o.Quantity, o.Price})
	}

	// The user stream delivers fills on its own goroutine while the loop keeps
	// ticking; both paths mutate strategy state.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = f.engine.Tick(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for _, fl := range fills {
			f.exch.FillOrder(fl.exchangeID, fl.qty, fl.price)
			f.orders.HandleUpdate(core.OrderUpdate{
				ExchangeID: fl.exchangeID,
				Status:     "filled",
				FilledQty:  fl.qty,
				AvgPrice:   fl.price,
			})
		}
	}()
	wg.Wait()

	// Every fill was booked exactly once.
	require.Len(t, f.store.Trades, 10)
	for _, trade := range f.store.Trades {
		assert.Equal(t, core.SideBuy, trade.Side)
	}

	snap, err := g.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, snap)
}

func TestRiskLiquidationFlattensPosition(t *testing.T) {
	f := newFixture(t, newGrid(t))
	riskMgr := risk.NewManager(f.store, risk.DefaultRiskConfig(), logging.NewNop())
	f.engine.d.Risk = riskMgr

	// Seed a risk state already marked for liquidation at the next check.
	require.NoError(t, f.store.SaveRiskState(context.Background(), &core.RiskState{
		BotID:                  "bot-1",
		Status:                 core.RiskStatusPendingLiquidation,
		EquityPeak:             dec("100000"),
		LastEquity:             dec("60000"),
		Daily:                  core.RiskWindow{Start: time.Now(), Peak: dec("100000")},
		Weekly:                 core.RiskWindow{Start: time.Now(), Peak: dec("100000")},
		Monthly:                core.RiskWindow{Start: time.Now(), Peak: dec("100000")},
		PendingLiquidationTill: time.Now().Add(-time.Minute),
		PendingReason:          "monthly_stop",
	}))

	keep, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, keep, "liquidation stops the loop")

	created := f.exch.CreatedOrders()
	require.Len(t, created, 1)
	assert.Equal(t, core.SideSell, created[0].Side)
	assert.Equal(t, core.OrderTypeMarket, created[0].Type)
	assert.True(t, created[0].Quantity.Equal(dec("1")), "full free base sold")
}
