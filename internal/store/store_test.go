package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"botcore/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBot(t *testing.T, s *Store, id string) *core.Bot {
	t.Helper()
	bot := &core.Bot{
		ID:           id,
		UserID:       "user-1",
		CredentialID: "cred-1",
		Exchange:     "binance",
		Strategy:     core.StrategyGrid,
		Symbol:       "BTC/USDT",
		Config:       json.RawMessage(`{"grid_count":20}`),
		Status:       core.BotStatusStopped,
		Investment:   dec("1000"),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	return bot
}

func TestBotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBot(t, s, "bot-1")

	got, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.Investment.Equal(dec("1000")))
	assert.Equal(t, core.BotStatusStopped, got.Status)

	missing, err := s.GetBot(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBotStatusAndPnLUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBot(t, s, "bot-1")

	require.NoError(t, s.UpdateBotStatus(ctx, "bot-1", core.BotStatusRunning, ""))
	require.NoError(t, s.UpdateBotPnL(ctx, "bot-1", dec("12.5"), dec("-3")))
	require.NoError(t, s.SaveStrategyState(ctx, "bot-1", json.RawMessage(`{"lower":"45000"}`)))

	got, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, core.BotStatusRunning, got.Status)
	assert.True(t, got.RealizedPnL.Equal(dec("12.5")))
	assert.True(t, got.UnrealizedPnL.Equal(dec("-3")))
	assert.JSONEq(t, `{"lower":"45000"}`, string(got.StrategyState))

	statuses, err := s.ListBotStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BotStatusRunning, statuses["bot-1"])

	running, err := s.ListBotsByStatus(ctx, core.BotStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "bot-1", running[0].ID)
}

func TestOrderPersistenceAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBot(t, s, "bot-1")

	level := 4
	o := &core.ManagedOrder{
		ID:         "ord-1",
		BotID:      "bot-1",
		Symbol:     "BTC/USDT",
		Side:       core.SideBuy,
		Type:       core.OrderTypeLimit,
		Quantity:   dec("0.5"),
		Price:      dec("47000"),
		State:      core.OrderStateOpen,
		ExchangeID: "venue-1",
		GridLevel:  &level,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.SaveOrder(ctx, o))

	open, err := s.ListOpenOrders(ctx, "bot-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ord-1", open[0].ID)
	require.NotNil(t, open[0].GridLevel)
	assert.Equal(t, 4, *open[0].GridLevel)

	byExch, err := s.FindOrderByExchangeID(ctx, "bot-1", "venue-1")
	require.NoError(t, err)
	require.NotNil(t, byExch)
	assert.Equal(t, "ord-1", byExch.ID)

	none, err := s.FindOrderByExchangeID(ctx, "bot-1", "unknown")
	require.NoError(t, err)
	assert.Nil(t, none)

	// Upsert: the same order moving to FILLED drops out of the open set.
	o.State = core.OrderStateFilled
	o.FilledQuantity = o.Quantity
	require.NoError(t, s.SaveOrder(ctx, o))

	open, err = s.ListOpenOrders(ctx, "bot-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTradeQueriesAndPnLSum(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBot(t, s, "bot-1")

	pnl := dec("7.5")
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.InsertTrade(ctx, &core.Trade{
		ID: "t1", BotID: "bot-1", OrderID: "ord-1", ExchangeTradeID: "ex-1",
		Symbol: "BTC/USDT", Side: core.SideBuy,
		Price: dec("50000"), Quantity: dec("0.1"),
		Fee: dec("0.05"), FeeCurrency: "USDT",
		Timestamp: base,
	}))
	require.NoError(t, s.InsertTrade(ctx, &core.Trade{
		ID: "t2", BotID: "bot-1", OrderID: "ord-2", ExchangeTradeID: "ex-2",
		Symbol: "BTC/USDT", Side: core.SideSell,
		Price: dec("50500"), Quantity: dec("0.1"),
		RealizedPnL: &pnl,
		Timestamp:   base.Add(time.Minute),
	}))

	trades, err := s.ListTrades(ctx, "bot-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t1", trades[0].ID, "ascending by timestamp")

	byExch, err := s.FindTradeByExchangeID(ctx, "cred-1", "ex-2")
	require.NoError(t, err)
	require.NotNil(t, byExch)
	require.NotNil(t, byExch.RealizedPnL)
	assert.True(t, byExch.RealizedPnL.Equal(pnl))

	miss, err := s.FindTradeByExchangeID(ctx, "cred-other", "ex-2")
	require.NoError(t, err)
	assert.Nil(t, miss, "credential scoping")

	byFill, err := s.FindTradeByOrderFill(ctx, "ord-1", dec("50000"), dec("0.1"))
	require.NoError(t, err)
	require.NotNil(t, byFill)
	assert.Equal(t, "t1", byFill.ID)

	sum, err := s.SumRealizedPnL(ctx, "bot-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(pnl))
}

func TestRiskStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBot(t, s, "bot-1")

	none, err := s.GetRiskState(ctx, "bot-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	now := time.Now().Truncate(time.Millisecond)
	rs := &core.RiskState{
		BotID:              "bot-1",
		Status:             core.RiskStatusPaused,
		EquityPeak:         dec("10000"),
		LastEquity:         dec("9600"),
		Daily:              core.RiskWindow{Start: now, Peak: dec("10000")},
		Weekly:             core.RiskWindow{Start: now, Peak: dec("10000")},
		Monthly:            core.RiskWindow{Start: now, Peak: dec("10000")},
		PausedUntil:        now.Add(24 * time.Hour),
		PendingReason:      "",
		ReferencePrice:     dec("50000"),
		ReinforcementsUsed: 1,
		InvestmentOverride: dec("8000"),
		UpdatedAt:          now,
	}
	require.NoError(t, s.SaveRiskState(ctx, rs))

	got, err := s.GetRiskState(ctx, "bot-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.RiskStatusPaused, got.Status)
	assert.True(t, got.EquityPeak.Equal(dec("10000")))
	assert.Equal(t, now.Add(24*time.Hour).UnixMilli(), got.PausedUntil.UnixMilli())
	assert.Equal(t, 1, got.ReinforcementsUsed)
	assert.True(t, got.InvestmentOverride.Equal(dec("8000")))

	// Upsert path.
	rs.Status = core.RiskStatusOK
	rs.PausedUntil = time.Time{}
	require.NoError(t, s.SaveRiskState(ctx, rs))
	got, err = s.GetRiskState(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, core.RiskStatusOK, got.Status)
	assert.True(t, got.PausedUntil.IsZero())
}

func TestEventInserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBot(t, s, "bot-1")

	require.NoError(t, s.InsertRiskEvent(ctx, &core.RiskEvent{
		ID: "re-1", BotID: "bot-1",
		Action: core.RiskActionPause, Status: core.RiskStatusPaused,
		Reason: "daily_stop", Equity: dec("9600"), Timestamp: time.Now(),
	}))
	require.NoError(t, s.InsertBotEvent(ctx, &core.BotEvent{
		ID: "be-1", BotID: "bot-1", Kind: "started", Timestamp: time.Now(),
	}))
}
