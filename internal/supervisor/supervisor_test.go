package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"botcore/internal/config"
	"botcore/internal/core"
	"botcore/internal/kv"
	"botcore/internal/logging"
	"botcore/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubStream struct {
	mu      sync.Mutex
	onOrder func(core.OrderUpdate)
	started bool
	stopped bool
}

func (s *stubStream) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *stubStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *stubStream) OnOrderUpdate(fn func(core.OrderUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOrder = fn
}

func (s *stubStream) OnBalanceUpdate(func(core.BalanceUpdate)) {}

type stubFactory struct {
	exch   *mock.Exchange
	stream *stubStream
}

func (f *stubFactory) Adapter(string, []string) (core.Exchange, error) {
	return f.exch, nil
}

func (f *stubFactory) UserStream(string) (core.UserStream, error) {
	return f.stream, nil
}

func gridConfigJSON(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"lower_price": "45000",
		"upper_price": "55000",
		"grid_count":  20,
	})
	require.NoError(t, err)
	return raw
}

func newTestSupervisor(t *testing.T) (*Supervisor, *mock.Store, *stubFactory) {
	t.Helper()
	exch := mock.NewExchange()
	exch.SetTicker(dec("50000"))
	exch.SetBalance("USDT", dec("10000"), dec("10000"))
	exch.SetSymbolInfo(&core.SymbolInfo{
		Symbol:      "BTC/USDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinNotional: dec("10"),
		MinQty:      dec("0.00001"),
		StepSize:    dec("0.00001"),
	})
	factory := &stubFactory{exch: exch, stream: &stubStream{}}

	store := mock.NewStore()
	s := New(config.Default(), Deps{
		Store:    store,
		KV:       kv.NewMemoryStore(),
		Notifier: nil,
		Logger:   logging.NewNop(),
		Factory:  factory,
	})
	return s, store, factory
}

func seedBot(store *mock.Store, t *testing.T, id string, status core.BotStatus) *core.Bot {
	t.Helper()
	bot := &core.Bot{
		ID:         id,
		UserID:     "user-1",
		Exchange:   "binance",
		Strategy:   core.StrategyGrid,
		Symbol:     "BTC/USDT",
		Config:     gridConfigJSON(t),
		Status:     status,
		Investment: dec("1000"),
	}
	store.Bots[id] = bot
	return bot
}

func TestReconcileStartsDesiredBots(t *testing.T) {
	s, store, factory := newTestSupervisor(t)
	seedBot(store, t, "bot-1", core.BotStatusStarting)

	require.NoError(t, s.reconcile(context.Background()))
	defer s.shutdown()

	assert.Contains(t, s.Running(), "bot-1")
	assert.Equal(t, core.BotStatusRunning, store.Bots["bot-1"].Status)
	assert.True(t, factory.stream.started)

	var started bool
	for _, e := range store.BotEvents {
		if e.BotID == "bot-1" && e.Kind == "started" {
			started = true
		}
	}
	assert.True(t, started, "a fresh start records a started event")
}

func TestReconcileStopsUndesiredBots(t *testing.T) {
	s, store, factory := newTestSupervisor(t)
	seedBot(store, t, "bot-1", core.BotStatusStarting)

	require.NoError(t, s.reconcile(context.Background()))
	require.Contains(t, s.Running(), "bot-1")

	// The control plane flipped the bot to stopping.
	require.NoError(t, store.UpdateBotStatus(context.Background(), "bot-1", core.BotStatusStopping, ""))

	require.NoError(t, s.reconcile(context.Background()))
	assert.Empty(t, s.Running())
	assert.Equal(t, core.BotStatusStopped, store.Bots["bot-1"].Status)
	assert.True(t, factory.stream.stopped, "last consumer closes the venue stream")
}

func TestStopBotRecordsStoppingBeforeStopped(t *testing.T) {
	s, store, _ := newTestSupervisor(t)
	seedBot(store, t, "bot-1", core.BotStatusStarting)

	require.NoError(t, s.reconcile(context.Background()))
	require.Contains(t, s.Running(), "bot-1")

	s.stopBot("bot-1", core.BotStatusStopped)

	history := store.StatusesFor("bot-1")
	require.GreaterOrEqual(t, len(history), 3)
	assert.Equal(t, core.BotStatusRunning, history[0])
	assert.Equal(t, core.BotStatusStopping, history[len(history)-2], "teardown runs under an observable stopping status")
	assert.Equal(t, core.BotStatusStopped, history[len(history)-1])
}

func TestSelfStopRecordsStoppingThenStopped(t *testing.T) {
	s, store, factory := newTestSupervisor(t)
	// A price below the grid's grace band makes the first tick stop the loop.
	factory.exch.SetTicker(dec("42000"))
	seedBot(store, t, "bot-1", core.BotStatusStarting)

	require.NoError(t, s.reconcile(context.Background()))

	require.Eventually(t, func() bool {
		h := store.StatusesFor("bot-1")
		return len(h) > 0 && h[len(h)-1] == core.BotStatusStopped
	}, 2*time.Second, 10*time.Millisecond)

	history := store.StatusesFor("bot-1")
	require.GreaterOrEqual(t, len(history), 3)
	assert.Equal(t, core.BotStatusStopping, history[len(history)-2])
	assert.Empty(t, s.Running())
}

func TestRehydrateRestoresWithoutStartedEvent(t *testing.T) {
	s, store, _ := newTestSupervisor(t)
	bot := seedBot(store, t, "bot-1", core.BotStatusRunning)

	// Persisted strategy state from the previous run.
	snap, err := json.Marshal(map[string]interface{}{
		"lower": "45000",
		"upper": "55000",
	})
	require.NoError(t, err)
	bot.StrategyState = snap

	require.NoError(t, s.rehydrate(context.Background()))
	defer s.shutdown()

	assert.Contains(t, s.Running(), "bot-1")
	for _, e := range store.BotEvents {
		assert.NotEqual(t, "started", e.Kind, "rehydration must not record a started event")
	}
}

func TestStartBotIsIdempotent(t *testing.T) {
	s, store, _ := newTestSupervisor(t)
	bot := seedBot(store, t, "bot-1", core.BotStatusStarting)

	require.NoError(t, s.startBot(context.Background(), bot, false))
	defer s.shutdown()
	require.NoError(t, s.startBot(context.Background(), bot, false))

	assert.Len(t, s.Running(), 1)
}

func TestStartBotBadConfigMarksError(t *testing.T) {
	s, store, _ := newTestSupervisor(t)
	bot := seedBot(store, t, "bot-1", core.BotStatusStarting)
	bot.Config = json.RawMessage(`{"grid_count": 1}`)

	require.NoError(t, s.reconcile(context.Background()))

	assert.Empty(t, s.Running())
	assert.Equal(t, core.BotStatusError, store.Bots["bot-1"].Status)
	assert.NotEmpty(t, store.Bots["bot-1"].ErrorMessage)
}

func TestVenueStreamFanOut(t *testing.T) {
	vs := &venueStream{handlers: make(map[string]func(core.OrderUpdate))}

	var got []string
	vs.attach("bot-1", func(core.OrderUpdate) { got = append(got, "bot-1") })
	vs.attach("bot-2", func(core.OrderUpdate) { got = append(got, "bot-2") })

	vs.dispatch(core.OrderUpdate{ExchangeID: "x"})
	assert.ElementsMatch(t, []string{"bot-1", "bot-2"}, got)

	remaining := vs.detach("bot-1")
	assert.Equal(t, 1, remaining)
	remaining = vs.detach("bot-2")
	assert.Equal(t, 0, remaining)
}
