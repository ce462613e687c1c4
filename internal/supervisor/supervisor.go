// Package supervisor owns the bot lifecycle: boot rehydration, the periodic
// reconcile of desired vs live loops, and orderly shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"botcore/internal/config"
	"botcore/internal/core"
	"botcore/internal/engine"
	"botcore/internal/kv"
	"botcore/internal/metrics"
	"botcore/internal/order"
	"botcore/internal/risk"
	"botcore/internal/strategy"
	"botcore/pkg/concurrency"

	"github.com/google/uuid"
)

// ExchangeFactory builds venue adapters and private streams.
type ExchangeFactory interface {
	Adapter(venue string, symbols []string) (core.Exchange, error)
	UserStream(venue string) (core.UserStream, error)
}

// Deps are the process-wide collaborators shared by all bot loops.
type Deps struct {
	Store    core.Store
	KV       kv.Store
	Notifier core.Notifier
	Logger   core.Logger
	Metrics  *metrics.Collector // optional
	Factory  ExchangeFactory
}

type botLoop struct {
	bot      *core.Bot
	cancel   context.CancelFunc
	done     chan struct{}
	engine   *engine.Engine
	orders   *order.Manager
	exchange core.Exchange

	// set by the loop goroutine before it returns; read by teardown on the
	// same goroutine.
	selfStopped bool
}

// venueStream is one private WebSocket shared by every bot on the venue.
// Updates fan out to all registered order managers; each manager drops
// exchange ids it does not own.
type venueStream struct {
	stream   core.UserStream
	cancel   context.CancelFunc
	mu       sync.Mutex
	handlers map[string]func(core.OrderUpdate) // bot id -> handler
}

func (vs *venueStream) attach(botID string, fn func(core.OrderUpdate)) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.handlers[botID] = fn
}

func (vs *venueStream) detach(botID string) int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	delete(vs.handlers, botID)
	return len(vs.handlers)
}

func (vs *venueStream) dispatch(u core.OrderUpdate) {
	vs.mu.Lock()
	handlers := make([]func(core.OrderUpdate), 0, len(vs.handlers))
	for _, fn := range vs.handlers {
		handlers = append(handlers, fn)
	}
	vs.mu.Unlock()
	for _, fn := range handlers {
		fn(u)
	}
}

// Supervisor reconciles persisted bot statuses against live loops. At most
// one loop runs per bot per process.
type Supervisor struct {
	cfg    *config.Config
	d      Deps
	logger core.Logger
	pool   *concurrency.WorkerPool

	mu      sync.Mutex
	running map[string]*botLoop
	streams map[string]*venueStream
}

// New builds a supervisor.
func New(cfg *config.Config, d Deps) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		d:      d,
		logger: d.Logger.WithField("component", "supervisor"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "fills",
			MaxWorkers:  cfg.Engine.FillPoolWorkers,
			MaxCapacity: cfg.Engine.FillPoolCapacity,
			NonBlocking: true,
		}, d.Logger),
		running: make(map[string]*botLoop),
		streams: make(map[string]*venueStream),
	}
}

// Run blocks until ctx is cancelled. It rehydrates previously-running bots
// once, then reconciles on every supervisor interval.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.rehydrate(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.SupervisorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			if err := s.reconcile(ctx); err != nil {
				s.logger.Error("Supervisor reconcile failed", "error", err)
			}
		}
	}
}

// rehydrate restarts loops for bots persisted as RUNNING, restoring strategy
// state and open orders without emitting a started event.
func (s *Supervisor) rehydrate(ctx context.Context) error {
	bots, err := s.d.Store.ListBotsByStatus(ctx, core.BotStatusRunning)
	if err != nil {
		return err
	}
	for _, bot := range bots {
		if err := s.startBot(ctx, bot, true); err != nil {
			s.logger.Error("Failed to rehydrate bot", "bot", bot.ID, "error", err)
			s.markError(ctx, bot.ID, err)
		}
	}
	s.logger.Info("Rehydration complete", "bots", len(bots))
	return nil
}

// reconcile diffs desired state against live loops.
func (s *Supervisor) reconcile(ctx context.Context) error {
	statuses, err := s.d.Store.ListBotStatuses(ctx)
	if err != nil {
		return err
	}

	target := make(map[string]bool)
	for id, status := range statuses {
		if status == core.BotStatusRunning || status == core.BotStatusStarting {
			target[id] = true
		}
	}

	s.mu.Lock()
	var toStop []string
	for id := range s.running {
		if !target[id] {
			toStop = append(toStop, id)
		}
	}
	var toStart []string
	for id := range target {
		if _, live := s.running[id]; !live {
			toStart = append(toStart, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toStop {
		s.stopBot(id, core.BotStatusStopped)
	}
	for _, id := range toStart {
		bot, err := s.d.Store.GetBot(ctx, id)
		if err != nil {
			s.logger.Error("Failed to load bot", "bot", id, "error", err)
			continue
		}
		if err := s.startBot(ctx, bot, false); err != nil {
			s.logger.Error("Failed to start bot", "bot", id, "error", err)
			s.markError(ctx, id, err)
		}
	}
	return nil
}

// startBot wires one bot's strategy, adapter, order manager and engine, then
// launches its loop goroutine.
func (s *Supervisor) startBot(ctx context.Context, bot *core.Bot, rehydrating bool) error {
	s.mu.Lock()
	if _, live := s.running[bot.ID]; live {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	strat, err := strategy.New(bot.Strategy, bot.Config, bot.Investment)
	if err != nil {
		return err
	}
	if rehydrating && len(bot.StrategyState) > 0 {
		if err := strat.Restore(bot.StrategyState); err != nil {
			return err
		}
	}

	adapter, err := s.d.Factory.Adapter(bot.Exchange, []string{bot.Symbol})
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		adapter.Close()
		return err
	}

	orders := order.NewManager(bot.ID, bot.Symbol, adapter, s.d.Store, s.d.Logger, order.Config{
		MaxRetries:     s.cfg.Engine.MaxSubmitRetries,
		RetryBackoff:   time.Duration(s.cfg.Engine.RetryBackoffMS) * time.Millisecond,
		RetryCap:       time.Duration(s.cfg.Engine.RetryBackoffCapMS) * time.Millisecond,
		PersistTimeout: 5 * time.Second,
	})
	if rehydrating {
		if err := orders.LoadFromStore(ctx); err != nil {
			adapter.Close()
			return err
		}
	}

	circuit := risk.NewCircuitBreaker(s.d.KV, risk.CircuitConfig{
		MaxOrdersPerMinute:       int(s.cfg.Circuit.MaxOrdersPerMinute),
		MaxLossPercentPerHour:    s.cfg.Circuit.MaxLossPercentPerHour,
		MaxPriceDeviationPercent: s.cfg.Circuit.MaxPriceDeviationPercent,
		Cooldown:                 time.Duration(s.cfg.Circuit.CooldownSeconds) * time.Second,
		HalfOpenOrders:           s.cfg.Circuit.HalfOpenOrders,
	}, s.d.Logger)

	riskMgr := risk.NewManager(s.d.Store, risk.RiskConfig{
		DailyStopPercent:           s.cfg.Risk.DailyStopPercent,
		WeeklyStopPercent:          s.cfg.Risk.WeeklyStopPercent,
		MonthlyStopPercent:         s.cfg.Risk.MonthlyStopPercent,
		DailyPauseHours:            s.cfg.Risk.DailyPauseHours,
		TwoStepWaitMinutes:         s.cfg.Risk.TwoStepWaitMinutes,
		TrailingPercent:            s.cfg.Risk.TrailingPercent,
		TrailingWaitMinutes:        s.cfg.Risk.TrailingWaitMinutes,
		ActiveCapitalPercent:       s.cfg.Risk.ActiveCapitalPercent,
		ReserveCapitalPercent:      s.cfg.Risk.ReserveCapitalPercent,
		ReinforcementLevelsPercent: s.cfg.Risk.ReinforcementLevelsPercent,
	}, s.d.Logger)

	eng := engine.New(bot, engine.Config{CallTimeout: s.cfg.CallTimeout()}, engine.Deps{
		Exchange: adapter,
		Strategy: strat,
		Orders:   orders,
		Circuit:  circuit,
		Risk:     riskMgr,
		Notifier: s.d.Notifier,
		Store:    s.d.Store,
		Logger:   s.d.Logger,
		Pool:     s.pool,
		Metrics:  s.d.Metrics,
	})

	if err := s.attachStream(ctx, bot.ID, bot.Exchange, orders.HandleUpdate); err != nil {
		s.logger.Warn("Private stream unavailable, relying on REST sync", "bot", bot.ID, "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &botLoop{
		bot:      bot,
		cancel:   cancel,
		done:     make(chan struct{}),
		engine:   eng,
		orders:   orders,
		exchange: adapter,
	}

	s.mu.Lock()
	s.running[bot.ID] = loop
	s.mu.Unlock()
	if s.d.Metrics != nil {
		s.d.Metrics.BotsRunning.Inc()
	}

	if err := s.d.Store.UpdateBotStatus(ctx, bot.ID, core.BotStatusRunning, ""); err != nil {
		s.logger.Error("Failed to persist bot status", "bot", bot.ID, "error", err)
	}
	if !rehydrating {
		s.recordEvent(ctx, bot.ID, "started", "")
	}

	go s.runLoop(loopCtx, loop)
	s.logger.Info("Bot loop started", "bot", bot.ID, "strategy", bot.Strategy, "symbol", bot.Symbol, "rehydrated", rehydrating)
	return nil
}

// runLoop drives one bot until stop, error or cancellation. Errors are
// isolated to this bot.
func (s *Supervisor) runLoop(ctx context.Context, loop *botLoop) {
	defer close(loop.done)
	defer s.teardown(loop)

	interval := s.cfg.TickInterval()
	botID := loop.bot.ID

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		keepGoing, err := loop.engine.Tick(ctx)
		if err != nil {
			s.logger.Error("Bot loop failed", "bot", botID, "error", err)
			s.markError(context.Background(), botID, err)
			if s.d.Notifier != nil {
				_ = s.d.Notifier.NotifyError(context.Background(), loop.bot.UserID, err.Error())
			}
			return
		}
		if !keepGoing {
			s.logger.Info("Bot loop stopping", "bot", botID)
			// STOPPING is observable while teardown runs; teardown records
			// the final STOPPED.
			s.setStatus(context.Background(), botID, core.BotStatusStopping)
			loop.selfStopped = true
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// teardown runs the loop's cleanup path: cancel open orders, detach the
// stream, disconnect the adapter, and drop the loop from the live map.
func (s *Supervisor) teardown(loop *botLoop) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := loop.engine.Shutdown(ctx); err != nil {
		s.logger.Warn("Failed to cancel orders on teardown", "bot", loop.bot.ID, "error", err)
	}
	s.detachStream(loop.bot.ID, loop.bot.Exchange)
	if err := loop.exchange.Close(); err != nil {
		s.logger.Debug("Adapter close failed", "bot", loop.bot.ID, "error", err)
	}

	s.mu.Lock()
	delete(s.running, loop.bot.ID)
	s.mu.Unlock()
	if s.d.Metrics != nil {
		s.d.Metrics.BotsRunning.Dec()
	}

	if loop.selfStopped {
		s.setStatus(context.Background(), loop.bot.ID, core.BotStatusStopped)
	}
}

// stopBot cancels the loop and waits for its teardown to finish. STOPPING is
// persisted first so observers can tell an in-flight stop from a completed
// one.
func (s *Supervisor) stopBot(botID string, status core.BotStatus) {
	s.mu.Lock()
	loop, ok := s.running[botID]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.setStatus(context.Background(), botID, core.BotStatusStopping)
	loop.cancel()
	<-loop.done
	s.setStatus(context.Background(), botID, status)
	s.recordEvent(context.Background(), botID, "stopped", "")
	s.logger.Info("Bot loop stopped", "bot", botID)
}

// shutdown stops every live loop; called when the process context ends.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.mu.Lock()
			loop, ok := s.running[id]
			s.mu.Unlock()
			if !ok {
				return
			}
			loop.cancel()
			<-loop.done
			// Keep the persisted status so the bot rehydrates on next boot.
		}(id)
	}
	wg.Wait()
	s.pool.StopAndWait()
	s.logger.Info("Supervisor shut down", "bots", len(ids))
}

// Running returns the ids of live loops.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// attachStream lazily opens the venue's private stream and registers the
// bot's update handler.
func (s *Supervisor) attachStream(ctx context.Context, botID, venue string, handler func(core.OrderUpdate)) error {
	s.mu.Lock()
	vs, ok := s.streams[venue]
	s.mu.Unlock()
	if ok {
		vs.attach(botID, handler)
		return nil
	}

	stream, err := s.d.Factory.UserStream(venue)
	if err != nil {
		return err
	}
	vs = &venueStream{
		stream:   stream,
		handlers: make(map[string]func(core.OrderUpdate)),
	}
	stream.OnOrderUpdate(vs.dispatch)
	stream.OnBalanceUpdate(func(core.BalanceUpdate) {})

	streamCtx, cancel := context.WithCancel(context.Background())
	vs.cancel = cancel
	if err := stream.Start(streamCtx); err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.streams[venue] = vs
	s.mu.Unlock()
	vs.attach(botID, handler)
	s.logger.Info("Private stream connected", "venue", venue)
	return nil
}

// detachStream drops the bot's handler, closing the stream when it was the
// last consumer on the venue.
func (s *Supervisor) detachStream(botID, venue string) {
	s.mu.Lock()
	vs, ok := s.streams[venue]
	s.mu.Unlock()
	if !ok {
		return
	}
	if vs.detach(botID) > 0 {
		return
	}

	s.mu.Lock()
	delete(s.streams, venue)
	s.mu.Unlock()
	vs.cancel()
	if err := vs.stream.Stop(); err != nil {
		s.logger.Debug("Stream stop failed", "venue", venue, "error", err)
	}
	s.logger.Info("Private stream closed", "venue", venue)
}

func (s *Supervisor) markError(ctx context.Context, botID string, err error) {
	if uerr := s.d.Store.UpdateBotStatus(ctx, botID, core.BotStatusError, err.Error()); uerr != nil {
		s.logger.Error("Failed to persist error status", "bot", botID, "error", uerr)
	}
	s.recordEvent(ctx, botID, "error", err.Error())
}

func (s *Supervisor) setStatus(ctx context.Context, botID string, status core.BotStatus) {
	if err := s.d.Store.UpdateBotStatus(ctx, botID, status, ""); err != nil {
		s.logger.Error("Failed to persist bot status", "bot", botID, "status", status, "error", err)
	}
}

func (s *Supervisor) recordEvent(ctx context.Context, botID, kind, message string) {
	event := &core.BotEvent{
		ID:        uuid.NewString(),
		BotID:     botID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := s.d.Store.InsertBotEvent(ctx, event); err != nil {
		s.logger.Debug("Failed to persist bot event", "bot", botID, "error", err)
	}
}
