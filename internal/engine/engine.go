// Package engine drives one bot: the per-tick decision pipeline, candidate
// filtering against exchange rules and balances, and fill handling.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"botcore/internal/core"
	"botcore/internal/metrics"
	"botcore/internal/order"
	"botcore/internal/risk"
	"botcore/internal/strategy"
	"botcore/pkg/concurrency"
	"botcore/pkg/mathx"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config carries the per-tick engine settings.
type Config struct {
	CallTimeout time.Duration
}

// Deps are the collaborators injected into an engine.
type Deps struct {
	Exchange core.Exchange
	Strategy core.Strategy
	Orders   *order.Manager
	Circuit  *risk.CircuitBreaker
	Risk     *risk.Manager // optional
	Notifier core.Notifier
	Store    core.Store
	Logger   core.Logger
	Pool     *concurrency.WorkerPool
	Metrics  *metrics.Collector // optional
}

// Engine owns one bot's in-memory trading state. It is driven by a single
// loop goroutine; the fill handler is the only concurrent entry point and
// takes the engine mutex.
type Engine struct {
	bot        *core.Bot
	baseAsset  string
	quoteAsset string
	cfg        Config
	d          Deps
	logger     core.Logger

	mu          sync.Mutex
	lastPrice   decimal.Decimal
	balance     *core.Balance
	positionQty decimal.Decimal
	investment  decimal.Decimal
	realizedPnL decimal.Decimal
}

// New builds an engine for the bot and registers its fill handler.
func New(bot *core.Bot, cfg Config, d Deps) *Engine {
	base, quote := splitSymbol(bot.Symbol)
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	e := &Engine{
		bot:         bot,
		baseAsset:   base,
		quoteAsset:  quote,
		cfg:         cfg,
		d:           d,
		logger:      d.Logger.WithField("component", "engine").WithField("bot", bot.ID),
		investment:  bot.Investment,
		realizedPnL: bot.RealizedPnL,
	}
	d.Orders.SetFillHandler(e.handleOrderFilled)
	return e
}

// Tick runs one pipeline pass. The returned bool is false when the loop
// should stop (circuit open, strategy stop, or risk liquidation).
func (e *Engine) Tick(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() {
		if e.d.Metrics != nil {
			e.d.Metrics.TickDuration.WithLabelValues(e.bot.ID).Observe(time.Since(start).Seconds())
		}
	}()

	state, err := e.d.Circuit.State(ctx, e.bot.ID)
	if err != nil {
		e.logger.Warn("Circuit state check failed", "error", err)
	}
	e.observeCircuit(state)
	if state == risk.CircuitOpen {
		reason, _ := e.d.Circuit.TripReason(ctx, e.bot.ID)
		e.logger.Warn("Circuit breaker open, stopping bot", "reason", reason)
		if err := e.d.Orders.CancelAllOpen(ctx); err != nil {
			e.logger.Error("Failed to cancel orders on circuit stop", "error", err)
		}
		return false, nil
	}

	price, ok := e.fetchPrice(ctx)
	if !ok {
		if e.d.Metrics != nil {
			e.d.Metrics.TicksSkipped.WithLabelValues(e.bot.ID).Inc()
		}
		return true, nil
	}

	balance := e.fetchBalance(ctx)
	info := e.symbolInfo()

	if stop, err := e.runRisk(ctx, price, balance); err != nil {
		return false, err
	} else if stop {
		return false, nil
	}

	e.maybeRecenter(ctx, price)

	if e.d.Strategy.ShouldStop(price) {
		e.logger.Warn("Strategy stop condition met", "price", price)
		if err := e.d.Orders.CancelAllOpen(ctx); err != nil {
			e.logger.Error("Failed to cancel orders on strategy stop", "error", err)
		}
		e.recordEvent(ctx, "strategy_stop", "price "+price.String())
		return false, nil
	}

	candidates := e.d.Strategy.CalculateOrders(price, e.d.Orders.OpenOrders())
	accepted := e.filterCandidates(candidates, price, balance, info)
	e.submitAll(ctx, accepted, price)

	e.snapshotStrategy(ctx)
	return true, nil
}

func (e *Engine) fetchPrice(ctx context.Context) (decimal.Decimal, bool) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	ticker, err := e.d.Exchange.FetchTicker(callCtx, e.bot.Symbol)
	if err != nil {
		e.logger.Warn("Ticker fetch failed, skipping tick", "error", err)
		return decimal.Zero, false
	}
	e.mu.Lock()
	e.lastPrice = ticker.Last
	e.mu.Unlock()
	return ticker.Last, true
}

// fetchBalance is best-effort. Failure disables balance gating for the tick
// but does not skip it.
func (e *Engine) fetchBalance(ctx context.Context) *core.Balance {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	balance, err := e.d.Exchange.FetchBalance(callCtx)
	if err != nil {
		e.logger.Warn("Balance fetch failed, gating disabled this tick", "error", err)
		return nil
	}
	e.mu.Lock()
	e.balance = balance
	e.mu.Unlock()
	return balance
}

func (e *Engine) symbolInfo() *core.SymbolInfo {
	info, err := e.d.Exchange.SymbolInfo(e.bot.Symbol)
	if err != nil {
		e.logger.Warn("Symbol metadata unavailable, guards disabled this tick", "error", err)
		return nil
	}
	return info
}

// runRisk feeds the risk manager and acts on its decision. Liquidation
// flattens the position with a market sell and stops the loop.
func (e *Engine) runRisk(ctx context.Context, price decimal.Decimal, balance *core.Balance) (stop bool, err error) {
	if e.d.Risk == nil || balance == nil {
		return false, nil
	}

	equity := balance.TotalOf(e.quoteAsset).Add(balance.TotalOf(e.baseAsset).Mul(price))
	decision, err := e.d.Risk.UpdateState(ctx, e.bot, price, equity, balance.FreeOf(e.quoteAsset))
	if err != nil {
		e.logger.Error("Risk update failed", "error", err)
		return false, nil
	}

	if override, ok := decision.Metadata["investment_override"]; ok {
		if v, perr := decimal.NewFromString(override); perr == nil && v.IsPositive() {
			e.mu.Lock()
			e.investment = v
			e.mu.Unlock()
			e.logger.Info("Investment override applied", "investment", v)
		}
	}

	if decision.Action == core.RiskActionLiquidate {
		e.logger.Warn("Liquidating position", "reason", decision.Reason)
		if err := e.flatten(ctx, balance, price); err != nil {
			return true, err
		}
		e.recordEvent(ctx, "liquidated", decision.Reason)
		return true, nil
	}
	return false, nil
}

// flatten cancels everything and market-sells the full free base position.
func (e *Engine) flatten(ctx context.Context, balance *core.Balance, price decimal.Decimal) error {
	if err := e.d.Orders.CancelAllOpen(ctx); err != nil {
		return err
	}
	qty := balance.FreeOf(e.baseAsset)
	if info := e.symbolInfo(); info != nil {
		qty = mathx.FloorToStep(qty, info.StepSize)
		if qty.LessThan(info.MinQty) || mathx.Notional(price, qty).LessThan(info.MinNotional) {
			return nil
		}
	}
	if !qty.IsPositive() {
		return nil
	}
	_, err := e.d.Orders.SubmitOrder(ctx, core.OrderRequest{
		Side:     core.SideSell,
		Type:     core.OrderTypeMarket,
		Quantity: qty,
	})
	return err
}

// maybeRecenter feeds candles to a regrid-capable strategy.
func (e *Engine) maybeRecenter(ctx context.Context, price decimal.Decimal) {
	rg, ok := e.d.Strategy.(strategy.Regridder)
	if !ok {
		return
	}
	timeframe, period, enabled := rg.DynamicRange()
	if !enabled {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	candles, err := e.d.Exchange.FetchOHLCV(callCtx, e.bot.Symbol, timeframe, time.Time{}, period*3)
	if err != nil {
		e.logger.Debug("OHLCV fetch failed, skipping regrid", "error", err)
		return
	}
	if rg.MaybeRecenter(time.Now(), price, candles) {
		e.logger.Info("Grid recentered", "price", price)
		e.recordEvent(ctx, "regrid", "recentered at "+price.String())
	}
}

// filterCandidates applies the closest-first ordering, exchange filters and
// running budgets.
func (e *Engine) filterCandidates(candidates []core.OrderRequest, price decimal.Decimal, balance *core.Balance, info *core.SymbolInfo) []core.OrderRequest {
	sort.SliceStable(candidates, func(i, j int) bool {
		di := candidates[i].Price.Sub(price).Abs()
		dj := candidates[j].Price.Sub(price).Abs()
		return di.LessThan(dj)
	})

	freeQuote := decimal.Zero
	freeBase := decimal.Zero
	gateBalance := balance != nil
	if gateBalance {
		freeQuote = balance.FreeOf(e.quoteAsset)
		freeBase = balance.FreeOf(e.baseAsset)
	}

	var out []core.OrderRequest
	for _, c := range candidates {
		qty := c.Quantity
		if info != nil {
			qty = mathx.FloorToStep(qty, info.StepSize)
			if qty.LessThan(info.MinQty) {
				continue
			}
		}

		refPrice := c.Price
		if refPrice.IsZero() {
			refPrice = price
		}

		switch c.Side {
		case core.SideBuy:
			cost := mathx.Notional(refPrice, qty)
			if info != nil && cost.LessThan(info.MinNotional) {
				continue
			}
			if gateBalance {
				if freeQuote.LessThan(cost) {
					continue
				}
				freeQuote = freeQuote.Sub(cost)
			}
		case core.SideSell:
			if gateBalance && qty.GreaterThan(freeBase) {
				qty = freeBase
				if info != nil {
					qty = mathx.FloorToStep(qty, info.StepSize)
				}
				if !qty.IsPositive() || (info != nil && qty.LessThan(info.MinQty)) {
					continue
				}
			}
			if info != nil && mathx.Notional(refPrice, qty).LessThan(info.MinNotional) {
				continue
			}
			if gateBalance {
				freeBase = freeBase.Sub(qty)
			}
		}

		c.Quantity = qty
		out = append(out, c)
	}
	return out
}

// submitAll runs the per-order safety checks and submits what passes.
func (e *Engine) submitAll(ctx context.Context, accepted []core.OrderRequest, price decimal.Decimal) {
	for _, c := range accepted {
		if c.GridLevel != nil && e.d.Orders.HasActiveGridOrder(c.Side, *c.GridLevel) {
			continue
		}

		allowed, reason, err := e.d.Circuit.CheckOrderAllowed(ctx, e.bot.ID, c.Price, price, e.currentInvestment())
		if err != nil {
			e.logger.Error("Circuit check failed", "error", err)
			continue
		}
		if !allowed {
			e.denied(reason)
			e.logger.Debug("Order denied by circuit breaker", "reason", reason, "side", c.Side, "price", c.Price)
			continue
		}

		if e.d.Risk != nil {
			allowed, reason, err := e.d.Risk.CheckOrder(ctx, e.bot.ID)
			if err != nil {
				e.logger.Error("Risk check failed", "error", err)
				continue
			}
			if !allowed {
				e.denied(reason)
				continue
			}
		}

		if _, err := e.d.Orders.SubmitOrder(ctx, c); err != nil {
			e.logger.Error("Order submission failed", "side", c.Side, "price", c.Price, "error", err)
			continue
		}
		if err := e.d.Circuit.RecordOrderPlaced(ctx, e.bot.ID); err != nil {
			e.logger.Warn("Failed to record order in circuit window", "error", err)
		}
		if e.d.Metrics != nil {
			e.d.Metrics.OrdersSubmitted.WithLabelValues(e.bot.ID, string(c.Side)).Inc()
		}
	}
}

// handleOrderFilled is invoked by the order manager when an order reaches
// FILLED, possibly from the user-stream goroutine.
func (e *Engine) handleOrderFilled(o *core.ManagedOrder) {
	fillPrice := o.AvgFillPrice
	if fillPrice.IsZero() {
		fillPrice = o.Price
	}
	filled := o.FilledQuantity
	if filled.IsZero() {
		filled = o.Quantity
	}

	e.mu.Lock()
	if o.Side == core.SideBuy {
		gained := filled
		// Fees charged in the base asset reduce what was actually received.
		if o.FeeAsset == e.baseAsset {
			gained = gained.Sub(o.Fee)
		}
		e.positionQty = e.positionQty.Add(gained)
	} else {
		e.positionQty = e.positionQty.Sub(filled)
	}
	e.mu.Unlock()

	delta := e.d.Strategy.OnOrderFilled(o, fillPrice)

	e.mu.Lock()
	e.realizedPnL = e.realizedPnL.Add(delta)
	realized := e.realizedPnL
	e.mu.Unlock()

	if e.d.Metrics != nil {
		e.d.Metrics.FillsProcessed.WithLabelValues(e.bot.ID, string(o.Side)).Inc()
		pnl, _ := realized.Float64()
		e.d.Metrics.RealizedPnL.WithLabelValues(e.bot.ID).Set(pnl)
	}

	e.logger.Info("Order filled",
		"order", o.ID, "side", o.Side,
		"qty", filled, "price", fillPrice, "pnl_delta", delta)

	// Persistence and notification run off the hot path.
	botID, userID, symbol := e.bot.ID, e.bot.UserID, e.bot.Symbol
	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if delta.IsNegative() {
			if err := e.d.Circuit.RecordPnL(ctx, botID, delta); err != nil {
				e.logger.Warn("Failed to record loss in circuit window", "error", err)
			}
		}

		pnlPtr := (*decimal.Decimal)(nil)
		if o.Side == core.SideSell {
			d := delta
			pnlPtr = &d
		}
		trade := &core.Trade{
			ID:          uuid.NewString(),
			BotID:       botID,
			OrderID:     o.ID,
			Symbol:      symbol,
			Side:        o.Side,
			Price:       fillPrice,
			Quantity:    filled,
			Fee:         o.Fee,
			FeeCurrency: o.FeeAsset,
			RealizedPnL: pnlPtr,
			Timestamp:   time.Now(),
		}
		if err := e.d.Store.InsertTrade(ctx, trade); err != nil {
			e.logger.Error("Failed to persist trade", "order", o.ID, "error", err)
		}
		if err := e.d.Store.UpdateBotPnL(ctx, botID, realized, decimal.Zero); err != nil {
			e.logger.Error("Failed to persist bot P&L", "error", err)
		}
		if e.d.Notifier != nil {
			if err := e.d.Notifier.NotifyOrderFilled(ctx, userID, symbol, o.Side, filled, fillPrice); err != nil {
				e.logger.Debug("Fill notification failed", "error", err)
			}
		}
	}
	if e.d.Pool != nil {
		if err := e.d.Pool.Submit(job); err != nil {
			e.logger.Warn("Fill pool full, running job inline", "error", err)
			job()
		}
	} else {
		job()
	}
}

// Shutdown cancels open orders; called by the supervisor on orderly stop.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.snapshotStrategy(ctx)
	return e.d.Orders.CancelAllOpen(ctx)
}

// LastPrice returns the most recent ticker price seen.
func (e *Engine) LastPrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice
}

func (e *Engine) currentInvestment() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.investment
}

func (e *Engine) snapshotStrategy(ctx context.Context) {
	snap, err := e.d.Strategy.Snapshot()
	if err != nil {
		e.logger.Error("Failed to snapshot strategy", "error", err)
		return
	}
	if err := e.d.Store.SaveStrategyState(ctx, e.bot.ID, snap); err != nil {
		e.logger.Error("Failed to persist strategy state", "error", err)
	}
}

func (e *Engine) recordEvent(ctx context.Context, kind, message string) {
	event := &core.BotEvent{
		ID:        uuid.NewString(),
		BotID:     e.bot.ID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := e.d.Store.InsertBotEvent(ctx, event); err != nil {
		e.logger.Debug("Failed to persist bot event", "error", err)
	}
}

func (e *Engine) denied(reason string) {
	if e.d.Metrics != nil {
		e.d.Metrics.OrdersDenied.WithLabelValues(e.bot.ID, reason).Inc()
	}
}

func (e *Engine) observeCircuit(state risk.CircuitState) {
	if e.d.Metrics == nil {
		return
	}
	v := 0.0
	switch state {
	case risk.CircuitHalfOpen:
		v = 1
	case risk.CircuitOpen:
		v = 2
	}
	e.d.Metrics.CircuitState.WithLabelValues(e.bot.ID).Set(v)
}

// splitSymbol parses BASE/QUOTE.
func splitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}
