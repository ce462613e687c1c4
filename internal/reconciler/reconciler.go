// Package reconciler periodically pulls trade history from the venues and
// backfills executions the user-data streams missed. Realized P&L for
// backfilled sells is recomputed with FIFO lot accounting, and the bot's
// persisted totals are refreshed from the trades table afterwards.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"botcore/internal/core"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Factory builds exchange adapters for the bots being reconciled.
type Factory interface {
	Adapter(venue string, symbols []string) (core.Exchange, error)
}

// Config tunes the reconciliation sweep.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 5m".
	Schedule string
	// Lookback bounds how far back trade history is fetched.
	Lookback time.Duration
	// FetchLimit caps trades fetched per bot per sweep.
	FetchLimit int
	// SweepTimeout bounds one full sweep.
	SweepTimeout time.Duration
}

// DefaultConfig returns production reconciler settings.
func DefaultConfig() Config {
	return Config{
		Schedule:     "@every 5m",
		Lookback:     24 * time.Hour,
		FetchLimit:   500,
		SweepTimeout: 2 * time.Minute,
	}
}

// Reconciler drives scheduled sweeps over recently active bots.
type Reconciler struct {
	store   core.Store
	factory Factory
	cfg     Config
	logger  core.Logger
	cron    *cron.Cron

	baseCtx context.Context
	now     func() time.Time
}

// New builds a reconciler; call Start to begin scheduled sweeps.
func New(store core.Store, factory Factory, cfg Config, logger core.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultConfig().Lookback
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultConfig().FetchLimit
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = DefaultConfig().SweepTimeout
	}
	return &Reconciler{
		store:   store,
		factory: factory,
		cfg:     cfg,
		logger:  logger.WithField("component", "reconciler"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Start registers the cron schedule and begins sweeping.
func (r *Reconciler) Start(ctx context.Context) error {
	r.baseCtx = ctx
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.Schedule, r.sweep); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron.Start()
	r.logger.Info("Reconciler started", "schedule", r.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Reconciler) sweep() {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.SweepTimeout)
	defer cancel()
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("Reconcile sweep failed", "error", err)
	}
}

// RunOnce reconciles every recently active bot.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	bots, err := r.store.ListBotsByStatus(ctx,
		core.BotStatusRunning, core.BotStatusPaused, core.BotStatusStopping)
	if err != nil {
		return fmt.Errorf("list active bots: %w", err)
	}

	var firstErr error
	for _, bot := range bots {
		if err := r.ReconcileBot(ctx, bot); err != nil {
			r.logger.Error("Bot reconcile failed", "bot_id", bot.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ReconcileBot fetches recent venue trades for one bot and inserts any
// execution the local trades table is missing.
func (r *Reconciler) ReconcileBot(ctx context.Context, bot *core.Bot) error {
	adapter, err := r.factory.Adapter(bot.Exchange, []string{bot.Symbol})
	if err != nil {
		return fmt.Errorf("build adapter: %w", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", bot.Exchange, err)
	}
	defer adapter.Close()

	since := r.now().Add(-r.cfg.Lookback)
	remote, err := adapter.FetchMyTrades(ctx, bot.Symbol, since, r.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch trades: %w", err)
	}

	missing, err := r.findMissing(ctx, bot, remote)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	if err := r.backfill(ctx, bot, missing); err != nil {
		return err
	}

	total, err := r.store.SumRealizedPnL(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("sum realized pnl: %w", err)
	}
	if err := r.store.UpdateBotPnL(ctx, bot.ID, total, decimal.Zero); err != nil {
		return fmt.Errorf("update bot pnl: %w", err)
	}
	r.logger.Info("Backfilled missed executions",
		"bot_id", bot.ID, "count", len(missing), "realized_pnl", total)
	return nil
}

// pending pairs a remote trade with the local order it resolved to, if any.
type pending struct {
	remote  core.RemoteTrade
	orderID string
}

// findMissing filters remote trades down to the ones absent locally. A trade
// is known when its exchange trade id is recorded, or when a trade with the
// same order, price and quantity already exists for the resolved local order.
func (r *Reconciler) findMissing(ctx context.Context, bot *core.Bot, remote []core.RemoteTrade) ([]pending, error) {
	var missing []pending
	for _, rt := range remote {
		known, err := r.store.FindTradeByExchangeID(ctx, bot.CredentialID, rt.ID)
		if err != nil {
			return nil, fmt.Errorf("lookup trade %s: %w", rt.ID, err)
		}
		if known != nil {
			continue
		}

		orderID := ""
		ord, err := r.store.FindOrderByExchangeID(ctx, bot.ID, rt.OrderID)
		if err != nil {
			return nil, fmt.Errorf("lookup order %s: %w", rt.OrderID, err)
		}
		if ord != nil {
			orderID = ord.ID
			byFill, err := r.store.FindTradeByOrderFill(ctx, ord.ID, rt.Price, rt.Quantity)
			if err != nil {
				return nil, fmt.Errorf("lookup fill for order %s: %w", ord.ID, err)
			}
			if byFill != nil {
				// Recorded by the fill handler before the stream delivered
				// the exchange trade id. Leave the row as is.
				continue
			}
		}
		missing = append(missing, pending{remote: rt, orderID: orderID})
	}
	return missing, nil
}

// backfill inserts the missing trades with FIFO-derived realized P&L. The
// full local history plus the new trades is replayed in timestamp order so
// cost basis reflects every known execution.
func (r *Reconciler) backfill(ctx context.Context, bot *core.Bot, missing []pending) error {
	history, err := r.store.ListTrades(ctx, bot.ID, time.Time{})
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}

	newTrades := make([]*core.Trade, 0, len(missing))
	for _, p := range missing {
		rt := p.remote
		newTrades = append(newTrades, &core.Trade{
			ID:              uuid.NewString(),
			BotID:           bot.ID,
			OrderID:         p.orderID,
			ExchangeTradeID: rt.ID,
			Symbol:          bot.Symbol,
			Side:            rt.Side,
			Price:           rt.Price,
			Quantity:        rt.Quantity,
			Fee:             rt.Fee,
			FeeCurrency:     rt.FeeAsset,
			Timestamp:       rt.Timestamp,
		})
	}

	all := make([]*core.Trade, 0, len(history)+len(newTrades))
	all = append(all, history...)
	all = append(all, newTrades...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	base, quote := splitSymbol(bot.Symbol)
	realized := replayFIFO(all, base, quote)

	for _, t := range newTrades {
		if t.Side == core.SideSell {
			pnl := realized[t.ID]
			t.RealizedPnL = &pnl
		}
		if err := r.store.InsertTrade(ctx, t); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ExchangeTradeID, err)
		}
	}
	return nil
}

// lot is one FIFO inventory slice with a fee-adjusted cost basis.
type lot struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// replayFIFO walks trades in order, maintains a FIFO lot queue and returns
// realized P&L keyed by trade id for every sell. Buy fees raise the lot's
// effective price; base-asset fees are converted at the trade price; fees in
// any other asset are ignored.
func replayFIFO(trades []*core.Trade, baseAsset, quoteAsset string) map[string]decimal.Decimal {
	realized := make(map[string]decimal.Decimal)
	var lots []lot

	for _, t := range trades {
		feeQuote := feeInQuote(t, baseAsset, quoteAsset)

		if t.Side == core.SideBuy {
			price := t.Price
			if t.Quantity.IsPositive() && feeQuote.IsPositive() {
				price = price.Add(feeQuote.Div(t.Quantity))
			}
			lots = append(lots, lot{price: price, qty: t.Quantity})
			continue
		}

		remaining := t.Quantity
		pnl := decimal.Zero
		for remaining.IsPositive() && len(lots) > 0 {
			consumed := decimal.Min(remaining, lots[0].qty)
			pnl = pnl.Add(t.Price.Sub(lots[0].price).Mul(consumed))
			lots[0].qty = lots[0].qty.Sub(consumed)
			remaining = remaining.Sub(consumed)
			if lots[0].qty.IsZero() {
				lots = lots[1:]
			}
		}
		// Quantity beyond tracked inventory realizes at full sale value.
		if remaining.IsPositive() {
			pnl = pnl.Add(t.Price.Mul(remaining))
		}
		realized[t.ID] = pnl.Sub(feeQuote)
	}
	return realized
}

// feeInQuote converts a trade's fee to the quote asset where possible.
func feeInQuote(t *core.Trade, baseAsset, quoteAsset string) decimal.Decimal {
	switch t.FeeCurrency {
	case quoteAsset:
		return t.Fee
	case baseAsset:
		return t.Fee.Mul(t.Price)
	default:
		return decimal.Zero
	}
}

func splitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}
