package strategy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"botcore/internal/core"

	"github.com/shopspring/decimal"
)

// Interval is the DCA buy cadence.
type Interval string

const (
	IntervalHourly Interval = "hourly"
	IntervalDaily  Interval = "daily"
	IntervalWeekly Interval = "weekly"
)

func (i Interval) duration() time.Duration {
	switch i {
	case IntervalHourly:
		return time.Hour
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// DCAConfig is the user-supplied DCA strategy configuration.
type DCAConfig struct {
	AmountPerBuy       decimal.Decimal `json:"amount_per_buy"`
	Interval           Interval        `json:"interval,omitempty"`
	TriggerDropPercent decimal.Decimal `json:"trigger_drop_percent,omitempty"`
	TakeProfitPercent  decimal.Decimal `json:"take_profit_percent,omitempty"`
}

func (c *DCAConfig) validate(investment decimal.Decimal) error {
	if !c.AmountPerBuy.IsPositive() {
		return fmt.Errorf("amount_per_buy must be positive")
	}
	if c.AmountPerBuy.GreaterThan(investment) {
		return fmt.Errorf("amount_per_buy %s exceeds investment %s", c.AmountPerBuy, investment)
	}
	if c.Interval == "" && c.TriggerDropPercent.IsZero() {
		return fmt.Errorf("at least one of interval or trigger_drop_percent is required")
	}
	if c.Interval != "" && c.Interval.duration() == 0 {
		return fmt.Errorf("unknown interval %q", c.Interval)
	}
	if c.TriggerDropPercent.IsNegative() || c.TriggerDropPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("trigger_drop_percent must be in (0, 100]")
	}
	if c.TakeProfitPercent.IsNegative() {
		return fmt.Errorf("take_profit_percent must be positive when set")
	}
	return nil
}

// DCA accumulates on a schedule or on dips and optionally exits the whole
// position at a take-profit level. At most one order per tick.
//
// Fills arrive on the user-stream goroutine while the tick loop reads the
// running position; mu guards all mutable state.
type DCA struct {
	cfg        DCAConfig
	investment decimal.Decimal

	mu            sync.Mutex
	totalSpent    decimal.Decimal
	totalQuantity decimal.Decimal
	lastBuyTime   time.Time
	highestPrice  decimal.Decimal

	now func() time.Time
}

// NewDCA builds a DCA strategy from validated config.
func NewDCA(cfg DCAConfig, investment decimal.Decimal) (*DCA, error) {
	if !investment.IsPositive() {
		return nil, fmt.Errorf("investment must be positive")
	}
	if err := cfg.validate(investment); err != nil {
		return nil, err
	}
	return &DCA{cfg: cfg, investment: investment, now: time.Now}, nil
}

func (d *DCA) remainingBudget() decimal.Decimal {
	return d.investment.Sub(d.totalSpent)
}

func (d *DCA) averageEntry() decimal.Decimal {
	if d.totalQuantity.IsZero() {
		return decimal.Zero
	}
	return d.totalSpent.Div(d.totalQuantity)
}

// CalculateOrders applies the priority rules: budget guard, take-profit exit,
// interval buy, drop-trigger buy. The running high watermark updates last so a
// dip measured this tick uses the previous high.
func (d *DCA) CalculateOrders(currentPrice decimal.Decimal, _ []*core.ManagedOrder) []core.OrderRequest {
	if !currentPrice.IsPositive() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if currentPrice.GreaterThan(d.highestPrice) {
			d.highestPrice = currentPrice
		}
	}()

	hasPosition := d.totalQuantity.IsPositive()

	if d.remainingBudget().LessThan(d.cfg.AmountPerBuy) && !hasPosition {
		return nil
	}

	if hasPosition && d.cfg.TakeProfitPercent.IsPositive() {
		target := d.averageEntry().Mul(
			decimal.NewFromInt(1).Add(d.cfg.TakeProfitPercent.Div(decimal.NewFromInt(100))))
		if currentPrice.GreaterThanOrEqual(target) {
			return []core.OrderRequest{{
				Side:     core.SideSell,
				Type:     core.OrderTypeMarket,
				Quantity: d.totalQuantity,
			}}
		}
	}

	if d.remainingBudget().LessThan(d.cfg.AmountPerBuy) {
		return nil
	}

	buy := core.OrderRequest{
		Side:     core.SideBuy,
		Type:     core.OrderTypeMarket,
		Quantity: d.cfg.AmountPerBuy.Div(currentPrice),
	}

	if d.cfg.Interval != "" {
		if d.lastBuyTime.IsZero() || d.now().Sub(d.lastBuyTime) >= d.cfg.Interval.duration() {
			return []core.OrderRequest{buy}
		}
	}

	if d.cfg.TriggerDropPercent.IsPositive() && d.highestPrice.IsPositive() {
		drop := d.highestPrice.Sub(currentPrice).Div(d.highestPrice).Mul(decimal.NewFromInt(100))
		if drop.GreaterThanOrEqual(d.cfg.TriggerDropPercent) {
			return []core.OrderRequest{buy}
		}
	}

	return nil
}

// OnOrderFilled books the fill into the running position. Sells realize
// against the average entry and reset the position.
func (d *DCA) OnOrderFilled(order *core.ManagedOrder, fillPrice decimal.Decimal) decimal.Decimal {
	qty := order.FilledQuantity
	if qty.IsZero() {
		qty = order.Quantity
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if order.Side == core.SideBuy {
		d.totalSpent = d.totalSpent.Add(fillPrice.Mul(qty))
		d.totalQuantity = d.totalQuantity.Add(qty)
		d.lastBuyTime = d.now()
		d.highestPrice = fillPrice
		return decimal.Zero
	}

	pnl := fillPrice.Mul(qty).Sub(d.averageEntry().Mul(qty))
	d.totalSpent = decimal.Zero
	d.totalQuantity = decimal.Zero
	d.highestPrice = decimal.Zero
	return pnl
}

// ShouldStop reports budget exhaustion with nothing left to sell.
func (d *DCA) ShouldStop(_ decimal.Decimal) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remainingBudget().LessThan(d.cfg.AmountPerBuy) && !d.totalQuantity.IsPositive()
}

type dcaState struct {
	TotalSpent    decimal.Decimal `json:"total_spent"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	LastBuyTime   time.Time       `json:"last_buy_time"`
	HighestPrice  decimal.Decimal `json:"highest_price"`
}

// Snapshot serializes the running position.
func (d *DCA) Snapshot() (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(dcaState{
		TotalSpent:    d.totalSpent,
		TotalQuantity: d.totalQuantity,
		LastBuyTime:   d.lastBuyTime,
		HighestPrice:  d.highestPrice,
	})
}

// Restore rebuilds the running position from a snapshot.
func (d *DCA) Restore(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	var s dcaState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to restore dca state: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalSpent = s.TotalSpent
	d.totalQuantity = s.TotalQuantity
	d.lastBuyTime = s.LastBuyTime
	d.highestPrice = s.HighestPrice
	return nil
}
