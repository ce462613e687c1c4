package strategy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"botcore/internal/core"
	"botcore/pkg/mathx"

	"github.com/shopspring/decimal"
)

// RecenterPolicy controls what blocks a dynamic regrid while positions are open.
type RecenterPolicy string

const (
	RecenterBlockAny          RecenterPolicy = "block_any"
	RecenterBlockOutsideRange RecenterPolicy = "block_outside_range"
)

// DynamicRangeConfig enables ATR-based regridding.
type DynamicRangeConfig struct {
	Enabled                bool            `json:"enabled"`
	Timeframe              string          `json:"timeframe"`
	ATRPeriod              int             `json:"atr_period"`
	ATRMultiplier          decimal.Decimal `json:"atr_multiplier"`
	RecenterMinutes        int             `json:"recenter_minutes"`
	CooldownMinutes        int             `json:"cooldown_minutes"`
	Policy                 RecenterPolicy  `json:"policy"`
	UnrealizedPnLThreshold decimal.Decimal `json:"unrealized_pnl_threshold"`
	RecenterMaxWaitMinutes int             `json:"recenter_max_wait_minutes"`
}

// GridConfig is the user-supplied grid strategy configuration.
type GridConfig struct {
	LowerPrice   decimal.Decimal    `json:"lower_price"`
	UpperPrice   decimal.Decimal    `json:"upper_price"`
	GridCount    int                `json:"grid_count"`
	DynamicRange DynamicRangeConfig `json:"dynamic_range"`
}

func (c *GridConfig) validate() error {
	if c.GridCount < 2 {
		return fmt.Errorf("grid_count must be >= 2, got %d", c.GridCount)
	}
	if !c.LowerPrice.IsPositive() {
		return fmt.Errorf("lower_price must be positive")
	}
	if !c.UpperPrice.GreaterThan(c.LowerPrice) {
		return fmt.Errorf("upper_price %s must exceed lower_price %s", c.UpperPrice, c.LowerPrice)
	}
	if c.DynamicRange.Enabled {
		if c.DynamicRange.ATRPeriod <= 0 {
			return fmt.Errorf("atr_period must be positive")
		}
		if !c.DynamicRange.ATRMultiplier.IsPositive() {
			return fmt.Errorf("atr_multiplier must be positive")
		}
	}
	return nil
}

// gridPosition is the holding at one level.
type gridPosition struct {
	Qty         decimal.Decimal `json:"qty"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price"`
}

// Grid places limit buys below price and limit sells above, one slot per
// level, recycling capital as pairs complete.
//
// The tick loop and the user-stream fill path call into a Grid from
// different goroutines; mu guards all mutable state.
type Grid struct {
	cfg        GridConfig
	investment decimal.Decimal

	mu           sync.Mutex
	lower        decimal.Decimal
	upper        decimal.Decimal
	levels       []decimal.Decimal
	amountPer    decimal.Decimal
	positions    map[int]*gridPosition
	lastRecenter time.Time
	blockedSince time.Time

	now func() time.Time
}

// NewGrid builds a grid from validated config.
func NewGrid(cfg GridConfig, investment decimal.Decimal) (*Grid, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !investment.IsPositive() {
		return nil, fmt.Errorf("investment must be positive")
	}
	g := &Grid{
		cfg:        cfg,
		investment: investment,
		positions:  make(map[int]*gridPosition),
		now:        time.Now,
	}
	g.applyBounds(cfg.LowerPrice, cfg.UpperPrice)
	g.lastRecenter = time.Time{}
	return g, nil
}

// applyBounds recomputes the level ladder. Per-level positions survive a
// regrid: quantities stay, level prices shift.
func (g *Grid) applyBounds(lower, upper decimal.Decimal) {
	spacing := upper.Sub(lower).Div(decimal.NewFromInt(int64(g.cfg.GridCount)))
	levels := make([]decimal.Decimal, 0, g.cfg.GridCount+1)
	for i := 0; i <= g.cfg.GridCount; i++ {
		levels = append(levels, lower.Add(spacing.Mul(decimal.NewFromInt(int64(i)))))
	}
	g.lower = lower
	g.upper = upper
	g.levels = levels
	g.amountPer = g.investment.Div(decimal.NewFromInt(int64(g.cfg.GridCount)))
}

// CalculateOrders emits one buy per empty level below price and one sell per
// held level above price. Levels at exactly the current price are skipped.
func (g *Grid) CalculateOrders(currentPrice decimal.Decimal, openOrders []*core.ManagedOrder) []core.OrderRequest {
	if !currentPrice.IsPositive() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	activeBuy := make(map[int]bool)
	activeSell := make(map[int]bool)
	for _, o := range openOrders {
		if o.GridLevel == nil || o.State.IsTerminal() {
			continue
		}
		if o.Side == core.SideBuy {
			activeBuy[*o.GridLevel] = true
		} else {
			activeSell[*o.GridLevel] = true
		}
	}

	var out []core.OrderRequest
	for i, levelPrice := range g.levels {
		if levelPrice.Equal(currentPrice) {
			continue
		}
		pos := g.positions[i]
		held := pos != nil && pos.Qty.IsPositive()

		if levelPrice.LessThan(currentPrice) && !held && !activeBuy[i] {
			level := i
			out = append(out, core.OrderRequest{
				Side:      core.SideBuy,
				Type:      core.OrderTypeLimit,
				Quantity:  g.amountPer.Div(levelPrice),
				Price:     levelPrice,
				GridLevel: &level,
			})
		}

		if levelPrice.GreaterThan(currentPrice) && held && !activeSell[i] {
			level := i
			out = append(out, core.OrderRequest{
				Side:      core.SideSell,
				Type:      core.OrderTypeLimit,
				Quantity:  pos.Qty,
				Price:     levelPrice,
				GridLevel: &level,
			})
		}
	}
	return out
}

// OnOrderFilled books the fill at the order's level. Buys open the level
// position and return zero; sells close it and return the pair P&L.
func (g *Grid) OnOrderFilled(order *core.ManagedOrder, fillPrice decimal.Decimal) decimal.Decimal {
	if order.GridLevel == nil {
		return decimal.Zero
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	level := *order.GridLevel
	filled := order.FilledQuantity
	if filled.IsZero() {
		filled = order.Quantity
	}

	if order.Side == core.SideBuy {
		pos := g.positions[level]
		if pos == nil {
			pos = &gridPosition{}
			g.positions[level] = pos
		}
		pos.Qty = pos.Qty.Add(filled)
		pos.AvgBuyPrice = fillPrice
		return decimal.Zero
	}

	pos := g.positions[level]
	if pos == nil || !pos.Qty.IsPositive() {
		return decimal.Zero
	}
	pnl := fillPrice.Sub(pos.AvgBuyPrice).Mul(filled)
	delete(g.positions, level)
	return pnl
}

// ShouldStop trips when price breaks 5% beyond either bound.
func (g *Grid) ShouldStop(currentPrice decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return currentPrice.LessThan(g.lower.Mul(decimal.NewFromFloat(0.95))) ||
		currentPrice.GreaterThan(g.upper.Mul(decimal.NewFromFloat(1.05)))
}

// DynamicRange reports the candle requirements when regridding is enabled.
func (g *Grid) DynamicRange() (timeframe string, period int, enabled bool) {
	dr := g.cfg.DynamicRange
	return dr.Timeframe, dr.ATRPeriod, dr.Enabled
}

// MaybeRecenter evaluates the regrid triggers and gates and shifts the ladder
// around the current price when all pass. Returns whether a regrid happened.
func (g *Grid) MaybeRecenter(now time.Time, currentPrice decimal.Decimal, candles []core.Candle) bool {
	dr := g.cfg.DynamicRange
	if !dr.Enabled || !currentPrice.IsPositive() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if dr.CooldownMinutes > 0 && !g.lastRecenter.IsZero() &&
		now.Sub(g.lastRecenter) < time.Duration(dr.CooldownMinutes)*time.Minute {
		return false
	}

	outOfRange := currentPrice.LessThan(g.lower) || currentPrice.GreaterThan(g.upper)
	periodic := dr.RecenterMinutes > 0 &&
		(g.lastRecenter.IsZero() || now.Sub(g.lastRecenter) >= time.Duration(dr.RecenterMinutes)*time.Minute)
	if !outOfRange && !periodic {
		g.blockedSince = time.Time{}
		return false
	}

	atr := ATR(candles, dr.ATRPeriod)
	if !atr.IsPositive() {
		return false
	}
	halfRange := atr.Mul(dr.ATRMultiplier)
	newLower := currentPrice.Sub(halfRange)
	newUpper := currentPrice.Add(halfRange)
	if !newLower.IsPositive() {
		newLower = currentPrice.Div(decimal.NewFromInt(2))
	}

	if !g.recenterAllowed(now, currentPrice, newLower, newUpper) {
		return false
	}

	g.applyBounds(newLower, newUpper)
	g.lastRecenter = now
	g.blockedSince = time.Time{}
	return true
}

// recenterAllowed applies the position gate, with unrealized P&L and max-wait
// overrides.
func (g *Grid) recenterAllowed(now time.Time, currentPrice, newLower, newUpper decimal.Decimal) bool {
	blocked := false
	switch g.cfg.DynamicRange.Policy {
	case RecenterBlockOutsideRange:
		for i := range g.positions {
			if i >= len(g.levels) {
				continue
			}
			lp := g.levels[i]
			if lp.LessThan(newLower) || lp.GreaterThan(newUpper) {
				blocked = true
				break
			}
		}
	default: // block_any
		blocked = len(g.positions) > 0
	}
	if !blocked {
		return true
	}

	if g.blockedSince.IsZero() {
		g.blockedSince = now
	}

	dr := g.cfg.DynamicRange
	if !dr.UnrealizedPnLThreshold.IsZero() &&
		g.unrealizedPnL(currentPrice).GreaterThanOrEqual(dr.UnrealizedPnLThreshold) {
		return true
	}
	if dr.RecenterMaxWaitMinutes > 0 &&
		now.Sub(g.blockedSince) >= time.Duration(dr.RecenterMaxWaitMinutes)*time.Minute {
		return true
	}
	return false
}

func (g *Grid) unrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range g.positions {
		total = total.Add(currentPrice.Sub(pos.AvgBuyPrice).Mul(pos.Qty))
	}
	return total
}

// Deviation reports the percentage distance of price from the grid midpoint.
func (g *Grid) Deviation(currentPrice decimal.Decimal) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	mid := g.lower.Add(g.upper).Div(decimal.NewFromInt(2))
	return mathx.AbsDeviationPercent(currentPrice, mid)
}

type gridState struct {
	Lower        decimal.Decimal       `json:"lower"`
	Upper        decimal.Decimal       `json:"upper"`
	Positions    map[int]*gridPosition `json:"positions"`
	LastRecenter time.Time             `json:"last_recenter"`
	BlockedSince time.Time             `json:"blocked_since"`
}

// Snapshot serializes bounds and per-level positions.
func (g *Grid) Snapshot() (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return json.Marshal(gridState{
		Lower:        g.lower,
		Upper:        g.upper,
		Positions:    g.positions,
		LastRecenter: g.lastRecenter,
		BlockedSince: g.blockedSince,
	})
}

// Restore rebuilds bounds and positions from a snapshot.
func (g *Grid) Restore(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	var s gridState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to restore grid state: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.Upper.GreaterThan(s.Lower) && s.Lower.IsPositive() {
		g.applyBounds(s.Lower, s.Upper)
	}
	if s.Positions != nil {
		g.positions = s.Positions
	}
	g.lastRecenter = s.LastRecenter
	g.blockedSince = s.BlockedSince
	return nil
}
