// Package strategy implements the grid and DCA decision engines behind the
// shared Strategy contract.
package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"botcore/internal/core"

	"github.com/shopspring/decimal"
)

// Regridder is implemented by strategies that support ATR-based regridding.
// The engine feeds candles only when DynamicRange reports enabled.
type Regridder interface {
	DynamicRange() (timeframe string, period int, enabled bool)
	MaybeRecenter(now time.Time, currentPrice decimal.Decimal, candles []core.Candle) bool
}

// New builds the strategy for a bot from its kind and JSON config.
func New(kind core.StrategyKind, config json.RawMessage, investment decimal.Decimal) (core.Strategy, error) {
	switch kind {
	case core.StrategyGrid:
		var cfg GridConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid grid config: %w", err)
		}
		return NewGrid(cfg, investment)
	case core.StrategyDCA:
		var cfg DCAConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid dca config: %w", err)
		}
		return NewDCA(cfg, investment)
	}
	return nil, fmt.Errorf("unknown strategy kind %q", kind)
}
