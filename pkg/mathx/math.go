// Package mathx provides decimal helpers for order sizing and pricing.
package mathx

import (
	"github.com/shopspring/decimal"
)

// FloorToStep rounds qty DOWN to the nearest multiple of step. A zero step
// returns qty unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	steps := qty.Div(step).Floor()
	return steps.Mul(step)
}

// RoundToTick rounds price to the nearest multiple of tick. A zero tick
// returns price unchanged.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	ticks := price.Div(tick).Round(0)
	return ticks.Mul(tick)
}

// Notional returns price * qty.
func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}

// PercentChange returns (to-from)/from*100, or zero when from is zero.
func PercentChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(decimal.NewFromInt(100))
}

// AbsDeviationPercent returns |a-b|/b*100. A zero reference b is treated as
// full (100%) deviation.
func AbsDeviationPercent(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.NewFromInt(100)
	}
	return a.Sub(b).Abs().Div(b).Mul(decimal.NewFromInt(100))
}
