package strategy

import (
	"botcore/internal/core"

	"github.com/shopspring/decimal"
)

// ATR computes the Average True Range over the candles with Wilder smoothing.
// Needs at least period+1 candles; returns zero otherwise.
func ATR(candles []core.Candle, period int) decimal.Decimal {
	if period <= 0 || len(candles) <= period {
		return decimal.Zero
	}

	trs := make([]decimal.Decimal, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1].Close))
	}

	// Seed with the simple average of the first period true ranges, then
	// smooth: atr = (prev*(period-1) + tr) / period.
	p := decimal.NewFromInt(int64(period))
	atr := decimal.Zero
	for _, tr := range trs[:period] {
		atr = atr.Add(tr)
	}
	atr = atr.Div(p)
	for _, tr := range trs[period:] {
		atr = atr.Mul(p.Sub(decimal.NewFromInt(1))).Add(tr).Div(p)
	}
	return atr
}

func trueRange(c core.Candle, prevClose decimal.Decimal) decimal.Decimal {
	tr := c.High.Sub(c.Low)
	if d := c.High.Sub(prevClose).Abs(); d.GreaterThan(tr) {
		tr = d
	}
	if d := c.Low.Sub(prevClose).Abs(); d.GreaterThan(tr) {
		tr = d
	}
	return tr
}
