package strategy

import (
	"testing"

	"botcore/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestATRNotEnoughCandles(t *testing.T) {
	candles := regridCandles(5, "100")
	assert.True(t, ATR(candles, 14).IsZero())
	assert.True(t, ATR(nil, 14).IsZero())
	assert.True(t, ATR(candles, 0).IsZero())
}

func TestATRConstantRange(t *testing.T) {
	// Identical candles: TR is the high-low spread on every bar, so both the
	// SMA seed and Wilder smoothing hold it constant.
	candles := regridCandles(30, "250")
	atr := ATR(candles, 14)
	assert.True(t, atr.Equal(dec("500")), "got %s", atr)
}

func TestATRUsesGapFromPreviousClose(t *testing.T) {
	// A gap above the previous close dominates the bar's own range.
	candles := []core.Candle{
		{High: dec("105"), Low: dec("95"), Close: dec("100")},
		{High: dec("131"), Low: dec("129"), Close: dec("130")},
		{High: dec("131"), Low: dec("129"), Close: dec("130")},
	}
	atr := ATR(candles, 2)
	// TR1 = max(2, |131-100|, |129-100|) = 31, TR2 = 2, seed = 16.5.
	assert.True(t, atr.Equal(dec("16.5")), "got %s", atr)
}
