package indicator

import (
	"math"

	"optiontrader/internal/model"
)

// ATR computes Wilder's Average True Range over the given period.
// NaN before index period-1.
func ATR(cs []model.Candle, period int) []float64 {
	return wilderSmooth(trueRange(cs), period)
}

// SuperTrend computes the ratcheting trend-following band.
//
// The raw bands are hl2 ± multiplier*ATR. State (bullish/bearish) carries
// forward candle to candle: a close above the previous final upper band
// flips bullish, a close below the previous final lower band flips
// bearish, otherwise the state holds and the active band ratchets — the
// lower band never drops while bullish, the upper band never rises while
// bearish. The reported value is the final lower band while bullish and
// the final upper band while bearish, producing a sticking
// support/resistance line rather than the raw volatility band.
func SuperTrend(cs []model.Candle, period int, multiplier float64) []float64 {
	n := len(cs)
	atr := ATR(cs, period)

	upper := make([]float64, n)
	lower := make([]float64, n)
	for i, c := range cs {
		hl2 := (c.High + c.Low) / 2
		upper[i] = hl2 + multiplier*atr[i]
		lower[i] = hl2 - multiplier*atr[i]
	}

	bullish := make([]bool, n)
	if n > 0 {
		bullish[0] = true
	}
	for i := 1; i < n; i++ {
		close_ := cs[i].Close
		switch {
		case close_ > upper[i-1]:
			bullish[i] = true
		case close_ < lower[i-1]:
			bullish[i] = false
		default:
			// NaN band comparisons land here too, carrying state
			// through warm-up.
			bullish[i] = bullish[i-1]
			if bullish[i] && lower[i] < lower[i-1] {
				lower[i] = lower[i-1]
			}
			if !bullish[i] && upper[i] > upper[i-1] {
				upper[i] = upper[i-1]
			}
		}
	}

	out := make([]float64, n)
	for i := range out {
		if bullish[i] {
			out[i] = lower[i]
		} else {
			out[i] = upper[i]
		}
		if math.IsNaN(atr[i]) {
			out[i] = nan
		}
	}
	return out
}
