// Package indicator computes the fixed technical-indicator pipeline a
// trading session re-runs over its main candle buffer every resample
// boundary: ADX with an EMA overlay, Williams %R, a SuperTrend band, and
// MACD with its signal line.
//
// Everything here is a pure batch transform over an ordered candle slice.
// Warm-up is represented as NaN and rows containing any NaN are dropped
// only after all indicators are computed, matching a dataframe dropna.
package indicator

import (
	"errors"
	"math"
	"time"

	"optiontrader/internal/model"
)

// Default windows for the pipeline.
const (
	ADXWindow        = 14
	ADXEMASpan       = 21
	WillRLookback    = 14
	SuperTrendPeriod = 7
	SuperTrendMult   = 3.0
	MACDFast         = 12
	MACDSlow         = 26
	MACDSignalSpan   = 9
)

// ErrInsufficientData is returned when fewer than two rows survive
// warm-up dropping and the trailing-window filter.
var ErrInsufficientData = errors.New("indicator: insufficient data after warm-up")

// Row is one fully-computed indicator sample, keyed by candle timestamp.
type Row struct {
	TS         time.Time
	Close      float64
	ADX        float64
	ADXEMA     float64
	WillR      float64
	SuperTrend float64
	MACD       float64
	MACDSignal float64
}

// nan is the warm-up placeholder.
var nan = math.NaN()

// ewmMean is an exponentially weighted mean with adjust=false semantics:
// the first observation seeds the mean and later values blend in with
// alpha = 2/(span+1). Leading NaNs are skipped; output stays NaN until
// minPeriods observations have been seen (minPeriods 0 behaves as 1).
func ewmMean(vals []float64, span, minPeriods int) []float64 {
	if minPeriods < 1 {
		minPeriods = 1
	}
	alpha := 2.0 / float64(span+1)
	out := make([]float64, len(vals))
	cur := nan
	seen := 0
	for i, v := range vals {
		if math.IsNaN(v) {
			out[i] = nan
			continue
		}
		if seen == 0 {
			cur = v
		} else {
			cur = v*alpha + cur*(1-alpha)
		}
		seen++
		if seen < minPeriods {
			out[i] = nan
		} else {
			out[i] = cur
		}
	}
	return out
}

// trueRange returns the TR series; index 0 uses high-low since there is
// no previous close.
func trueRange(cs []model.Candle) []float64 {
	tr := make([]float64, len(cs))
	for i, c := range cs {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := cs[i-1].Close
		tr[i] = math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return tr
}

// wilderSmooth applies Wilder's smoothing to vals: the value at index
// period-1 seeds with the simple average of the first period entries,
// later entries use (prev*(period-1)+v)/period. NaN before the seed.
func wilderSmooth(vals []float64, period int) []float64 {
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = nan
	}
	if len(vals) < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += vals[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < len(vals); i++ {
		out[i] = (out[i-1]*float64(period-1) + vals[i]) / float64(period)
	}
	return out
}
