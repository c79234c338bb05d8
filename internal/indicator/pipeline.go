package indicator

import (
	"math"
	"time"

	"optiontrader/internal/model"
)

// Compute runs the full pipeline over an ordered candle slice and returns
// one Row per candle that survives warm-up: rows containing any NaN are
// dropped after all indicators are computed, then rows older than cutoff
// are discarded (the session passes now minus 25 days). Returns
// ErrInsufficientData when fewer than two rows remain.
//
// Deterministic: identical input always yields identical rows.
func Compute(cs []model.Candle, cutoff time.Time) ([]Row, error) {
	adx := ADX(cs, ADXWindow)
	adxEMA := ewmMean(adx, ADXEMASpan, 1)
	willr := WilliamsR(cs, WillRLookback)
	st := SuperTrend(cs, SuperTrendPeriod, SuperTrendMult)
	macd, signal := MACD(cs, MACDFast, MACDSlow, MACDSignalSpan)

	rows := make([]Row, 0, len(cs))
	for i, c := range cs {
		r := Row{
			TS:         c.TS,
			Close:      c.Close,
			ADX:        adx[i],
			ADXEMA:     adxEMA[i],
			WillR:      willr[i],
			SuperTrend: st[i],
			MACD:       macd[i],
			MACDSignal: signal[i],
		}
		if hasNaN(r) {
			continue
		}
		if r.TS.Before(cutoff) {
			continue
		}
		rows = append(rows, r)
	}
	if len(rows) < 2 {
		return nil, ErrInsufficientData
	}
	return rows, nil
}

func hasNaN(r Row) bool {
	return math.IsNaN(r.ADX) || math.IsNaN(r.ADXEMA) || math.IsNaN(r.WillR) ||
		math.IsNaN(r.SuperTrend) || math.IsNaN(r.MACD) || math.IsNaN(r.MACDSignal)
}
