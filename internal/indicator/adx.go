package indicator

import (
	"math"

	"optiontrader/internal/model"
)

// ADX computes Wilder's Average Directional Index (trend strength,
// 0–100). The smoothed TR/+DM/-DM seed at candle index window, and the
// ADX itself seeds at candle index 2*window-1 as the average of the
// first window DX values. NaN during warm-up.
func ADX(cs []model.Candle, window int) []float64 {
	n := len(cs)
	out := make([]float64, n)
	for i := range out {
		out[i] = nan
	}
	if n < 2*window {
		return out
	}

	tr := trueRange(cs)
	pdm := make([]float64, n)
	mdm := make([]float64, n)
	for i := 1; i < n; i++ {
		up := cs[i].High - cs[i-1].High
		down := cs[i-1].Low - cs[i].Low
		if up > down && up > 0 {
			pdm[i] = up
		}
		if down > up && down > 0 {
			mdm[i] = down
		}
	}

	// Directional movement starts at index 1; smooth the series from
	// there so the seeds cover exactly `window` samples.
	str := wilderSmooth(tr[1:], window)
	spdm := wilderSmooth(pdm[1:], window)
	smdm := wilderSmooth(mdm[1:], window)

	dx := make([]float64, len(str))
	for i := range dx {
		dx[i] = nan
		if math.IsNaN(str[i]) || str[i] == 0 {
			continue
		}
		pdi := 100 * spdm[i] / str[i]
		mdi := 100 * smdm[i] / str[i]
		if pdi+mdi == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}

	// ADX seeds as the average of the first `window` DX values, then
	// Wilder smoothing takes over.
	adx := wilderSmooth(dx[window-1:], window)
	for i, v := range adx {
		// shift back: dx index window-1 is candle index window, so the
		// seeded ADX lands at candle index 2*window-1.
		out[i+window] = v
	}
	return out
}
