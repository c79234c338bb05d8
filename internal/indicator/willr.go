package indicator

import "optiontrader/internal/model"

// WilliamsR computes Williams %R over the given lookback: the close's
// position within the lookback high/low range, scaled to [-100, 0].
// NaN before index lookback-1.
func WilliamsR(cs []model.Candle, lookback int) []float64 {
	out := make([]float64, len(cs))
	for i := range cs {
		if i < lookback-1 {
			out[i] = nan
			continue
		}
		hh := cs[i].High
		ll := cs[i].Low
		for j := i - lookback + 1; j <= i; j++ {
			if cs[j].High > hh {
				hh = cs[j].High
			}
			if cs[j].Low < ll {
				ll = cs[j].Low
			}
		}
		if hh == ll {
			out[i] = 0
			continue
		}
		out[i] = (hh - cs[i].Close) / (hh - ll) * -100
	}
	return out
}
