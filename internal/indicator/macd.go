package indicator

import "optiontrader/internal/model"

// MACD computes the convergence/divergence line (fast EMA minus slow EMA)
// and its signal line. Both EMAs use adjust=false seeding; the MACD line
// is NaN until the slow window has filled and the signal line needs a
// further signalSpan observations on top of that.
func MACD(cs []model.Candle, fast, slow, signalSpan int) (macd, signal []float64) {
	closes := make([]float64, len(cs))
	for i, c := range cs {
		closes[i] = c.Close
	}
	emaFast := ewmMean(closes, fast, fast)
	emaSlow := ewmMean(closes, slow, slow)

	macd = make([]float64, len(cs))
	for i := range macd {
		macd[i] = emaFast[i] - emaSlow[i] // NaN propagates through warm-up
	}
	signal = ewmMean(macd, signalSpan, signalSpan)
	return macd, signal
}
