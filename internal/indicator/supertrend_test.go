package indicator

import (
	"math"
	"testing"
)

func TestSuperTrend_RatchetsInUptrend(t *testing.T) {
	cs := series(40, func(i int) float64 { return 100 + 3*float64(i) })
	st := SuperTrend(cs, SuperTrendPeriod, SuperTrendMult)

	prev := math.NaN()
	for i, v := range st {
		if i < SuperTrendPeriod-1 {
			if !math.IsNaN(v) {
				t.Errorf("index %d: expected NaN warm-up, got %v", i, v)
			}
			continue
		}
		if v >= cs[i].Close {
			t.Errorf("index %d: band %v not below close %v in uptrend", i, v, cs[i].Close)
		}
		if !math.IsNaN(prev) && v < prev {
			t.Errorf("index %d: band dropped %v -> %v while bullish", i, prev, v)
		}
		prev = v
	}
}

func TestSuperTrend_FlipsOnCrash(t *testing.T) {
	const n = 40
	cs := series(n, func(i int) float64 {
		if i < n-1 {
			return 100 + 3*float64(i)
		}
		return 20 // far below any lower band
	})
	st := SuperTrend(cs, SuperTrendPeriod, SuperTrendMult)

	if st[n-2] >= cs[n-2].Close {
		t.Fatalf("pre-crash band %v should sit below close %v", st[n-2], cs[n-2].Close)
	}
	if st[n-1] <= cs[n-1].Close {
		t.Errorf("post-crash band %v should sit above close %v", st[n-1], cs[n-1].Close)
	}
}

func TestSuperTrend_HoldsStateInsideBands(t *testing.T) {
	// Flat market after a warm-up climb: closes oscillate well inside the
	// bands, so the trend state must never flip and the active band must
	// never loosen.
	cs := series(60, func(i int) float64 {
		if i < 20 {
			return 100 + 3*float64(i)
		}
		return 160 + math.Sin(float64(i))
	})
	st := SuperTrend(cs, SuperTrendPeriod, SuperTrendMult)

	for i := 25; i < len(st); i++ {
		if st[i] >= cs[i].Close {
			t.Fatalf("index %d: state flipped without a band cross (band %v, close %v)", i, st[i], cs[i].Close)
		}
		if st[i] < st[i-1] {
			t.Errorf("index %d: bullish band loosened %v -> %v", i, st[i-1], st[i])
		}
	}
}
