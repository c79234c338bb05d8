package indicator

import (
	"math"
	"testing"
	"time"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// series builds n 5-minute candles starting 09:15 IST whose closes follow
// the supplied function.
func series(n int, closeAt func(i int) float64) []model.Candle {
	base := time.Date(2026, time.August, 19, 9, 15, 0, 0, markethours.IST)
	cs := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		c := closeAt(i)
		var open float64
		if i == 0 {
			open = c
		} else {
			open = closeAt(i - 1)
		}
		hi := math.Max(open, c) + 2
		lo := math.Min(open, c) - 2
		cs[i] = model.Candle{TS: base.Add(time.Duration(i) * 5 * time.Minute), Open: open, High: hi, Low: lo, Close: c}
	}
	return cs
}

func TestCompute_Deterministic(t *testing.T) {
	cs := series(60, func(i int) float64 { return 22000 + 10*math.Sin(float64(i)/3) + float64(i) })
	cutoff := cs[0].TS.AddDate(0, 0, -25)

	a, err := Compute(cs, cutoff)
	if err != nil {
		t.Fatalf("first compute: %v", err)
	}
	b, err := Compute(cs, cutoff)
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("row counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("row %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestCompute_DropsWarmupRows(t *testing.T) {
	cs := series(60, func(i int) float64 { return 22000 + float64(i%7) + float64(i)/2 })
	rows, err := Compute(cs, cs[0].TS.AddDate(0, 0, -25))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(rows) >= len(cs) {
		t.Fatalf("no warm-up rows dropped: %d rows from %d candles", len(rows), len(cs))
	}
	// The slowest indicator is the MACD signal line (slow 26 + span 9);
	// nothing before candle index 33 can be a full row.
	if rows[0].TS.Before(cs[33].TS) {
		t.Errorf("first row %v precedes slowest warm-up completion %v", rows[0].TS, cs[33].TS)
	}
	for _, r := range rows {
		if hasNaN(r) {
			t.Fatalf("row with NaN survived: %+v", r)
		}
		if r.WillR > 0 || r.WillR < -100 {
			t.Errorf("Williams %%R out of bounds: %v", r.WillR)
		}
		if r.ADX < 0 || r.ADX > 100 {
			t.Errorf("ADX out of bounds: %v", r.ADX)
		}
	}
}

func TestCompute_InsufficientData(t *testing.T) {
	cs := series(20, func(i int) float64 { return 22000 + float64(i) })
	if _, err := Compute(cs, cs[0].TS.AddDate(0, 0, -25)); err != ErrInsufficientData {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCompute_CutoffFiltersOldRows(t *testing.T) {
	cs := series(60, func(i int) float64 { return 22000 + float64(i) })
	all, err := Compute(cs, cs[0].TS.AddDate(0, 0, -25))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// Cut off everything before the second-to-last candle.
	cut := all[len(all)-2].TS
	late, err := Compute(cs, cut)
	if err != nil {
		t.Fatalf("compute with cutoff: %v", err)
	}
	if len(late) != 2 {
		t.Errorf("expected 2 rows past cutoff, got %d", len(late))
	}
	for _, r := range late {
		if r.TS.Before(cut) {
			t.Errorf("row %v precedes cutoff %v", r.TS, cut)
		}
	}
}

func TestWilliamsR_Bounds(t *testing.T) {
	cs := series(40, func(i int) float64 { return 100 + 5*math.Sin(float64(i)) })
	wr := WilliamsR(cs, WillRLookback)
	for i, v := range wr {
		if i < WillRLookback-1 {
			if !math.IsNaN(v) {
				t.Errorf("index %d: expected NaN warm-up, got %v", i, v)
			}
			continue
		}
		if v > 0 || v < -100 {
			t.Errorf("index %d: %%R %v out of [-100, 0]", i, v)
		}
	}
}

func TestMACD_WarmupLength(t *testing.T) {
	cs := series(50, func(i int) float64 { return 100 + float64(i) })
	macd, signal := MACD(cs, MACDFast, MACDSlow, MACDSignalSpan)
	if !math.IsNaN(macd[MACDSlow-2]) {
		t.Errorf("macd[%d] should still be warming up", MACDSlow-2)
	}
	if math.IsNaN(macd[MACDSlow-1]) {
		t.Errorf("macd[%d] should be valid", MACDSlow-1)
	}
	firstSignal := MACDSlow - 1 + MACDSignalSpan - 1
	if !math.IsNaN(signal[firstSignal-1]) {
		t.Errorf("signal[%d] should still be warming up", firstSignal-1)
	}
	if math.IsNaN(signal[firstSignal]) {
		t.Errorf("signal[%d] should be valid", firstSignal)
	}
}
