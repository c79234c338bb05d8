package candles

import (
	"testing"
	"time"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

func minuteCandle(hour, min int, o, h, l, c float64) model.Candle {
	return model.Candle{
		TS:    time.Date(2026, time.August, 19, hour, min, 0, 0, markethours.IST),
		Open:  o, High: h, Low: l, Close: c,
	}
}

func TestBuffer_RejectsOldAndDuplicate(t *testing.T) {
	b := NewBuffer(10)

	if !b.Append(minuteCandle(9, 15, 100, 101, 99, 100)) {
		t.Fatal("first append rejected")
	}
	if !b.Append(minuteCandle(9, 16, 100, 102, 100, 101)) {
		t.Fatal("second append rejected")
	}

	// Duplicate timestamp
	if b.Append(minuteCandle(9, 16, 105, 106, 104, 105)) {
		t.Error("duplicate timestamp accepted")
	}
	// Out-of-order arrival
	if b.Append(minuteCandle(9, 15, 90, 91, 89, 90)) {
		t.Error("out-of-order candle accepted")
	}
	if b.Len() != 2 {
		t.Errorf("expected len 2, got %d", b.Len())
	}
}

func TestBuffer_EvictsOldestWhenFull(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append(minuteCandle(9, 15+i, 100, 101, 99, 100))
	}
	if b.Len() != 3 {
		t.Fatalf("expected len 3, got %d", b.Len())
	}
	snap := b.Snapshot()
	if snap[0].TS.Minute() != 17 {
		t.Errorf("oldest not evicted: first minute = %d", snap[0].TS.Minute())
	}
	last, _ := b.Last()
	if last.TS.Minute() != 19 {
		t.Errorf("tail wrong: minute = %d", last.TS.Minute())
	}
}

func TestBuffer_SnapshotIsCopy(t *testing.T) {
	b := NewBuffer(5)
	b.Append(minuteCandle(9, 15, 100, 101, 99, 100))
	snap := b.Snapshot()
	snap[0].Close = 999
	again := b.Snapshot()
	if again[0].Close == 999 {
		t.Error("snapshot aliases internal storage")
	}
}

func TestResample_OHLCAggregation(t *testing.T) {
	in := []model.Candle{
		minuteCandle(9, 15, 100, 104, 99, 101),
		minuteCandle(9, 16, 101, 108, 100, 107),
		minuteCandle(9, 17, 107, 107, 95, 96),
		minuteCandle(9, 18, 96, 99, 96, 98),
		minuteCandle(9, 19, 98, 100, 97, 99),
		minuteCandle(9, 20, 99, 103, 98, 102), // next bucket
	}
	out := Resample(in, 5)
	if len(out) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(out))
	}
	first := out[0]
	if first.TS.Hour() != 9 || first.TS.Minute() != 15 {
		t.Errorf("left-label wrong: %v", first.TS)
	}
	if first.Open != 100 || first.High != 108 || first.Low != 95 || first.Close != 99 {
		t.Errorf("OHLC wrong: %+v", first)
	}
	if out[1].TS.Minute() != 20 || out[1].Open != 99 {
		t.Errorf("second bucket wrong: %+v", out[1])
	}
}

func TestResample_BucketsAnchoredToMidnight(t *testing.T) {
	// 09:17 falls in the 09:15 bucket for interval 5 (midnight-anchored),
	// not an 09:17-anchored one.
	out := Resample([]model.Candle{minuteCandle(9, 17, 50, 51, 49, 50)}, 5)
	if len(out) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(out))
	}
	if out[0].TS.Minute() != 15 {
		t.Errorf("bucket label = %v, want 09:15", out[0].TS)
	}
}

func TestResample_Empty(t *testing.T) {
	if out := Resample(nil, 5); out != nil {
		t.Errorf("expected nil for empty input, got %v", out)
	}
}
