// Package candles provides the bounded, time-ordered rolling windows a
// trading session feeds with market data, and the OHLC resampler that
// folds fine-grained candles into the session's main interval.
package candles

import (
	"time"

	"optiontrader/internal/model"
)

// Buffer is a bounded FIFO of candles ordered strictly by timestamp.
// When full, appending evicts the oldest entry. A session owns each
// buffer exclusively — no locking.
type Buffer struct {
	capacity int
	items    []model.Candle
}

// NewBuffer creates an empty buffer with the given capacity.
// Capacity must be positive.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		items:    make([]model.Candle, 0, capacity),
	}
}

// Append adds a candle if its timestamp is strictly greater than the
// buffer's last entry. Returns false (buffer unchanged) for duplicates
// and out-of-order arrivals. Evicts the oldest candle when full.
func (b *Buffer) Append(c model.Candle) bool {
	if last, ok := b.Last(); ok && !c.TS.After(last.TS) {
		return false
	}
	if len(b.items) == b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
	}
	b.items = append(b.items, c)
	return true
}

// AppendAll appends candles in order, skipping rejected ones.
// Returns the number accepted.
func (b *Buffer) AppendAll(cs []model.Candle) int {
	n := 0
	for _, c := range cs {
		if b.Append(c) {
			n++
		}
	}
	return n
}

// Len returns the number of buffered candles.
func (b *Buffer) Len() int { return len(b.items) }

// Last returns the newest candle, or false if the buffer is empty.
func (b *Buffer) Last() (model.Candle, bool) {
	if len(b.items) == 0 {
		return model.Candle{}, false
	}
	return b.items[len(b.items)-1], true
}

// Snapshot returns a copy of the buffered candles in timestamp order.
// Callers may hold the slice across later appends.
func (b *Buffer) Snapshot() []model.Candle {
	out := make([]model.Candle, len(b.items))
	copy(out, b.items)
	return out
}

// Resample aggregates minute candles into intervalMinutes buckets using
// first/max/min/last, left-closed and left-labeled, with buckets anchored
// to midnight of each candle's local day (so a 5-minute bucket starting
// 09:15 is labeled 09:15). Input must be in ascending timestamp order;
// output is ascending. Partial trailing buckets are emitted — the caller
// filters by the last-incorporated marker.
func Resample(in []model.Candle, intervalMinutes int) []model.Candle {
	if len(in) == 0 || intervalMinutes <= 0 {
		return nil
	}
	var out []model.Candle
	var cur model.Candle
	var curBucket time.Time
	started := false

	for _, c := range in {
		bucket := bucketStart(c.TS, intervalMinutes)
		if !started || !bucket.Equal(curBucket) {
			if started {
				out = append(out, cur)
			}
			curBucket = bucket
			cur = model.Candle{TS: bucket, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
			started = true
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
	}
	if started {
		out = append(out, cur)
	}
	return out
}

// bucketStart aligns ts down to an intervalMinutes boundary measured from
// midnight in ts's own location.
func bucketStart(ts time.Time, intervalMinutes int) time.Time {
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	elapsed := int(ts.Sub(midnight) / time.Minute)
	return midnight.Add(time.Duration(elapsed-elapsed%intervalMinutes) * time.Minute)
}
