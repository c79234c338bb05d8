package model

import (
	"encoding/json"
	"time"
)

// Candle represents one OHLC price sample for a fixed time bucket.
// TS is the bucket start time, minute-aligned in exchange-local time (IST).
// Prices are in rupees; signal math is float-based end to end, so candles
// carry float64 rather than paise.
type Candle struct {
	TS    time.Time `json:"ts"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
