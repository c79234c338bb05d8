package model

import "strings"

// OptionType identifies the option side of an instrument.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Position represents an open broker-side position. The engine treats
// positions as a read-only snapshot fetched once per evaluation cycle;
// it never mutates them directly, only via order placement.
type Position struct {
	Token         string  `json:"token"`
	TradingSymbol string  `json:"trading_symbol"`
	Qty           int64   `json:"qty"` // positive = long
	AvgPrice      float64 `json:"avg_price"`
}

// OptionType derives the option side from the trading-symbol suffix
// ("NIFTY2481525000CE" → CE). Returns "" for non-option symbols.
func (p *Position) OptionType() OptionType {
	if strings.HasSuffix(p.TradingSymbol, string(OptionCall)) {
		return OptionCall
	}
	if strings.HasSuffix(p.TradingSymbol, string(OptionPut)) {
		return OptionPut
	}
	return ""
}
