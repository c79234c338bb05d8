package model

import "time"

// OptionInstrument is a concrete option contract resolved for an entry
// order: the nearest at-the-money strike with the nearest usable expiry.
type OptionInstrument struct {
	Token         string     `json:"token"`
	TradingSymbol string     `json:"trading_symbol"`
	Strike        float64    `json:"strike"`
	OptionType    OptionType `json:"option_type"`
	LotSize       int        `json:"lot_size"`
	Expiry        time.Time  `json:"expiry"`
}

// Profile holds broker account identity details, shown on connect.
type Profile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Balance holds broker funds/margin details, shown on connect.
type Balance struct {
	Total     float64 `json:"total"`
	Used      float64 `json:"used"`
	Available float64 `json:"available"`
}
