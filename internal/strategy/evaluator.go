// Package strategy holds the signal rules: a pure mapping from the
// latest indicator row plus the currently open positions to an entry
// decision and a set of exits. All timing and side effects live in the
// session orchestrator.
package strategy

import (
	"fmt"

	"optiontrader/internal/indicator"
	"optiontrader/internal/model"
)

// EntrySignal is the directional entry decision for one cycle.
type EntrySignal int

const (
	EntryNone EntrySignal = iota
	EntryBuyCall
	EntryBuyPut
)

func (s EntrySignal) String() string {
	switch s {
	case EntryBuyCall:
		return "BUY_CALL"
	case EntryBuyPut:
		return "BUY_PUT"
	default:
		return "NONE"
	}
}

// Decision is the evaluator's output for one indicator row: at most one
// entry plus zero or more positions to square off.
type Decision struct {
	Entry  EntrySignal
	Exits  []model.Position
	Reason string
}

// Evaluate applies the rule set to the latest indicator row.
//
// Entries are mutually exclusive and suppressed while a same-side option
// position is already open. Exits are evaluated independently for every
// open position with positive quantity; a position whose symbol encodes
// neither side is ignored. Deterministic: no clocks, no I/O.
func Evaluate(row indicator.Row, positions []model.Position) Decision {
	var d Decision

	haveCall, havePut := openSides(positions)

	trendStrong := row.ADX > row.ADXEMA
	bandBelow := row.SuperTrend < row.Close
	bandAbove := row.SuperTrend > row.Close
	macdAbove := row.MACD > row.MACDSignal
	macdBelow := row.MACD < row.MACDSignal

	switch {
	case trendStrong && row.WillR > -30 && bandBelow && macdAbove:
		if !haveCall {
			d.Entry = EntryBuyCall
			d.Reason = fmt.Sprintf("adx %.2f > ema %.2f, %%R %.2f, band below close, macd above signal",
				row.ADX, row.ADXEMA, row.WillR)
		}
	case trendStrong && row.WillR < -70 && bandAbove && macdBelow:
		if !havePut {
			d.Entry = EntryBuyPut
			d.Reason = fmt.Sprintf("adx %.2f > ema %.2f, %%R %.2f, band above close, macd below signal",
				row.ADX, row.ADXEMA, row.WillR)
		}
	}

	for _, p := range positions {
		if p.Qty <= 0 {
			continue
		}
		switch p.OptionType() {
		case model.OptionCall:
			if (row.WillR < -70 && bandAbove) ||
				(row.WillR < -70 && macdBelow) ||
				(bandAbove && macdBelow) {
				d.Exits = append(d.Exits, p)
			}
		case model.OptionPut:
			// The third clause compares the band the same way as the
			// call exit, not mirrored. Kept as-is.
			if (row.WillR > -30 && bandBelow) ||
				(row.WillR > -30 && macdAbove) ||
				(bandBelow && macdBelow) {
				d.Exits = append(d.Exits, p)
			}
		}
	}
	return d
}

func openSides(positions []model.Position) (call, put bool) {
	for _, p := range positions {
		if p.Qty <= 0 {
			continue
		}
		switch p.OptionType() {
		case model.OptionCall:
			call = true
		case model.OptionPut:
			put = true
		}
	}
	return call, put
}
