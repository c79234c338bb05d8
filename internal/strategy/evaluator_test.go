package strategy

import (
	"math"
	"testing"
	"time"

	"optiontrader/internal/indicator"
	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

func row(adx, adxEMA, willR, band, close, macd, signal float64) indicator.Row {
	return indicator.Row{
		TS:         time.Date(2026, time.August, 19, 10, 0, 0, 0, markethours.IST),
		Close:      close,
		ADX:        adx,
		ADXEMA:     adxEMA,
		WillR:      willR,
		SuperTrend: band,
		MACD:       macd,
		MACDSignal: signal,
	}
}

func callPos(qty int64) model.Position {
	return model.Position{Token: "43210", TradingSymbol: "NIFTY25AUG24500CE", Qty: qty}
}

func putPos(qty int64) model.Position {
	return model.Position{Token: "43211", TradingSymbol: "NIFTY25AUG24500PE", Qty: qty}
}

func TestEvaluate_Entries(t *testing.T) {
	cases := []struct {
		name      string
		row       indicator.Row
		positions []model.Position
		want      EntrySignal
	}{
		{
			name: "buy call when all four align",
			row:  row(32, 28, -20, 24400, 24500, 15, 10),
			want: EntryBuyCall,
		},
		{
			name: "buy put when all four align",
			row:  row(32, 28, -85, 24600, 24500, -15, -10),
			want: EntryBuyPut,
		},
		{
			name: "no entry when trend weak",
			row:  row(25, 28, -20, 24400, 24500, 15, 10),
			want: EntryNone,
		},
		{
			name: "no entry in the oscillator dead zone",
			row:  row(32, 28, -50, 24400, 24500, 15, 10),
			want: EntryNone,
		},
		{
			name: "no call when band above close",
			row:  row(32, 28, -20, 24600, 24500, 15, 10),
			want: EntryNone,
		},
		{
			name:      "call suppressed by open call position",
			row:       row(32, 28, -20, 24400, 24500, 15, 10),
			positions: []model.Position{callPos(75)},
			want:      EntryNone,
		},
		{
			name:      "put suppressed by open put position",
			row:       row(32, 28, -85, 24600, 24500, -15, -10),
			positions: []model.Position{putPos(75)},
			want:      EntryNone,
		},
		{
			name:      "open put does not suppress a call entry",
			row:       row(32, 28, -20, 24400, 24500, 15, 10),
			positions: []model.Position{putPos(75)},
			want:      EntryBuyCall,
		},
		{
			name:      "squared-off call does not suppress",
			row:       row(32, 28, -20, 24400, 24500, 15, 10),
			positions: []model.Position{callPos(0)},
			want:      EntryBuyCall,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.row, tc.positions)
			if d.Entry != tc.want {
				t.Fatalf("entry = %v, want %v (reason %q)", d.Entry, tc.want, d.Reason)
			}
		})
	}
}

func TestEvaluate_CallExits(t *testing.T) {
	cases := []struct {
		name string
		row  indicator.Row
		exit bool
	}{
		{"oversold and band above", row(30, 32, -80, 24600, 24500, 5, 2), true},
		{"oversold and macd below signal", row(30, 32, -80, 24400, 24500, -5, -2), true},
		{"band above and macd below signal", row(30, 32, -40, 24600, 24500, -5, -2), true},
		{"healthy uptrend holds", row(30, 32, -20, 24400, 24500, 5, 2), false},
		{"oversold alone holds", row(30, 32, -80, 24400, 24500, 5, 2), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.row, []model.Position{callPos(75)})
			if got := len(d.Exits) == 1; got != tc.exit {
				t.Fatalf("exit = %v, want %v", got, tc.exit)
			}
		})
	}
}

func TestEvaluate_PutExits(t *testing.T) {
	cases := []struct {
		name string
		row  indicator.Row
		exit bool
	}{
		{"overbought and band below", row(30, 32, -20, 24400, 24500, -5, -2), true},
		{"overbought and macd above signal", row(30, 32, -20, 24600, 24500, 5, 2), true},
		// Third clause keeps the band-below comparison rather than
		// mirroring the call rule.
		{"band below and macd below signal", row(30, 32, -50, 24400, 24500, -5, -2), true},
		{"band above and macd below signal holds", row(30, 32, -50, 24600, 24500, -5, -2), false},
		{"healthy downtrend holds", row(30, 32, -80, 24600, 24500, -5, -2), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.row, []model.Position{putPos(75)})
			if got := len(d.Exits) == 1; got != tc.exit {
				t.Fatalf("exit = %v, want %v", got, tc.exit)
			}
		})
	}
}

func TestEvaluate_NeverEntersAndExitsSameSide(t *testing.T) {
	// Sweep a grid of rows against an open call position: any row that
	// exits the call must not simultaneously open a new one.
	vals := []float64{-85, -50, -20}
	bands := []float64{24400, 24600}
	macds := []float64{-5, 5}
	pos := []model.Position{callPos(75)}
	for _, wr := range vals {
		for _, band := range bands {
			for _, macd := range macds {
				d := Evaluate(row(32, 28, wr, band, 24500, macd, 0), pos)
				if len(d.Exits) > 0 && d.Entry == EntryBuyCall {
					t.Fatalf("entry and same-side exit together: wr=%v band=%v macd=%v", wr, band, macd)
				}
			}
		}
	}
}

func TestEvaluate_NonOptionPositionIgnored(t *testing.T) {
	p := model.Position{Token: "2885", TradingSymbol: "RELIANCE", Qty: 100}
	d := Evaluate(row(30, 32, -80, 24600, 24500, -5, -2), []model.Position{p})
	if len(d.Exits) != 0 {
		t.Fatalf("non-option position must not be exited: %+v", d.Exits)
	}
}

// Ascending candles through the full pipeline should resolve to a call
// entry on the final row.
func TestEvaluate_BuyCallFromPipeline(t *testing.T) {
	base := time.Date(2026, time.August, 19, 9, 15, 0, 0, markethours.IST)
	n := 60
	cs := make([]model.Candle, n)
	prev := 24000.0
	for i := 0; i < n; i++ {
		var c float64
		if i < 30 {
			c = 24000 + 8*math.Sin(float64(i))
		} else {
			c = 24000 + 6*float64(i-29)
		}
		cs[i] = model.Candle{
			TS:    base.Add(time.Duration(i) * 5 * time.Minute),
			Open:  prev,
			High:  math.Max(prev, c) + 2,
			Low:   math.Min(prev, c) - 2,
			Close: c,
		}
		prev = c
	}

	rows, err := indicator.Compute(cs, base.AddDate(0, 0, -25))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	last := rows[len(rows)-1]
	d := Evaluate(last, nil)
	if d.Entry != EntryBuyCall {
		t.Fatalf("entry = %v, want BUY_CALL (row %+v)", d.Entry, last)
	}
	if len(d.Exits) != 0 {
		t.Fatalf("unexpected exits: %+v", d.Exits)
	}
}
