package upstox

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// instrumentRow is one index-option contract from the master CSV.
type instrumentRow struct {
	InstrumentKey string
	TradingSymbol string
	Name          string
	Strike        float64
	OptionType    model.OptionType
	Expiry        time.Time
}

// instrumentTable holds the filtered instrument master, loaded once and
// reused for every option resolution during the session.
type instrumentTable struct {
	rows []instrumentRow
}

var loadMu sync.Mutex

// loadInstruments downloads and caches the gzipped instrument master.
func (c *Client) loadInstruments(ctx context.Context) (*instrumentTable, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if c.instruments != nil {
		return c.instruments, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instrumentsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstox: download instrument master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstox: instrument master HTTP %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Type") != "text/csv" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("upstox: instrument master gunzip: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	table, err := parseInstruments(body)
	if err != nil {
		return nil, err
	}
	c.instruments = table
	c.log.Info("upstox instrument master loaded", "contracts", len(table.rows))
	return table, nil
}

// parseInstruments keeps only index option (OPTIDX) rows; everything
// else is irrelevant to the engine.
func parseInstruments(r io.Reader) (*instrumentTable, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("upstox: instrument master header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, need := range []string{"instrument_key", "tradingsymbol", "name", "expiry", "strike", "option_type", "instrument_type"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("upstox: instrument master missing column %q", need)
		}
	}

	t := &instrumentTable{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("upstox: instrument master row: %w", err)
		}
		get := func(name string) string {
			i := col[name]
			if i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		if get("instrument_type") != "OPTIDX" {
			continue
		}
		strike, err := strconv.ParseFloat(get("strike"), 64)
		if err != nil {
			continue
		}
		expiry, err := time.ParseInLocation("2006-01-02", get("expiry"), markethours.IST)
		if err != nil {
			continue
		}
		t.rows = append(t.rows, instrumentRow{
			InstrumentKey: get("instrument_key"),
			TradingSymbol: get("tradingsymbol"),
			Name:          get("name"),
			Strike:        strike,
			OptionType:    model.OptionType(get("option_type")),
			Expiry:        expiry,
		})
	}
	return t, nil
}

// find returns matching unexpired contracts sorted by expiry ascending.
func (t *instrumentTable) find(index string, strike float64, opt model.OptionType, today time.Time) []instrumentRow {
	var out []instrumentRow
	for _, r := range t.rows {
		if r.Name == index && r.Strike == strike && r.OptionType == opt && !r.Expiry.Before(today) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	return out
}
