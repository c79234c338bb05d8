// Package zerodha implements the broker port against the Zerodha Kite
// Connect v3 REST API using a pre-generated access token.
package zerodha

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"optiontrader/internal/broker"
	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

const defaultBaseURL = "https://api.kite.trade"

// Config configures the adapter.
type Config struct {
	APIKey      string
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// Client talks to Kite Connect.
type Client struct {
	apiKey string
	token  string
	base   string
	http   *http.Client
	log    *slog.Logger

	instMu      sync.Mutex
	instruments []instrumentRow
	now         func() time.Time
}

// New builds the adapter around an existing access token.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		apiKey: cfg.APIKey,
		token:  cfg.AccessToken,
		base:   cfg.BaseURL,
		http:   cfg.HTTPClient,
		log:    logger,
		now:    func() time.Time { return time.Now().In(markethours.IST) },
	}
}

func (c *Client) Name() string { return "zerodha" }

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("zerodha: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("zerodha: read response: %w", err)
	}

	var env struct {
		Status    string          `json:"status"`
		Message   string          `json:"message"`
		ErrorType string          `json:"error_type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("zerodha: parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Status != "success" {
		return fmt.Errorf("zerodha: %s: %s", env.ErrorType, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("zerodha: decode data: %w", err)
		}
	}
	return nil
}

func (c *Client) Profile(ctx context.Context) (model.Profile, error) {
	var out struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		Email    string `json:"email"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/profile", nil, &out); err != nil {
		return model.Profile{}, err
	}
	return model.Profile{UserID: out.UserID, Name: out.UserName, Email: out.Email}, nil
}

func (c *Client) Balance(ctx context.Context) (model.Balance, error) {
	var out struct {
		Net      float64 `json:"net"`
		Utilised struct {
			Debits float64 `json:"debits"`
		} `json:"utilised"`
		Available struct {
			Cash float64 `json:"cash"`
		} `json:"available"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/margins/equity", nil, &out); err != nil {
		return model.Balance{}, err
	}
	return model.Balance{
		Total:     out.Net,
		Used:      out.Utilised.Debits,
		Available: out.Available.Cash,
	}, nil
}

func kiteInterval(minutes int) string {
	if minutes == 1 {
		return "minute"
	}
	return strconv.Itoa(minutes) + "minute"
}

func (c *Client) fetchCandles(ctx context.Context, token string, intervalMinutes int, from, to time.Time) ([]model.Candle, error) {
	path := fmt.Sprintf("/instruments/historical/%s/%s?from=%s&to=%s",
		url.PathEscape(token), kiteInterval(intervalMinutes),
		url.QueryEscape(from.In(markethours.IST).Format("2006-01-02 15:04:05")),
		url.QueryEscape(to.In(markethours.IST).Format("2006-01-02 15:04:05")))
	var out struct {
		Candles [][]json.RawMessage `json:"candles"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	cs := make([]model.Candle, 0, len(out.Candles))
	for _, row := range out.Candles {
		if len(row) < 5 {
			return nil, fmt.Errorf("zerodha: malformed candle row (len %d)", len(row))
		}
		var tsStr string
		if err := json.Unmarshal(row[0], &tsStr); err != nil {
			return nil, fmt.Errorf("zerodha: candle timestamp: %w", err)
		}
		ts, err := time.Parse("2006-01-02T15:04:05-0700", tsStr)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, tsStr)
			if err != nil {
				return nil, fmt.Errorf("zerodha: candle timestamp %q: %w", tsStr, err)
			}
		}
		var v [4]float64
		for i := 0; i < 4; i++ {
			if err := json.Unmarshal(row[i+1], &v[i]); err != nil {
				return nil, fmt.Errorf("zerodha: candle field %d: %w", i+1, err)
			}
		}
		cs = append(cs, model.Candle{
			TS:   ts.In(markethours.IST),
			Open: v[0], High: v[1], Low: v[2], Close: v[3],
		})
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].TS.Before(cs[j].TS) })
	return cs, nil
}

func (c *Client) HistoricalCandles(ctx context.Context, token string, intervalMinutes int, from, to time.Time) ([]model.Candle, error) {
	return c.fetchCandles(ctx, token, intervalMinutes, from, to)
}

func (c *Client) IntradayCandles(ctx context.Context, token string) ([]model.Candle, error) {
	now := c.now()
	return c.fetchCandles(ctx, token, 1, markethours.TodayOpen(now), now)
}

// LatestMinuteCandle has no cheap Kite endpoint; the session falls back
// to IntradayCandles.
func (c *Client) LatestMinuteCandle(ctx context.Context, token string) (*model.Candle, error) {
	return nil, broker.ErrNotSupported
}

// LivePrice accepts either a numeric instrument token or an NFO trading
// symbol (what ResolveOption hands back).
func (c *Client) LivePrice(ctx context.Context, token string) (float64, error) {
	key := token
	if _, err := strconv.ParseInt(token, 10, 64); err != nil {
		key = "NFO:" + token
	}
	var out map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := c.do(ctx, http.MethodGet, "/quote/ltp?i="+url.QueryEscape(key), nil, &out); err != nil {
		return 0, err
	}
	q, ok := out[key]
	if !ok {
		return 0, fmt.Errorf("zerodha: no quote for %s", key)
	}
	return q.LastPrice, nil
}

func (c *Client) Positions(ctx context.Context) ([]model.Position, error) {
	var out struct {
		Net []struct {
			InstrumentToken int64   `json:"instrument_token"`
			TradingSymbol   string  `json:"tradingsymbol"`
			Quantity        int64   `json:"quantity"`
			AveragePrice    float64 `json:"average_price"`
		} `json:"net"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, &out); err != nil {
		return nil, err
	}
	ps := make([]model.Position, 0, len(out.Net))
	for _, p := range out.Net {
		ps = append(ps, model.Position{
			Token:         strconv.FormatInt(p.InstrumentToken, 10),
			TradingSymbol: p.TradingSymbol,
			Qty:           p.Quantity,
			AvgPrice:      p.AveragePrice,
		})
	}
	return ps, nil
}

// PlaceOrder submits a regular-variety intraday order. Kite keys orders
// by trading symbol, which the session stores as the token for options
// it resolved through this adapter.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	qty := req.Qty
	if qty < 0 {
		qty = -qty
	}
	form := url.Values{}
	form.Set("exchange", "NFO")
	form.Set("tradingsymbol", req.Token)
	form.Set("transaction_type", string(req.Side))
	form.Set("quantity", strconv.FormatInt(qty, 10))
	form.Set("product", "MIS")
	form.Set("validity", "DAY")
	if req.Price == 0 {
		form.Set("order_type", "MARKET")
	} else {
		form.Set("order_type", "LIMIT")
		form.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders/regular", form, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// instrumentRow is one NFO contract from the instruments dump.
type instrumentRow struct {
	InstrumentToken string
	TradingSymbol   string
	Name            string
	Strike          float64
	OptionType      model.OptionType
	LotSize         int
	Expiry          time.Time
}

// loadInstruments downloads and caches the NFO instruments dump (plain
// CSV, refreshed daily by Kite).
func (c *Client) loadInstruments(ctx context.Context) ([]instrumentRow, error) {
	c.instMu.Lock()
	defer c.instMu.Unlock()
	if c.instruments != nil {
		return c.instruments, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/instruments/NFO", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zerodha: download instruments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zerodha: instruments HTTP %d", resp.StatusCode)
	}

	rows, err := parseInstruments(resp.Body)
	if err != nil {
		return nil, err
	}
	c.instruments = rows
	c.log.Info("zerodha instrument dump loaded", "contracts", len(rows))
	return rows, nil
}

func parseInstruments(r io.Reader) ([]instrumentRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("zerodha: instruments header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, need := range []string{"instrument_token", "tradingsymbol", "name", "expiry", "strike", "lot_size", "instrument_type"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("zerodha: instruments missing column %q", need)
		}
	}

	var out []instrumentRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("zerodha: instruments row: %w", err)
		}
		get := func(name string) string {
			i := col[name]
			if i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		it := get("instrument_type")
		if it != "CE" && it != "PE" {
			continue
		}
		strike, err := strconv.ParseFloat(get("strike"), 64)
		if err != nil {
			continue
		}
		lot, err := strconv.Atoi(get("lot_size"))
		if err != nil {
			continue
		}
		expiry, err := time.ParseInLocation("2006-01-02", get("expiry"), markethours.IST)
		if err != nil {
			continue
		}
		out = append(out, instrumentRow{
			InstrumentToken: get("instrument_token"),
			TradingSymbol:   get("tradingsymbol"),
			Name:            get("name"),
			Strike:          strike,
			OptionType:      model.OptionType(it),
			LotSize:         lot,
			Expiry:          expiry,
		})
	}
	return out, nil
}

// ResolveOption rounds the spot to the index strike step and picks the
// nearest-expiry contract from the instruments dump, skipping same-day
// expiries.
func (c *Client) ResolveOption(ctx context.Context, index string, spot float64, opt model.OptionType) (model.OptionInstrument, error) {
	step, lotSize, err := broker.IndexParams(index)
	if err != nil {
		return model.OptionInstrument{}, err
	}
	strike := broker.NearestStrike(spot, step)

	rows, err := c.loadInstruments(ctx)
	if err != nil {
		return model.OptionInstrument{}, err
	}

	y, m, d := c.now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, markethours.IST)

	var matches []instrumentRow
	for _, r := range rows {
		if r.Name == index && r.Strike == strike && r.OptionType == opt && !r.Expiry.Before(today) {
			matches = append(matches, r)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Expiry.Before(matches[j].Expiry) })
	if len(matches) == 0 {
		return model.OptionInstrument{}, fmt.Errorf("zerodha: no %s %g%s contract available", index, strike, opt)
	}
	pick := matches[0]
	if pick.Expiry.Equal(today) {
		if len(matches) < 2 {
			return model.OptionInstrument{}, fmt.Errorf("zerodha: only same-day expiry available for %s %g%s", index, strike, opt)
		}
		pick = matches[1]
	}
	if pick.LotSize == 0 {
		pick.LotSize = lotSize
	}

	return model.OptionInstrument{
		Token:         pick.TradingSymbol,
		TradingSymbol: pick.TradingSymbol,
		Strike:        strike,
		OptionType:    opt,
		LotSize:       pick.LotSize,
		Expiry:        pick.Expiry,
	}, nil
}
