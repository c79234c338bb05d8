// Package upstox implements the broker port against the Upstox REST
// API: v2 for account endpoints, v3 for candles, quotes and orders.
package upstox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"optiontrader/internal/broker"
	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

const (
	defaultBaseV2         = "https://api.upstox.com/v2"
	defaultBaseV3         = "https://api.upstox.com/v3"
	defaultOrderURL       = "https://api-hft.upstox.com/v3/order/place"
	defaultInstrumentsURL = "https://assets.upstox.com/market-quote/instruments/exchange/complete.csv.gz"

	historicalBackDays = 25
	intradayBackDays   = 5
)

// Config configures the adapter. Zero-value URLs use production hosts.
type Config struct {
	AccessToken    string
	BaseV2         string
	BaseV3         string
	OrderURL       string
	InstrumentsURL string
	HTTPClient     *http.Client
}

// Client talks to Upstox. Safe for use by one session goroutine.
type Client struct {
	token          string
	baseV2         string
	baseV3         string
	orderURL       string
	instrumentsURL string
	http           *http.Client
	log            *slog.Logger

	instruments *instrumentTable // lazily loaded, cached for the day
	now         func() time.Time
}

// New builds an adapter around an existing access token.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseV2 == "" {
		cfg.BaseV2 = defaultBaseV2
	}
	if cfg.BaseV3 == "" {
		cfg.BaseV3 = defaultBaseV3
	}
	if cfg.OrderURL == "" {
		cfg.OrderURL = defaultOrderURL
	}
	if cfg.InstrumentsURL == "" {
		cfg.InstrumentsURL = defaultInstrumentsURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		token:          cfg.AccessToken,
		baseV2:         cfg.BaseV2,
		baseV3:         cfg.BaseV3,
		orderURL:       cfg.OrderURL,
		instrumentsURL: cfg.InstrumentsURL,
		http:           cfg.HTTPClient,
		log:            logger,
		now:            func() time.Time { return time.Now().In(markethours.IST) },
	}
}

func (c *Client) Name() string { return "upstox" }

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Api-Version", "2.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstox: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("upstox: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstox: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("upstox: parse response: %w", err)
	}
	return nil
}

// Profile fetches account identity from /user/profile.
func (c *Client) Profile(ctx context.Context) (model.Profile, error) {
	var out struct {
		Status string `json:"status"`
		Data   struct {
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
			EmailID  string `json:"email_id"`
		} `json:"data"`
	}
	if err := c.get(ctx, c.baseV2+"/user/profile", &out); err != nil {
		return model.Profile{}, err
	}
	if out.Status != "success" {
		return model.Profile{}, fmt.Errorf("upstox: profile fetch status %q", out.Status)
	}
	return model.Profile{
		UserID: out.Data.UserID,
		Name:   out.Data.UserName,
		Email:  out.Data.EmailID,
	}, nil
}

// Balance fetches equity funds from /user/get-funds-and-margin.
func (c *Client) Balance(ctx context.Context) (model.Balance, error) {
	var out struct {
		Status string `json:"status"`
		Data   struct {
			Equity struct {
				AvailableMargin float64 `json:"available_margin"`
				UsedMargin      float64 `json:"used_margin"`
			} `json:"equity"`
		} `json:"data"`
	}
	if err := c.get(ctx, c.baseV2+"/user/get-funds-and-margin", &out); err != nil {
		return model.Balance{}, err
	}
	if out.Status != "success" {
		return model.Balance{}, fmt.Errorf("upstox: balance fetch status %q", out.Status)
	}
	eq := out.Data.Equity
	return model.Balance{
		Total:     eq.AvailableMargin + eq.UsedMargin,
		Used:      eq.UsedMargin,
		Available: eq.AvailableMargin,
	}, nil
}

// candleRows is the v3 candle payload: [ts, o, h, l, c, volume, oi].
type candleRows struct {
	Data struct {
		Candles [][]json.RawMessage `json:"candles"`
	} `json:"data"`
}

func parseCandles(rows [][]json.RawMessage) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("upstox: malformed candle row (len %d)", len(row))
		}
		var tsStr string
		if err := json.Unmarshal(row[0], &tsStr); err != nil {
			return nil, fmt.Errorf("upstox: candle timestamp: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("upstox: candle timestamp %q: %w", tsStr, err)
		}
		var v [4]float64
		for i := 0; i < 4; i++ {
			if err := json.Unmarshal(row[i+1], &v[i]); err != nil {
				return nil, fmt.Errorf("upstox: candle field %d: %w", i+1, err)
			}
		}
		out = append(out, model.Candle{
			TS:   ts.In(markethours.IST),
			Open: v[0], High: v[1], Low: v[2], Close: v[3],
		})
	}
	// The API returns newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// HistoricalCandles fetches completed-day candles at the given minute
// interval. Empty result means the range had no trading data.
func (c *Client) HistoricalCandles(ctx context.Context, token string, intervalMinutes int, from, to time.Time) ([]model.Candle, error) {
	u := fmt.Sprintf("%s/historical-candle/%s/minutes/%d/%s/%s",
		c.baseV3, url.PathEscape(token), intervalMinutes,
		to.Format("2006-01-02"), from.Format("2006-01-02"))
	var out candleRows
	if err := c.get(ctx, u, &out); err != nil {
		return nil, err
	}
	return parseCandles(out.Data.Candles)
}

// IntradayCandles fetches today's 1-minute candles so far.
func (c *Client) IntradayCandles(ctx context.Context, token string) ([]model.Candle, error) {
	u := fmt.Sprintf("%s/historical-candle/intraday/%s/minutes/1", c.baseV3, url.PathEscape(token))
	var out candleRows
	if err := c.get(ctx, u, &out); err != nil {
		return nil, err
	}
	return parseCandles(out.Data.Candles)
}

// LatestMinuteCandle reads the previous completed 1-minute bar from the
// OHLC quote endpoint. Returns nil when the feed has nothing yet.
func (c *Client) LatestMinuteCandle(ctx context.Context, token string) (*model.Candle, error) {
	u := fmt.Sprintf("%s/market-quote/ohlc?instrument_key=%s&interval=I1",
		c.baseV3, url.QueryEscape(token))
	var out struct {
		Data map[string]struct {
			PrevOHLC *struct {
				TS    int64   `json:"ts"`
				Open  float64 `json:"open"`
				High  float64 `json:"high"`
				Low   float64 `json:"low"`
				Close float64 `json:"close"`
			} `json:"prev_ohlc"`
		} `json:"data"`
	}
	if err := c.get(ctx, u, &out); err != nil {
		return nil, err
	}
	// Response keys swap the pipe for a colon.
	entry, ok := out.Data[strings.ReplaceAll(token, "|", ":")]
	if !ok || entry.PrevOHLC == nil {
		return nil, nil
	}
	prev := entry.PrevOHLC
	ts := time.UnixMilli(prev.TS).In(markethours.IST)
	// In the opening minute the feed reports yesterday's last bar.
	now := c.now()
	if now.Hour() == markethours.OpenHour && now.Minute() == markethours.OpenMinute {
		ts = now.Truncate(time.Minute).Add(-time.Minute)
	}
	return &model.Candle{
		TS:   ts,
		Open: prev.Open, High: prev.High, Low: prev.Low, Close: prev.Close,
	}, nil
}

// LivePrice reads today's running close from the daily OHLC quote.
func (c *Client) LivePrice(ctx context.Context, token string) (float64, error) {
	u := fmt.Sprintf("%s/market-quote/ohlc?instrument_key=%s&interval=1d",
		c.baseV3, url.QueryEscape(token))
	var out struct {
		Data map[string]struct {
			LiveOHLC *struct {
				Close float64 `json:"close"`
			} `json:"live_ohlc"`
		} `json:"data"`
	}
	if err := c.get(ctx, u, &out); err != nil {
		return 0, err
	}
	entry, ok := out.Data[strings.ReplaceAll(token, "|", ":")]
	if !ok || entry.LiveOHLC == nil {
		return 0, fmt.Errorf("upstox: no live quote for %s", token)
	}
	return entry.LiveOHLC.Close, nil
}

// Positions fetches the short-term positions book.
func (c *Client) Positions(ctx context.Context) ([]model.Position, error) {
	var out struct {
		Data []struct {
			InstrumentToken string  `json:"instrument_token"`
			TradingSymbol   string  `json:"trading_symbol"`
			Quantity        int64   `json:"quantity"`
			AveragePrice    float64 `json:"average_price"`
		} `json:"data"`
	}
	if err := c.get(ctx, c.baseV2+"/portfolio/short-term-positions", &out); err != nil {
		return nil, err
	}
	ps := make([]model.Position, 0, len(out.Data))
	for _, p := range out.Data {
		ps = append(ps, model.Position{
			Token:         p.InstrumentToken,
			TradingSymbol: p.TradingSymbol,
			Qty:           p.Quantity,
			AvgPrice:      p.AveragePrice,
		})
	}
	return ps, nil
}

// PlaceOrder submits an intraday order through the low-latency v3
// endpoint. Price 0 places a market order.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	qty := req.Qty
	if qty < 0 {
		qty = -qty
	}
	orderType := "LIMIT"
	if req.Price == 0 {
		orderType = "MARKET"
	}
	payload, _ := json.Marshal(map[string]any{
		"quantity":           qty,
		"product":            "D",
		"validity":           "DAY",
		"price":              req.Price,
		"tag":                "optiontrader",
		"instrument_token":   req.Token,
		"order_type":         orderType,
		"transaction_type":   string(req.Side),
		"disclosed_quantity": 0,
		"trigger_price":      0,
		"is_amo":             false,
		"slice":              false,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.orderURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upstox: place order: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstox: place order HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Data struct {
			OrderIDs []string `json:"order_ids"`
			OrderID  string   `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("upstox: parse order response: %w", err)
	}
	if len(out.Data.OrderIDs) > 0 {
		return out.Data.OrderIDs[0], nil
	}
	return out.Data.OrderID, nil
}

// ResolveOption rounds the spot to the index's strike step and picks the
// nearest-expiry contract from the instrument master, skipping contracts
// that expire today.
func (c *Client) ResolveOption(ctx context.Context, index string, spot float64, opt model.OptionType) (model.OptionInstrument, error) {
	step, lotSize, err := broker.IndexParams(index)
	if err != nil {
		return model.OptionInstrument{}, err
	}
	strike := broker.NearestStrike(spot, step)

	table, err := c.loadInstruments(ctx)
	if err != nil {
		return model.OptionInstrument{}, err
	}

	today := dateOnly(c.now())
	matches := table.find(index, strike, opt, today)
	if len(matches) == 0 {
		return model.OptionInstrument{}, fmt.Errorf("upstox: no %s %g%s contract available", index, strike, opt)
	}
	pick := matches[0]
	if pick.Expiry.Equal(today) {
		if len(matches) < 2 {
			return model.OptionInstrument{}, fmt.Errorf("upstox: only same-day expiry available for %s %g%s", index, strike, opt)
		}
		pick = matches[1]
	}

	return model.OptionInstrument{
		Token:         pick.InstrumentKey,
		TradingSymbol: pick.TradingSymbol,
		Strike:        strike,
		OptionType:    opt,
		LotSize:       lotSize,
		Expiry:        pick.Expiry,
	}, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, markethours.IST)
}
