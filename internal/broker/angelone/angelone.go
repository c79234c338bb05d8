// Package angelone implements the broker port on top of the Angel One
// SmartAPI. Login needs a fresh TOTP each time, generated from the
// account's enrolment secret.
package angelone

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"optiontrader/internal/broker"
	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
	"optiontrader/pkg/smartconnect"
)

// Config holds the SmartAPI credentials.
type Config struct {
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string
}

// Client is an authenticated Angel One adapter.
type Client struct {
	cfg Config
	sc  *smartconnect.Client
	log *slog.Logger

	refreshToken string
	now          func() time.Time
}

// New builds the adapter; Login must be called before use.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		sc:  smartconnect.New(smartconnect.Config{APIKey: cfg.APIKey}),
		log: logger,
		now: func() time.Time { return time.Now().In(markethours.IST) },
	}
}

func (c *Client) Name() string { return "angelone" }

// Login generates a TOTP from the enrolment secret and opens a SmartAPI
// session.
func (c *Client) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
	if err != nil {
		return fmt.Errorf("angelone: totp: %w", err)
	}
	sess, err := c.sc.GenerateSession(ctx, c.cfg.ClientCode, c.cfg.PIN, code)
	if err != nil {
		return fmt.Errorf("angelone: login: %w", err)
	}
	c.refreshToken = sess.RefreshToken
	c.log.Info("angelone session generated", "client", c.cfg.ClientCode)
	return nil
}

// Logout terminates the SmartAPI session.
func (c *Client) Logout(ctx context.Context) error {
	return c.sc.TerminateSession(ctx, c.cfg.ClientCode)
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.refreshToken != "" {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) Profile(ctx context.Context) (model.Profile, error) {
	if err := c.ensureSession(ctx); err != nil {
		return model.Profile{}, err
	}
	p, err := c.sc.Profile(ctx, c.refreshToken)
	if err != nil {
		return model.Profile{}, err
	}
	return model.Profile{UserID: p.ClientCode, Name: p.Name, Email: p.Email}, nil
}

func (c *Client) Balance(ctx context.Context) (model.Balance, error) {
	if err := c.ensureSession(ctx); err != nil {
		return model.Balance{}, err
	}
	r, err := c.sc.RMSLimit(ctx)
	if err != nil {
		return model.Balance{}, err
	}
	total, err := strconv.ParseFloat(r.Net, 64)
	if err != nil {
		return model.Balance{}, fmt.Errorf("angelone: parse net funds %q: %w", r.Net, err)
	}
	avail, err := strconv.ParseFloat(r.AvailableCash, 64)
	if err != nil {
		return model.Balance{}, fmt.Errorf("angelone: parse available cash %q: %w", r.AvailableCash, err)
	}
	used := total - avail
	if used < 0 {
		used = 0
	}
	return model.Balance{Total: total, Used: used, Available: avail}, nil
}

// intervalName maps minute intervals onto SmartAPI candle intervals.
func intervalName(minutes int) (string, error) {
	switch minutes {
	case 1:
		return "ONE_MINUTE", nil
	case 3:
		return "THREE_MINUTE", nil
	case 5:
		return "FIVE_MINUTE", nil
	case 10:
		return "TEN_MINUTE", nil
	case 15:
		return "FIFTEEN_MINUTE", nil
	case 30:
		return "THIRTY_MINUTE", nil
	case 60:
		return "ONE_HOUR", nil
	default:
		return "", fmt.Errorf("angelone: unsupported candle interval %dm", minutes)
	}
}

func toCandles(in []smartconnect.Candle) []model.Candle {
	out := make([]model.Candle, 0, len(in))
	for _, c := range in {
		out = append(out, model.Candle{
			TS:   c.Timestamp.In(markethours.IST),
			Open: c.Open, High: c.High, Low: c.Low, Close: c.Close,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}

func (c *Client) HistoricalCandles(ctx context.Context, token string, intervalMinutes int, from, to time.Time) ([]model.Candle, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	name, err := intervalName(intervalMinutes)
	if err != nil {
		return nil, err
	}
	rows, err := c.sc.CandleData(ctx, smartconnect.CandleParams{
		Exchange:    "NSE",
		SymbolToken: token,
		Interval:    name,
		FromDate:    from.In(markethours.IST).Format("2006-01-02 15:04"),
		ToDate:      to.In(markethours.IST).Format("2006-01-02 15:04"),
	})
	if err != nil {
		return nil, err
	}
	return toCandles(rows), nil
}

func (c *Client) IntradayCandles(ctx context.Context, token string) ([]model.Candle, error) {
	now := c.now()
	return c.HistoricalCandles(ctx, token, 1, markethours.TodayOpen(now), now)
}

// LatestMinuteCandle is not a distinct SmartAPI endpoint; the session
// falls back to IntradayCandles.
func (c *Client) LatestMinuteCandle(ctx context.Context, token string) (*model.Candle, error) {
	return nil, broker.ErrNotSupported
}

func (c *Client) LivePrice(ctx context.Context, token string) (float64, error) {
	if err := c.ensureSession(ctx); err != nil {
		return 0, err
	}
	return c.sc.LTP(ctx, "NFO", "", token)
}

func (c *Client) Positions(ctx context.Context) ([]model.Position, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	rows, err := c.sc.Positions(ctx)
	if err != nil {
		return nil, err
	}
	ps := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		qty, err := strconv.ParseInt(r.NetQty, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("angelone: parse net qty %q: %w", r.NetQty, err)
		}
		avg, _ := strconv.ParseFloat(r.AvgNetPrice, 64)
		ps = append(ps, model.Position{
			Token:         r.SymbolToken,
			TradingSymbol: r.TradingSymbol,
			Qty:           qty,
			AvgPrice:      avg,
		})
	}
	return ps, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	qty := req.Qty
	if qty < 0 {
		qty = -qty
	}
	orderType := "LIMIT"
	price := strconv.FormatFloat(req.Price, 'f', 2, 64)
	if req.Price == 0 {
		orderType = "MARKET"
		price = ""
	}
	return c.sc.PlaceOrder(ctx, smartconnect.OrderParams{
		Variety:         "NORMAL",
		SymbolToken:     req.Token,
		TransactionType: string(req.Side),
		Exchange:        "NFO",
		OrderType:       orderType,
		ProductType:     "INTRADAY",
		Duration:        "DAY",
		Price:           price,
		Quantity:        strconv.FormatInt(qty, 10),
	})
}

// symbolRe splits an NFO option symbol: NIFTY28AUG2524500CE.
var symbolRe = regexp.MustCompile(`^([A-Z]+)(\d{2}[A-Z]{3}\d{2})(\d+(?:\.\d+)?)(CE|PE)$`)

// ResolveOption searches the NFO scrip master for the rounded strike
// and picks the nearest expiry, skipping contracts expiring today.
func (c *Client) ResolveOption(ctx context.Context, index string, spot float64, opt model.OptionType) (model.OptionInstrument, error) {
	if err := c.ensureSession(ctx); err != nil {
		return model.OptionInstrument{}, err
	}
	step, lotSize, err := broker.IndexParams(index)
	if err != nil {
		return model.OptionInstrument{}, err
	}
	strike := broker.NearestStrike(spot, step)

	scrips, err := c.sc.SearchScrip(ctx, "NFO", index)
	if err != nil {
		return model.OptionInstrument{}, err
	}

	type contract struct {
		scrip  smartconnect.Scrip
		expiry time.Time
	}
	var matches []contract
	for _, s := range scrips {
		m := symbolRe.FindStringSubmatch(s.TradingSymbol)
		if m == nil || m[1] != index || model.OptionType(m[4]) != opt {
			continue
		}
		sk, err := strconv.ParseFloat(m[3], 64)
		if err != nil || sk != strike {
			continue
		}
		expiry, err := time.ParseInLocation("02Jan06", canonicalMonth(m[2]), markethours.IST)
		if err != nil {
			continue
		}
		matches = append(matches, contract{scrip: s, expiry: expiry})
	}

	today := dateOnly(c.now())
	var live []contract
	for _, m := range matches {
		if !m.expiry.Before(today) {
			live = append(live, m)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].expiry.Before(live[j].expiry) })
	if len(live) == 0 {
		return model.OptionInstrument{}, fmt.Errorf("angelone: no %s %g%s contract available", index, strike, opt)
	}
	pick := live[0]
	if pick.expiry.Equal(today) {
		if len(live) < 2 {
			return model.OptionInstrument{}, fmt.Errorf("angelone: only same-day expiry available for %s %g%s", index, strike, opt)
		}
		pick = live[1]
	}

	return model.OptionInstrument{
		Token:         pick.scrip.SymbolToken,
		TradingSymbol: pick.scrip.TradingSymbol,
		Strike:        strike,
		OptionType:    opt,
		LotSize:       lotSize,
		Expiry:        pick.expiry,
	}, nil
}

// canonicalMonth turns "28AUG25" into "28Aug25" for time.Parse.
func canonicalMonth(s string) string {
	if len(s) != 7 {
		return s
	}
	return s[:3] + strings.ToLower(s[3:5]) + s[5:]
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, markethours.IST)
}
