// Package smartconnect is a typed client for the Angel One SmartAPI
// covering the surface the trading engine needs: session generation,
// profile, funds, positions, order placement, candle data and quotes.
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRoot    = "https://apiconnect.angelone.in"
	defaultTimeout = 7 * time.Second
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.rms.limit":    "/rest/secure/angelbroking/user/v1/getRMS",
	"api.position":     "/rest/secure/angelbroking/order/v1/getPosition",
	"api.order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.ltp.data":     "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.candle.data":  "/rest/secure/angelbroking/historical/v1/getCandleData",
	"api.search.scrip": "/rest/secure/angelbroking/order/v1/searchScrip",
}

// Config configures the client.
type Config struct {
	APIKey  string
	RootURL string        // defaults to the production API host
	Timeout time.Duration // defaults to 7s
}

// Client is an authenticated SmartAPI session. Not safe for concurrent
// token mutation; authenticate once, then share.
type Client struct {
	apiKey      string
	rootURL     string
	accessToken string
	httpClient  *http.Client

	clientLocalIP string
	clientMAC     string
}

// APIError is a SmartAPI-level failure (status false or error_type set).
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartapi: %s: %s", e.Code, e.Message)
}

// New builds an unauthenticated client.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		apiKey:        cfg.APIKey,
		rootURL:       strings.TrimRight(cfg.RootURL, "/"),
		httpClient:    &http.Client{Transport: tr, Timeout: cfg.Timeout},
		clientLocalIP: localIP(),
		clientMAC:     macAddress(),
	}
}

// SetAccessToken installs a previously obtained JWT.
func (c *Client) SetAccessToken(token string) { c.accessToken = token }

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.clientLocalIP)
	h.Set("X-ClientPublicIP", c.clientLocalIP)
	h.Set("X-MACAddress", c.clientMAC)
	h.Set("X-PrivateKey", c.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	return h
}

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, route string, params any, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("smartconnect: unknown route %q", route)
	}
	reqURL := c.rootURL + uri

	var body io.Reader
	if method == http.MethodGet {
		if m, ok := params.(map[string]string); ok && len(m) > 0 {
			q := url.Values{}
			for k, v := range m {
				q.Set(k, v)
			}
			reqURL += "?" + q.Encode()
		}
	} else if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("smartconnect: marshal params: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header = c.headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("smartconnect: %s %s: %w", method, uri, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("smartconnect: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("smartconnect: parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.ErrorType != "" {
		return &APIError{Code: env.ErrorType, Message: env.Message}
	}
	if !env.Status {
		code := env.ErrorCode
		if code == "" {
			code = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return &APIError{Code: code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("smartconnect: decode data: %w", err)
		}
	}
	return nil
}

// Session is the token set returned by GenerateSession.
type Session struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// GenerateSession logs in with client code, PIN and a fresh TOTP and
// installs the access token on the client.
func (c *Client) GenerateSession(ctx context.Context, clientCode, password, totp string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "api.login", map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	}, &s)
	if err != nil {
		return Session{}, err
	}
	if s.JWTToken == "" {
		return Session{}, errors.New("smartconnect: login succeeded without a token")
	}
	c.accessToken = s.JWTToken
	return s, nil
}

// TerminateSession logs the client code out.
func (c *Client) TerminateSession(ctx context.Context, clientCode string) error {
	return c.do(ctx, http.MethodPost, "api.logout", map[string]string{"clientcode": clientCode}, nil)
}

// Profile is the account identity payload.
type Profile struct {
	ClientCode string `json:"clientcode"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Broker     string `json:"broker"`
}

// Profile fetches the logged-in user's profile.
func (c *Client) Profile(ctx context.Context, refreshToken string) (Profile, error) {
	var p Profile
	err := c.do(ctx, http.MethodGet, "api.user.profile",
		map[string]string{"refreshToken": refreshToken}, &p)
	return p, err
}

// RMSLimit is the funds snapshot.
type RMSLimit struct {
	Net           string `json:"net"`
	AvailableCash string `json:"availablecash"`
	UtilisedDebit string `json:"utiliseddebits"`
}

// RMSLimit fetches available funds.
func (c *Client) RMSLimit(ctx context.Context) (RMSLimit, error) {
	var r RMSLimit
	err := c.do(ctx, http.MethodGet, "api.rms.limit", nil, &r)
	return r, err
}

// Position is one row of the net positions book.
type Position struct {
	SymbolToken   string `json:"symboltoken"`
	TradingSymbol string `json:"tradingsymbol"`
	NetQty        string `json:"netqty"`
	AvgNetPrice   string `json:"avgnetprice"`
}

// Positions fetches the net positions book. A nil slice means no open
// positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var ps []Position
	err := c.do(ctx, http.MethodGet, "api.position", nil, &ps)
	return ps, err
}

// OrderParams describes one order for PlaceOrder.
type OrderParams struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price,omitempty"`
	Quantity        string `json:"quantity"`
}

// PlaceOrder submits an order and returns the broker order ID.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	var out struct {
		OrderID string `json:"orderid"`
	}
	if err := c.do(ctx, http.MethodPost, "api.order.place", p, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", errors.New("smartconnect: order accepted without an order id")
	}
	return out.OrderID, nil
}

// CandleParams describes a getCandleData request.
type CandleParams struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"` // e.g. ONE_MINUTE, FIVE_MINUTE
	FromDate    string `json:"fromdate"` // "2006-01-02 15:04"
	ToDate      string `json:"todate"`
}

// Candle is one OHLCV bar from getCandleData.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleData fetches historical/intraday candles. The API returns rows
// of [timestamp, o, h, l, c, v].
func (c *Client) CandleData(ctx context.Context, p CandleParams) ([]Candle, error) {
	var rows [][]json.RawMessage
	if err := c.do(ctx, http.MethodPost, "api.candle.data", p, &rows); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("smartconnect: malformed candle row (len %d)", len(row))
		}
		var tsStr string
		if err := json.Unmarshal(row[0], &tsStr); err != nil {
			return nil, fmt.Errorf("smartconnect: candle timestamp: %w", err)
		}
		ts, err := time.Parse("2006-01-02T15:04:05-07:00", tsStr)
		if err != nil {
			return nil, fmt.Errorf("smartconnect: candle timestamp %q: %w", tsStr, err)
		}
		var vals [5]float64
		for i := 0; i < 5; i++ {
			if err := json.Unmarshal(row[i+1], &vals[i]); err != nil {
				return nil, fmt.Errorf("smartconnect: candle field %d: %w", i+1, err)
			}
		}
		out = append(out, Candle{
			Timestamp: ts,
			Open:      vals[0], High: vals[1], Low: vals[2], Close: vals[3],
			Volume: vals[4],
		})
	}
	return out, nil
}

// LTP fetches the last traded price for a symbol token.
func (c *Client) LTP(ctx context.Context, exchange, tradingSymbol, symbolToken string) (float64, error) {
	var out struct {
		LTP float64 `json:"ltp"`
	}
	err := c.do(ctx, http.MethodPost, "api.ltp.data", map[string]string{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   symbolToken,
	}, &out)
	return out.LTP, err
}

// Scrip is one instrument returned by SearchScrip.
type Scrip struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

// SearchScrip finds instruments matching a symbol fragment on an
// exchange (e.g. "NFO", "NIFTY27AUG2524500CE").
func (c *Client) SearchScrip(ctx context.Context, exchange, query string) ([]Scrip, error) {
	var out []Scrip
	err := c.do(ctx, http.MethodPost, "api.search.scrip", map[string]string{
		"exchange":    exchange,
		"searchscrip": query,
	}, &out)
	return out, err
}
