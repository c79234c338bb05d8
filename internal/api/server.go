// Package api serves the control-plane HTTP surface: broker connect,
// trading session start/stop/status, the order audit readout, and a
// WebSocket stream of session activity.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"optiontrader/internal/broker"
	"optiontrader/internal/broker/angelone"
	"optiontrader/internal/broker/paper"
	"optiontrader/internal/broker/upstox"
	"optiontrader/internal/broker/zerodha"
	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
	"optiontrader/internal/orderlog"
	"optiontrader/internal/session"
)

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Config configures the API server.
type Config struct {
	Addr   string
	UserID string // single-operator deployment; keys every session

	PaperSlippageBps int64 // simulated slippage for paper connections
}

// Server wires the REST handlers, the session manager and the WS hub.
type Server struct {
	cfg   Config
	mgr   *session.Manager
	hub   *Hub
	deps  session.Deps // template; Broker is filled per start request
	log   *slog.Logger
	start time.Time

	mu      sync.Mutex
	brokers map[string]broker.Broker // keyed by broker name

	httpSrv *http.Server
}

// NewServer builds the server. deps carries the shared session
// collaborators (order log, notifier, publisher, metrics, clock).
func NewServer(cfg Config, mgr *session.Manager, hub *Hub, deps session.Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		hub:     hub,
		deps:    deps,
		log:     logger,
		start:   time.Now(),
		brokers: make(map[string]broker.Broker),
	}
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: s.Routes()}
	return s
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.HandleWS)
	mux.HandleFunc("/api/brokers/connect", s.handleConnect)
	mux.HandleFunc("/api/brokers/trade/start", s.handleTradeStart)
	mux.HandleFunc("/api/brokers/trade/stop", s.handleTradeStop)
	mux.HandleFunc("/api/brokers/trade/status", s.handleTradeStatus)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/risk", s.handleRisk)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("api server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", "err", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("api server shutdown", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodOptions {
		SetCORS(w)
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

type connectRequest struct {
	BrokerName string `json:"broker_name"`
	Paper      bool   `json:"paper,omitempty"` // simulate fills on live data

	UpstoxAccessToken string `json:"upstox_access_token,omitempty"`

	AngelAPIKey     string `json:"angel_api_key,omitempty"`
	AngelClientCode string `json:"angel_client_code,omitempty"`
	AngelPIN        string `json:"angel_pin,omitempty"`
	AngelTOTPSecret string `json:"angel_totp_secret,omitempty"`

	ZerodhaAPIKey      string `json:"zerodha_api_key,omitempty"`
	ZerodhaAccessToken string `json:"zerodha_access_token,omitempty"`
}

type brokerStatus struct {
	IsConnected      bool    `json:"is_connected"`
	BrokerName       string  `json:"broker_name"`
	UserID           string  `json:"user_id"`
	UserName         string  `json:"user_name"`
	UserEmail        string  `json:"user_email"`
	TotalBalance     float64 `json:"total_balance"`
	MarginUsed       float64 `json:"margin_used"`
	AvailableBalance float64 `json:"available_balance"`
}

// handleConnect builds the requested broker adapter, verifies the
// credentials with a profile and balance fetch and stores it for
// subsequent session starts.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	b, err := s.buildBroker(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Paper {
		b = paper.Wrap(b, s.cfg.PaperSlippageBps, s.log)
	}

	profile, err := b.Profile(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("profile fetch failed: %v", err))
		return
	}
	balance, err := b.Balance(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("balance fetch failed: %v", err))
		return
	}

	s.mu.Lock()
	s.brokers[b.Name()] = b
	s.mu.Unlock()
	s.log.Info("broker connected", "broker", b.Name(), "user", profile.UserID)

	writeJSON(w, http.StatusOK, brokerStatus{
		IsConnected:      true,
		BrokerName:       b.Name(),
		UserID:           profile.UserID,
		UserName:         profile.Name,
		UserEmail:        profile.Email,
		TotalBalance:     balance.Total,
		MarginUsed:       balance.Used,
		AvailableBalance: balance.Available,
	})
}

func (s *Server) buildBroker(ctx context.Context, req connectRequest) (broker.Broker, error) {
	switch req.BrokerName {
	case "upstox":
		if req.UpstoxAccessToken == "" {
			return nil, errors.New("upstox: access token is required")
		}
		return upstox.New(upstox.Config{AccessToken: req.UpstoxAccessToken}, s.log), nil
	case "angelone":
		if req.AngelAPIKey == "" || req.AngelClientCode == "" || req.AngelPIN == "" || req.AngelTOTPSecret == "" {
			return nil, errors.New("angelone: api key, client code, pin and totp secret are required")
		}
		c := angelone.New(angelone.Config{
			APIKey:     req.AngelAPIKey,
			ClientCode: req.AngelClientCode,
			PIN:        req.AngelPIN,
			TOTPSecret: req.AngelTOTPSecret,
		}, s.log)
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case "zerodha":
		if req.ZerodhaAPIKey == "" || req.ZerodhaAccessToken == "" {
			return nil, errors.New("zerodha: api key and access token are required")
		}
		return zerodha.New(zerodha.Config{
			APIKey:      req.ZerodhaAPIKey,
			AccessToken: req.ZerodhaAccessToken,
		}, s.log), nil
	}
	return nil, fmt.Errorf("unsupported broker %q", req.BrokerName)
}

type tradeRequest struct {
	BrokerName string `json:"broker_name"`
	Token      string `json:"token"` // index instrument token
	IndexName  string `json:"index_name"`
	Interval   int    `json:"interval"`
	Lots       int64  `json:"lots"`
}

type tradeResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	Status  string `json:"status"`
}

func (s *Server) sessionKey(req tradeRequest) string {
	return session.Key(s.cfg.UserID, req.BrokerName, req.Token, req.Interval)
}

func (s *Server) handleTradeStart(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Token == "" || req.IndexName == "" || req.Interval <= 0 || req.Lots <= 0 {
		writeError(w, http.StatusBadRequest, "token, index_name, interval and lots are required")
		return
	}

	s.mu.Lock()
	b, ok := s.brokers[req.BrokerName]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("broker %q not connected", req.BrokerName))
		return
	}

	deps := s.deps
	deps.Broker = b
	if deps.Log == nil {
		deps.Log = s.log
	}
	key := s.sessionKey(req)
	sess := session.New(key, session.Config{
		Index:           req.IndexName,
		Token:           req.Token,
		IntervalMinutes: req.Interval,
		Lots:            req.Lots,
	}, deps)

	// Session lifetime is bound to the process, not this request.
	if err := s.mgr.Start(context.Background(), sess); err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("a session for %s at %d-min interval is already running", req.Token, req.Interval))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		Message: fmt.Sprintf("trading session for %s started", req.Token),
		TaskID:  key,
		Status:  "running",
	})
}

func (s *Server) handleTradeStop(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	key := s.sessionKey(req)
	st, err := s.mgr.StateOf(key)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no trading session found for %s", key))
		return
	}
	if st.Terminal() {
		writeJSON(w, http.StatusOK, tradeResponse{
			Message: fmt.Sprintf("trading session for %s already finished", req.Token),
			TaskID:  key,
			Status:  "finished",
		})
		return
	}
	if err := s.mgr.Stop(key); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no trading session found for %s", key))
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		Message: fmt.Sprintf("trading session for %s stopped", req.Token),
		TaskID:  key,
		Status:  "stopped",
	})
}

// statusWord flattens lifecycle states for the UI.
func statusWord(st session.State) string {
	switch st {
	case session.StateClosed:
		return "finished"
	case session.StateCancelled:
		return "cancelled"
	case session.StateFailed:
		return "failed"
	default:
		return "running"
	}
}

func (s *Server) handleTradeStatus(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	q := r.URL.Query()
	interval, _ := strconv.Atoi(q.Get("interval"))
	key := session.Key(s.cfg.UserID, q.Get("broker_name"), q.Get("token"), interval)

	st, err := s.mgr.StateOf(key)
	if err != nil {
		writeJSON(w, http.StatusOK, tradeResponse{
			Message: "no trading session found",
			TaskID:  key,
			Status:  "not_running",
		})
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		Message: fmt.Sprintf("session is %s", st),
		TaskID:  key,
		Status:  statusWord(st),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Snapshot())
}

type orderOut struct {
	ID         int64            `json:"id"`
	TS         string           `json:"ts"`
	Side       model.Side       `json:"side"`
	Token      string           `json:"token"`
	Strike     float64          `json:"strike"`
	OptionType model.OptionType `json:"option_type"`
	Expiry     string           `json:"expiry"`
	Lots       int64            `json:"lots"`
	LotSize    int64            `json:"lot_size"`
	Price      float64          `json:"price"`
	LivePrice  float64          `json:"live_price"`
	PnL        float64          `json:"pnl"`
	Status     string           `json:"status"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if s.deps.OrderLog == nil {
		writeJSON(w, http.StatusOK, []orderOut{})
		return
	}
	rows, err := s.deps.OrderLog.Rows()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]orderOut, 0, len(rows))
	for _, row := range rows {
		out = append(out, orderRow(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func orderRow(r orderlog.Row) orderOut {
	return orderOut{
		ID:         r.ID,
		TS:         r.TS.In(markethours.IST).Format(time.RFC3339),
		Side:       r.Side,
		Token:      r.Token,
		Strike:     r.Strike,
		OptionType: r.OptionType,
		Expiry:     r.Expiry,
		Lots:       r.Lots,
		LotSize:    r.LotSize,
		Price:      r.Price,
		LivePrice:  r.LivePrice,
		PnL:        r.PnL,
		Status:     r.Status,
	}
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Risk.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.mgr.ActiveCount(),
		"ws_clients":      s.hub.ClientCount(),
		"market_open":     markethours.IsMarketOpen(now),
		"market_status":   markethours.StatusString(now),
		"uptime_sec":      int64(time.Since(s.start).Seconds()),
		"ts":              now.UTC().Format(time.RFC3339Nano),
	})
}
