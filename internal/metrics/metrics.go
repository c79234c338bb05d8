// Package metrics exposes Prometheus instrumentation and the health
// endpoint for the trading engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	SessionsActive prometheus.Gauge
	CyclesTotal    prometheus.Counter

	SignalsTotal *prometheus.CounterVec // labels: side=call|put
	ExitsTotal   prometheus.Counter
	OrdersTotal  *prometheus.CounterVec // labels: side=BUY|SELL

	FetchFailures    *prometheus.CounterVec // labels: kind=minute|historical|positions|ltp
	OrderLogFailures prometheus.Counter
	NotifyFailures   prometheus.Counter

	IndicatorComputeDur prometheus.Histogram

	SessionTransitions *prometheus.CounterVec // labels: state
}

// New registers and returns the engine metrics.
func New() *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_sessions_active",
			Help: "Currently running trading sessions",
		}),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_cycles_total",
			Help: "Total live-loop evaluation cycles executed",
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Entry signals generated (by option side)",
		}, []string{"side"}),
		ExitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_exits_total",
			Help: "Exit signals generated",
		}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders placed with the broker (by transaction side)",
		}, []string{"side"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_fetch_failures_total",
			Help: "Broker data fetch failures (by fetch kind)",
		}, []string{"kind"}),
		OrderLogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_order_log_failures_total",
			Help: "Order audit log writes that failed",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_notify_failures_total",
			Help: "Notification deliveries that failed",
		}),
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_indicator_compute_duration_seconds",
			Help:    "Indicator pipeline latency per cycle",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_session_transitions_total",
			Help: "Session lifecycle transitions (by target state)",
		}, []string{"state"}),
	}

	prometheus.MustRegister(
		m.SessionsActive,
		m.CyclesTotal,
		m.SignalsTotal,
		m.ExitsTotal,
		m.OrdersTotal,
		m.FetchFailures,
		m.OrderLogFailures,
		m.NotifyFailures,
		m.IndicatorComputeDur,
		m.SessionTransitions,
	)
	return m
}

// HealthStatus tracks dependency health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool
	RedisLatencyMs float64
	OrderLogOK     bool
	OrderLogLatMs  float64
	ActiveSessions int
	LastCheckAt    time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{OrderLogOK: true, StartedAt: time.Now()}
}

func (h *HealthStatus) SetActiveSessions(n int) {
	h.mu.Lock()
	h.ActiveSessions = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	lat := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(lat.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckOrderLog pings the audit database and records latency and health.
func (h *HealthStatus) CheckOrderLog(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	lat := time.Since(start)

	h.mu.Lock()
	h.OrderLogOK = err == nil
	h.OrderLogLatMs = float64(lat.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes until ctx ends.
// Either dependency may be nil when not configured.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckOrderLog(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.OrderLogOK {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		ActiveSessions int     `json:"active_sessions"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		OrderLogOK     bool    `json:"order_log_ok"`
		OrderLogLatMs  float64 `json:"order_log_latency_ms"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         overall,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		ActiveSessions: h.ActiveSessions,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		OrderLogOK:     h.OrderLogOK,
		OrderLogLatMs:  h.OrderLogLatMs,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer builds the metrics and health server.
func NewServer(addr string, health *HealthStatus, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
		log:  logger,
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
