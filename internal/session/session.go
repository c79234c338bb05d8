// Package session runs the intraday trading loop: one Session per
// (user, broker, index token, interval), owned by a single goroutine,
// polling market data, resampling, evaluating signals and placing
// orders until market close or cancellation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"optiontrader/internal/broker"
	"optiontrader/internal/candles"
	"optiontrader/internal/indicator"
	"optiontrader/internal/markethours"
	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
	"optiontrader/internal/notification"
	"optiontrader/internal/orderlog"
	"optiontrader/internal/risk"
	"optiontrader/internal/store/redis"
	"optiontrader/internal/strategy"
)

// ErrNoHistory aborts initialization when the broker returns no warm-up
// candles: the indicator pipeline cannot start from nothing.
var ErrNoHistory = errors.New("session: no historical candles available")

const (
	defaultLookbackDays = 30
	defaultBufferCap    = 2000
	defaultLivePoll     = 5 * time.Second
	defaultOpenPoll     = 10 * time.Second

	// Indicator rows older than this never influence signals.
	indicatorCutoffDays = 25
)

// Config holds the per-session trading parameters.
type Config struct {
	Index           string // "NIFTY", "BANKNIFTY", ...
	Token           string // broker instrument token for the index
	IntervalMinutes int    // main candle interval
	Lots            int64  // lots per entry order

	LookbackDays int           // historical warm-up window; default 30
	BufferCap    int           // candle buffer capacity; default 5000
	LivePoll     time.Duration // live-loop tick; default 5s
	OpenPoll     time.Duration // pre-open tick; default 10s
}

func (c *Config) applyDefaults() {
	if c.LookbackDays <= 0 {
		c.LookbackDays = defaultLookbackDays
	}
	if c.BufferCap <= 0 {
		c.BufferCap = defaultBufferCap
	}
	if c.LivePoll <= 0 {
		c.LivePoll = defaultLivePoll
	}
	if c.OpenPoll <= 0 {
		c.OpenPoll = defaultOpenPoll
	}
}

// Publisher streams session activity to subscribers.
// *redis.Publisher satisfies it.
type Publisher interface {
	PublishCandle(ctx context.Context, sessionKey string, c model.Candle)
	PublishEvent(ctx context.Context, sessionKey, kind string, payload interface{})
}

var _ Publisher = (*redis.Publisher)(nil)

// Deps carries the session's collaborators. Broker and Log are required;
// OrderLog, Notifier, Publisher and Metrics may be nil and degrade to
// no-ops.
type Deps struct {
	Broker    broker.Broker
	OrderLog  *orderlog.Log
	Notifier  notification.Notifier
	Publisher Publisher
	Metrics   *metrics.Metrics
	Risk      *risk.Guard
	Log       *slog.Logger

	// Now and Sleep exist for deterministic tests; nil means wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Session is one live trading run. Create with New, drive with Run.
type Session struct {
	key  string
	cfg  Config
	deps Deps

	mu    sync.RWMutex
	state State

	main *candles.Buffer // main-interval candles feeding indicators
	fine *candles.Buffer // 1-minute candles awaiting resample

	lastResampled time.Time // newest main candle produced by resampling
	nextMinute    time.Time // next 1-minute fetch boundary
	nextResample  time.Time // next resample boundary
}

// New builds a session. key identifies it in logs, streams and the
// manager registry.
func New(key string, cfg Config, deps Deps) *Session {
	cfg.applyDefaults()
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().In(markethours.IST) }
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &Session{
		key:   key,
		cfg:   cfg,
		deps:  deps,
		state: StateInitializing,
		main:  candles.NewBuffer(cfg.BufferCap),
		fine:  candles.NewBuffer(cfg.BufferCap),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Key returns the registry key.
func (s *Session) Key() string { return s.key }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(ctx context.Context, st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.deps.Log.Info("session state", "session", s.key, "state", st)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionTransitions.WithLabelValues(string(st)).Inc()
	}
	// Terminal states are usually reached on an already-cancelled ctx,
	// which would drop the final event. Publish those on their own
	// short-lived context instead.
	if st.Terminal() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	s.publishEvent(ctx, "state", map[string]string{"state": string(st)})
}

func (s *Session) publishEvent(ctx context.Context, kind string, payload interface{}) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.PublishEvent(ctx, s.key, kind, payload)
	}
}

// Run executes the full lifecycle and blocks until the session reaches
// a terminal state. Cancellation via ctx lands in CANCELLED; data or
// broker failures during initialization land in FAILED.
func (s *Session) Run(ctx context.Context) error {
	s.setState(ctx, StateInitializing)

	if err := s.initialize(ctx); err != nil {
		if ctxDone(err) {
			s.setState(ctx, StateCancelled)
			return err
		}
		s.deps.Log.Error("session initialization failed", "session", s.key, "err", err)
		s.notify(notification.KindSessionAbort, "Session aborted",
			fmt.Sprintf("%s %dm: %v", s.cfg.Index, s.cfg.IntervalMinutes, err))
		s.setState(ctx, StateFailed)
		return err
	}

	if err := s.waitForOpen(ctx); err != nil {
		s.setState(ctx, StateCancelled)
		return err
	}

	s.setState(ctx, StateLive)
	s.notify(notification.KindSessionStart, "Session live",
		fmt.Sprintf("%s %dm × %d lots", s.cfg.Index, s.cfg.IntervalMinutes, s.cfg.Lots))

	err := s.liveLoop(ctx)
	switch {
	case err == nil:
		s.setState(ctx, StateClosed)
	case ctxDone(err):
		s.setState(ctx, StateCancelled)
	default:
		s.deps.Log.Error("session live loop failed", "session", s.key, "err", err)
		s.notify(notification.KindSessionAbort, "Session aborted",
			fmt.Sprintf("%s %dm: %v", s.cfg.Index, s.cfg.IntervalMinutes, err))
		s.setState(ctx, StateFailed)
	}
	return err
}

func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// initialize warms up the buffers and seeds the polling boundaries.
func (s *Session) initialize(ctx context.Context) error {
	now := s.deps.Now()

	from := markethours.TodayOpen(now).AddDate(0, 0, -s.cfg.LookbackDays)
	hist, err := s.deps.Broker.HistoricalCandles(ctx, s.cfg.Token, s.cfg.IntervalMinutes, from, now)
	if err != nil {
		s.countFetchFailure("historical")
		return fmt.Errorf("historical fetch: %w", err)
	}
	if len(hist) == 0 {
		return ErrNoHistory
	}
	s.main.AppendAll(hist)

	// Catch up today's candles when joining mid-session. Failures here
	// are tolerable: the live loop refills both buffers as it runs.
	if now.After(markethours.TodayOpen(now)) {
		today, err := s.deps.Broker.HistoricalCandles(ctx, s.cfg.Token, s.cfg.IntervalMinutes, markethours.TodayOpen(now), now)
		if err != nil {
			s.countFetchFailure("historical")
			s.deps.Log.Warn("intraday catch-up fetch failed", "session", s.key, "err", err)
		} else {
			s.main.AppendAll(today)
		}
		fine, err := s.deps.Broker.IntradayCandles(ctx, s.cfg.Token)
		if err != nil {
			s.countFetchFailure("minute")
			s.deps.Log.Warn("intraday minute fetch failed", "session", s.key, "err", err)
		} else {
			s.fine.AppendAll(fine)
		}
	}

	// Prove the pipeline has enough usable data before going live.
	if _, err := indicator.Compute(s.main.Snapshot(), now.AddDate(0, 0, -indicatorCutoffDays)); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}

	last, _ := s.main.Last()
	s.lastResampled = last.TS
	s.nextResample = markethours.NextBoundary(s.cfg.IntervalMinutes, last.TS)
	s.nextMinute = markethours.NextBoundary(1, now)

	s.deps.Log.Info("session initialized",
		"session", s.key,
		"main_candles", s.main.Len(),
		"fine_candles", s.fine.Len(),
		"next_resample", s.nextResample,
	)
	return nil
}

// waitForOpen idles until market open, polling coarsely.
func (s *Session) waitForOpen(ctx context.Context) error {
	if !s.deps.Now().Before(markethours.TodayOpen(s.deps.Now())) {
		return nil
	}
	s.setState(ctx, StateWaitingForOpen)
	for {
		now := s.deps.Now()
		if !now.Before(markethours.TodayOpen(now)) {
			return nil
		}
		if err := s.deps.Sleep(ctx, s.cfg.OpenPoll); err != nil {
			return err
		}
	}
}

// liveLoop polls until the post-close cutoff. Each tick runs the
// 1-minute step when its boundary passed, then the resample step when
// its boundary passed and a full bucket of minute candles is buffered.
// A short fine buffer leaves the resample boundary untouched so the
// bucket is retried next tick.
func (s *Session) liveLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.deps.Now()

		if !now.Before(markethours.SessionCutoff(now)) {
			s.closeOut(ctx)
			return nil
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.CyclesTotal.Inc()
		}

		if !now.Before(s.nextMinute) {
			s.minuteStep(ctx, now)
		}
		if !now.Before(s.nextResample) && s.fine.Len() >= s.cfg.IntervalMinutes {
			s.resampleStep(ctx, now)
			s.nextResample = markethours.NextBoundary(s.cfg.IntervalMinutes, now)
		}

		if err := s.deps.Sleep(ctx, s.cfg.LivePoll); err != nil {
			return err
		}
	}
}

// minuteStep pulls completed 1-minute candles into the fine buffer.
// The boundary advances whether or not the fetch succeeded; a
// missed candle is recovered by the next intraday fallback, and stalling
// the boundary would re-fetch the same bar every tick.
func (s *Session) minuteStep(ctx context.Context, now time.Time) {
	defer func() { s.nextMinute = markethours.NextBoundary(1, now) }()

	c, err := s.deps.Broker.LatestMinuteCandle(ctx, s.cfg.Token)
	if errors.Is(err, broker.ErrNotSupported) {
		cs, err2 := s.deps.Broker.IntradayCandles(ctx, s.cfg.Token)
		if err2 != nil {
			s.countFetchFailure("minute")
			s.deps.Log.Warn("minute fetch failed", "session", s.key, "err", err2)
			return
		}
		// The full response backfills minutes missed on failed ticks;
		// the buffer drops what it already holds.
		s.fine.AppendAll(cs)
		return
	} else if err != nil {
		s.countFetchFailure("minute")
		s.deps.Log.Warn("minute fetch failed", "session", s.key, "err", err)
		return
	}
	if c == nil {
		return
	}
	s.fine.Append(*c)
}

// resampleStep is one full evaluation cycle: mark open orders to
// market, fold minute candles into main-interval bars, recompute
// indicators and act on the latest row.
func (s *Session) resampleStep(ctx context.Context, now time.Time) {
	if s.deps.OrderLog != nil {
		if err := s.deps.OrderLog.UpdateValuations(s.livePriceFn(ctx), false); err != nil {
			s.countOrderLogFailure()
			s.deps.Log.Warn("order valuation pass failed", "session", s.key, "err", err)
		}
	}

	for _, b := range candles.Resample(s.fine.Snapshot(), s.cfg.IntervalMinutes) {
		if !b.TS.After(s.lastResampled) {
			continue
		}
		if s.main.Append(b) {
			s.lastResampled = b.TS
			if s.deps.Publisher != nil {
				s.deps.Publisher.PublishCandle(ctx, s.key, b)
			}
		}
	}

	started := time.Now()
	rows, err := indicator.Compute(s.main.Snapshot(), now.AddDate(0, 0, -indicatorCutoffDays))
	if s.deps.Metrics != nil {
		s.deps.Metrics.IndicatorComputeDur.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		s.deps.Log.Warn("indicator pipeline skipped cycle", "session", s.key, "err", err)
		return
	}
	row := rows[len(rows)-1]

	positions, err := s.deps.Broker.Positions(ctx)
	if err != nil {
		s.countFetchFailure("positions")
		s.deps.Log.Warn("positions fetch failed", "session", s.key, "err", err)
		return
	}

	d := strategy.Evaluate(row, positions)
	if d.Entry != strategy.EntryNone {
		s.enter(ctx, now, row, d, openOptionCount(positions))
	}
	for _, p := range d.Exits {
		s.exit(ctx, p)
	}
}

func openOptionCount(positions []model.Position) int {
	n := 0
	for i := range positions {
		if positions[i].Qty > 0 && positions[i].OptionType() != "" {
			n++
		}
	}
	return n
}

// enter resolves the at-the-money contract and places the buy. The
// entry is priced at the index close, matching the signal row.
func (s *Session) enter(ctx context.Context, now time.Time, row indicator.Row, d strategy.Decision, openPositions int) {
	opt := model.OptionCall
	side := "call"
	if d.Entry == strategy.EntryBuyPut {
		opt = model.OptionPut
		side = "put"
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SignalsTotal.WithLabelValues(side).Inc()
	}
	s.notify(notification.KindSignal, d.Entry.String(),
		fmt.Sprintf("%s @ %.2f — %s", s.cfg.Index, row.Close, d.Reason))
	s.publishEvent(ctx, "signal", map[string]interface{}{
		"entry": d.Entry.String(), "close": row.Close, "reason": d.Reason,
	})

	if ok, reason := s.deps.Risk.CanEnter(openPositions, s.cfg.Lots); !ok {
		s.deps.Log.Warn("entry blocked by risk guard", "session", s.key, "reason", reason)
		return
	}

	inst, err := s.deps.Broker.ResolveOption(ctx, s.cfg.Index, row.Close, opt)
	if err != nil {
		s.deps.Log.Error("option resolution failed", "session", s.key, "side", side, "err", err)
		return
	}

	qty := s.cfg.Lots * int64(inst.LotSize)
	orderID, err := s.deps.Broker.PlaceOrder(ctx, model.OrderRequest{
		Token:         inst.Token,
		TradingSymbol: inst.TradingSymbol,
		Qty:           qty,
		Side:          model.SideBuy,
		Price:         row.Close,
	})
	if err != nil {
		s.deps.Log.Error("entry order failed", "session", s.key, "symbol", inst.TradingSymbol, "err", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.OrdersTotal.WithLabelValues(string(model.SideBuy)).Inc()
	}
	s.deps.Log.Info("entry order placed",
		"session", s.key, "order_id", orderID,
		"symbol", inst.TradingSymbol, "qty", qty, "price", row.Close,
	)
	s.publishEvent(ctx, "order", map[string]interface{}{
		"order_id": orderID, "symbol": inst.TradingSymbol,
		"side": model.SideBuy, "qty": qty, "price": row.Close,
	})

	if s.deps.OrderLog != nil {
		err := s.deps.OrderLog.Append(orderlog.Entry{
			TS:         now,
			Side:       model.SideBuy,
			Token:      inst.Token,
			Strike:     inst.Strike,
			OptionType: opt,
			Expiry:     inst.Expiry.Format("2006-01-02"),
			Lots:       s.cfg.Lots,
			LotSize:    int64(inst.LotSize),
			Price:      row.Close,
		})
		if err != nil {
			s.countOrderLogFailure()
			s.deps.Log.Warn("order log append failed", "session", s.key, "err", err)
		}
	}
}

// exit squares off one position at market and settles its audit rows.
func (s *Session) exit(ctx context.Context, p model.Position) {
	orderID, err := s.deps.Broker.PlaceOrder(ctx, model.OrderRequest{
		Token:         p.Token,
		TradingSymbol: p.TradingSymbol,
		Qty:           p.Qty,
		Side:          model.SideSell,
		Price:         0,
	})
	if err != nil {
		s.deps.Log.Error("exit order failed", "session", s.key, "symbol", p.TradingSymbol, "err", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ExitsTotal.Inc()
		s.deps.Metrics.OrdersTotal.WithLabelValues(string(model.SideSell)).Inc()
	}
	s.deps.Log.Info("exit order placed",
		"session", s.key, "order_id", orderID, "symbol", p.TradingSymbol, "qty", p.Qty,
	)
	s.notify(notification.KindExit, "Position squared off",
		fmt.Sprintf("%s × %d", p.TradingSymbol, p.Qty))
	s.publishEvent(ctx, "order", map[string]interface{}{
		"order_id": orderID, "symbol": p.TradingSymbol,
		"side": model.SideSell, "qty": p.Qty,
	})

	if lp, err := s.deps.Broker.LivePrice(ctx, p.Token); err == nil {
		if p.AvgPrice > 0 {
			s.deps.Risk.RecordPnL((lp - p.AvgPrice) * float64(p.Qty))
		}
		if s.deps.OrderLog != nil {
			if err := s.deps.OrderLog.MarkCompleted(p.Token, lp); err != nil {
				s.countOrderLogFailure()
				s.deps.Log.Warn("order log completion failed", "session", s.key, "err", err)
			}
		}
		return
	}
	s.countFetchFailure("ltp")
	if s.deps.OrderLog != nil {
		if err := s.deps.OrderLog.UpdateValuations(s.livePriceFn(ctx), true); err != nil {
			s.countOrderLogFailure()
			s.deps.Log.Warn("order log completion failed", "session", s.key, "err", err)
		}
	}
}

// closeOut runs the end-of-day settlement: final valuations, summary
// notification, done.
func (s *Session) closeOut(ctx context.Context) {
	if s.deps.OrderLog != nil {
		if err := s.deps.OrderLog.UpdateValuations(s.livePriceFn(ctx), true); err != nil {
			s.countOrderLogFailure()
			s.deps.Log.Warn("final valuation pass failed", "session", s.key, "err", err)
		}
	}
	s.notify(notification.KindSessionEnd, "Market closed",
		fmt.Sprintf("%s %dm session finished. %s", s.cfg.Index, s.cfg.IntervalMinutes, s.pnlSummary()))
	s.deps.Log.Info("session closed at market close", "session", s.key)
}

func (s *Session) pnlSummary() string {
	if s.deps.OrderLog == nil {
		return "No order log configured."
	}
	rows, err := s.deps.OrderLog.Rows()
	if err != nil || len(rows) == 0 {
		return "No orders placed."
	}
	var pnl float64
	for _, r := range rows {
		pnl += r.PnL
	}
	return fmt.Sprintf("%d orders, P&L %.2f", len(rows), pnl)
}

func (s *Session) livePriceFn(ctx context.Context) func(string) (float64, error) {
	return func(token string) (float64, error) {
		return s.deps.Broker.LivePrice(ctx, token)
	}
}

// notify delivers one event best-effort with its own timeout so a slow
// channel cannot stall the loop.
func (s *Session) notify(kind notification.Kind, title, text string) {
	if s.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Notifier.Send(ctx, notification.Event{Kind: kind, Title: title, Text: text}); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.NotifyFailures.Inc()
		}
		s.deps.Log.Warn("notification failed", "session", s.key, "kind", kind, "err", err)
	}
}

func (s *Session) countFetchFailure(kind string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.FetchFailures.WithLabelValues(kind).Inc()
	}
}

func (s *Session) countOrderLogFailure() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.OrderLogFailures.Inc()
	}
}
