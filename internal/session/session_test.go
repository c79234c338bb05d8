package session

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/internal/broker"
	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
	"optiontrader/internal/notification"
	"optiontrader/internal/orderlog"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker is a scriptable in-memory broker.
type fakeBroker struct {
	mu sync.Mutex

	hist      []model.Candle
	histErr   error
	intraday  []model.Candle
	minute    *model.Candle
	minuteErr error
	ltp       float64

	positions      []model.Position
	positionsCalls int

	inst       model.OptionInstrument
	resolveErr error

	orders []model.OrderRequest
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) Profile(context.Context) (model.Profile, error) {
	return model.Profile{UserID: "T001"}, nil
}

func (b *fakeBroker) Balance(context.Context) (model.Balance, error) {
	return model.Balance{Total: 100000, Available: 100000}, nil
}

func (b *fakeBroker) HistoricalCandles(_ context.Context, _ string, _ int, from, to time.Time) ([]model.Candle, error) {
	if b.histErr != nil {
		return nil, b.histErr
	}
	var out []model.Candle
	for _, c := range b.hist {
		if !c.TS.Before(from) && !c.TS.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *fakeBroker) IntradayCandles(context.Context, string) ([]model.Candle, error) {
	return b.intraday, nil
}

func (b *fakeBroker) LatestMinuteCandle(context.Context, string) (*model.Candle, error) {
	if b.minuteErr != nil {
		return nil, b.minuteErr
	}
	return b.minute, nil
}

func (b *fakeBroker) LivePrice(context.Context, string) (float64, error) {
	return b.ltp, nil
}

func (b *fakeBroker) Positions(context.Context) ([]model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionsCalls++
	return b.positions, nil
}

func (b *fakeBroker) PlaceOrder(_ context.Context, req model.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, req)
	return "ORD-1", nil
}

func (b *fakeBroker) ResolveOption(context.Context, string, float64, model.OptionType) (model.OptionInstrument, error) {
	if b.resolveErr != nil {
		return model.OptionInstrument{}, b.resolveErr
	}
	return b.inst, nil
}

func (b *fakeBroker) orderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// fakeEnv drives a session with a synthetic clock: every Sleep advances
// virtual time, optionally cancelling the run after N sleeps.
type fakeEnv struct {
	mu          sync.Mutex
	now         time.Time
	frozen      bool
	sleeps      int
	cancelAfter int
	cancel      context.CancelFunc
}

func (e *fakeEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *fakeEnv) Sleep(ctx context.Context, d time.Duration) error {
	e.mu.Lock()
	if !e.frozen {
		e.now = e.now.Add(d)
	}
	e.sleeps++
	if e.cancelAfter > 0 && e.sleeps >= e.cancelAfter && e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	return ctx.Err()
}

// recNotifier records delivered event kinds.
type recNotifier struct {
	mu    sync.Mutex
	kinds []notification.Kind
}

func (n *recNotifier) Send(_ context.Context, ev notification.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, ev.Kind)
	return nil
}

func (n *recNotifier) has(k notification.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, got := range n.kinds {
		if got == k {
			return true
		}
	}
	return false
}

// recPublisher records state events with the liveness of the context
// they were published on.
type recPublisher struct {
	mu      sync.Mutex
	states  []string
	ctxErrs []error
}

func (p *recPublisher) PublishCandle(context.Context, string, model.Candle) {}

func (p *recPublisher) PublishEvent(ctx context.Context, _ string, kind string, payload interface{}) {
	if kind != "state" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := payload.(map[string]string); ok {
		p.states = append(p.states, m["state"])
		p.ctxErrs = append(p.ctxErrs, ctx.Err())
	}
}

// fiveMin builds n five-minute candles starting 09:15 on day with the
// given closes.
func fiveMin(day time.Time, closes []float64) []model.Candle {
	cs := make([]model.Candle, 0, len(closes))
	ts := time.Date(day.Year(), day.Month(), day.Day(), 9, 15, 0, 0, markethours.IST)
	prev := closes[0]
	for _, cl := range closes {
		hi := math.Max(prev, cl) + 2
		lo := math.Min(prev, cl) - 2
		cs = append(cs, model.Candle{TS: ts, Open: prev, High: hi, Low: lo, Close: cl})
		prev = cl
		ts = ts.Add(5 * time.Minute)
	}
	return cs
}

func sineCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + 8*math.Sin(0.9*float64(i))
	}
	return out
}

var testDay = time.Date(2026, time.August, 20, 0, 0, 0, 0, markethours.IST)

func newTestSession(t *testing.T, b broker.Broker, env *fakeEnv, n notification.Notifier, olog *orderlog.Log) *Session {
	t.Helper()
	return New(Key("T001", "fake", "26000", 5), Config{
		Index:           "NIFTY",
		Token:           "26000",
		IntervalMinutes: 5,
		Lots:            2,
	}, Deps{
		Broker:   b,
		OrderLog: olog,
		Notifier: n,
		Log:      discardLog(),
		Now:      env.Now,
		Sleep:    env.Sleep,
	})
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Index: "NIFTY", Token: "26000", IntervalMinutes: 5, Lots: 1}
	c.applyDefaults()
	assert.Equal(t, 30, c.LookbackDays)
	assert.Equal(t, 2000, c.BufferCap)
	assert.Equal(t, 5*time.Second, c.LivePoll)
	assert.Equal(t, 10*time.Second, c.OpenPoll)
}

func TestRun_NoHistoryFailsWithoutOrders(t *testing.T) {
	b := &fakeBroker{} // no historical candles at all
	env := &fakeEnv{now: testDay.Add(10 * time.Hour)}
	notes := &recNotifier{}
	s := newTestSession(t, b, env, notes, nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrNoHistory)
	assert.Equal(t, StateFailed, s.State())
	assert.Zero(t, b.orderCount())
	assert.True(t, notes.has(notification.KindSessionAbort))
}

func TestRun_ShortFineBufferSkipsResample(t *testing.T) {
	// 40 warm-up candles ending 12:30; the 12:35 boundary has passed but
	// only two minute candles are buffered, so no resample may happen
	// and the boundary must hold for a retry.
	hist := fiveMin(testDay, sineCloses(40))
	lastTS := hist[len(hist)-1].TS
	b := &fakeBroker{
		hist: hist,
		intraday: []model.Candle{
			{TS: lastTS.Add(5 * time.Minute), Open: 100, High: 102, Low: 99, Close: 101},
			{TS: lastTS.Add(6 * time.Minute), Open: 101, High: 103, Low: 100, Close: 102},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &fakeEnv{now: lastTS.Add(10 * time.Minute), cancelAfter: 3, cancel: cancel}
	s := newTestSession(t, b, env, nil, nil)

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, s.State())

	wantBoundary := markethours.NextBoundary(5, lastTS)
	assert.True(t, s.nextResample.Equal(wantBoundary), "resample boundary must not advance")
	assert.Zero(t, b.positionsCalls, "no evaluation cycle may run")
	assert.Zero(t, b.orderCount())
}

func TestRun_ResampleCycleEntersCall(t *testing.T) {
	// 59 warm-up candles: 30 bars of sideways chop, then a hard climb.
	// Five buffered minute candles complete the 14:10 bucket; the cycle
	// must resample it, see the climb and buy a call at the index close.
	closes := sineCloses(60)
	for i := 30; i < 60; i++ {
		closes[i] = closes[29] + 6*float64(i-29)
	}
	hist := fiveMin(testDay, closes)
	warmup, lastBar := hist[:59], hist[59]

	fine := make([]model.Candle, 0, 5)
	for j := 0; j < 5; j++ {
		frac := float64(j+1) / 5
		cl := closes[58] + frac*(closes[59]-closes[58])
		fine = append(fine, model.Candle{
			TS:   lastBar.TS.Add(time.Duration(j) * time.Minute),
			Open: closes[58], High: cl + 2, Low: closes[58] - 2, Close: cl,
		})
	}

	olog, err := orderlog.Open(":memory:", discardLog())
	require.NoError(t, err)
	defer olog.Close()

	b := &fakeBroker{
		hist:     warmup,
		intraday: fine,
		ltp:      130,
		inst: model.OptionInstrument{
			Token:         "54321",
			TradingSymbol: "NIFTY25AUG24500CE",
			Strike:        24500,
			OptionType:    model.OptionCall,
			LotSize:       75,
			Expiry:        testDay.AddDate(0, 0, 7),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &fakeEnv{now: lastBar.TS.Add(5*time.Minute + time.Second), cancelAfter: 1, cancel: cancel}
	notes := &recNotifier{}
	s := newTestSession(t, b, env, notes, olog)

	err = s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, b.orderCount())
	ord := b.orders[0]
	assert.Equal(t, model.SideBuy, ord.Side)
	assert.Equal(t, "54321", ord.Token)
	assert.Equal(t, int64(2*75), ord.Qty)
	assert.InDelta(t, closes[59], ord.Price, 1e-9, "entry priced at index close")

	assert.True(t, notes.has(notification.KindSessionStart))
	assert.True(t, notes.has(notification.KindSignal))

	rows, err := olog.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, orderlog.StatusRunning, rows[0].Status)
	assert.Equal(t, 24500.0, rows[0].Strike)
	assert.Equal(t, model.OptionCall, rows[0].OptionType)
}

func TestRun_MarketCloseSettlesAndCloses(t *testing.T) {
	hist := fiveMin(testDay, sineCloses(40))
	b := &fakeBroker{hist: hist, ltp: 120}

	olog, err := orderlog.Open(":memory:", discardLog())
	require.NoError(t, err)
	defer olog.Close()
	require.NoError(t, olog.Append(orderlog.Entry{
		TS: testDay.Add(11 * time.Hour), Side: model.SideBuy, Token: "54321",
		Strike: 24500, OptionType: model.OptionCall, Expiry: "2026-08-27",
		Lots: 1, LotSize: 75, Price: 100,
	}))

	// Clock already past the 15:31 cutoff: the loop must settle and
	// close on its first tick.
	env := &fakeEnv{now: time.Date(2026, time.August, 20, 15, 31, 30, 0, markethours.IST)}
	notes := &recNotifier{}
	s := newTestSession(t, b, env, notes, olog)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, notes.has(notification.KindSessionEnd))

	rows, err := olog.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, orderlog.StatusCompleted, rows[0].Status)
	assert.Equal(t, 120.0, rows[0].LivePrice)
	assert.Equal(t, (120.0-100.0)*75, rows[0].PnL)
}

func TestMinuteStep_IntradayFallbackBackfills(t *testing.T) {
	// A broker without a minute-candle endpoint falls back to the
	// intraday feed; all of its candles must land in the fine buffer so
	// minutes missed on failed ticks are recovered.
	base := time.Date(2026, time.August, 20, 12, 31, 0, 0, markethours.IST)
	cs := make([]model.Candle, 0, 3)
	for j := 0; j < 3; j++ {
		cs = append(cs, model.Candle{
			TS: base.Add(time.Duration(j) * time.Minute),
			Open: 100, High: 102, Low: 99, Close: 101,
		})
	}
	b := &fakeBroker{minuteErr: broker.ErrNotSupported, intraday: cs}
	env := &fakeEnv{now: base.Add(3 * time.Minute)}
	s := newTestSession(t, b, env, nil, nil)

	// The first candle is already buffered; the next two were missed.
	require.True(t, s.fine.Append(cs[0]))
	s.minuteStep(context.Background(), env.Now())

	assert.Equal(t, 3, s.fine.Len())
	last, ok := s.fine.Last()
	require.True(t, ok)
	assert.True(t, last.TS.Equal(cs[2].TS))
}

func TestRun_CancelStillPublishesTerminalState(t *testing.T) {
	// The final CANCELLED event is published after the run context has
	// been cancelled; it must go out on a live context of its own.
	hist := fiveMin(testDay, sineCloses(40))
	lastTS := hist[len(hist)-1].TS

	ctx, cancel := context.WithCancel(context.Background())
	env := &fakeEnv{now: lastTS.Add(10 * time.Minute), cancelAfter: 1, cancel: cancel}
	pub := &recPublisher{}
	s := New(Key("T001", "fake", "26000", 5), Config{
		Index: "NIFTY", Token: "26000", IntervalMinutes: 5, Lots: 1,
	}, Deps{
		Broker:    &fakeBroker{hist: hist},
		Publisher: pub,
		Log:       discardLog(),
		Now:       env.Now,
		Sleep:     env.Sleep,
	})

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateCancelled, s.State())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.states)
	last := len(pub.states) - 1
	assert.Equal(t, string(StateCancelled), pub.states[last])
	assert.NoError(t, pub.ctxErrs[last], "terminal state event dropped with the run context")
}

func TestManager_OneSessionPerKey(t *testing.T) {
	// Frozen mid-day clock: the session spins until stopped.
	mk := func() *Session {
		hist := fiveMin(testDay, sineCloses(40))
		env := &fakeEnv{now: testDay.Add(14 * time.Hour), frozen: true}
		return New(Key("T001", "fake", "26000", 5), Config{
			Index: "NIFTY", Token: "26000", IntervalMinutes: 5, Lots: 1,
			LivePoll: time.Millisecond, OpenPoll: time.Millisecond,
		}, Deps{
			Broker: &fakeBroker{hist: hist},
			Log:    discardLog(),
			Now:    env.Now,
		})
	}

	m := NewManager(discardLog(), nil)
	first := mk()
	require.NoError(t, m.Start(context.Background(), first))

	err := m.Start(context.Background(), mk())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, m.Stop(first.Key()))
	assert.Equal(t, StateCancelled, first.State())

	st, err := m.StateOf(first.Key())
	require.NoError(t, err)
	assert.True(t, st.Terminal())

	// A terminal session frees the key.
	second := mk()
	require.NoError(t, m.Start(context.Background(), second))
	require.NoError(t, m.Stop(second.Key()))

	_, err = m.StateOf("nobody:fake:1:5")
	require.ErrorIs(t, err, ErrNotFound)
}
