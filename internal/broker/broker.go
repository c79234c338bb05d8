// Package broker defines the port the trading session drives and the
// adapters that implement it for each supported brokerage.
package broker

import (
	"context"
	"errors"
	"time"

	"optiontrader/internal/model"
)

// ErrNotSupported is returned by adapters for optional capabilities
// they cannot serve (e.g. single-minute candle fetch).
var ErrNotSupported = errors.New("broker: operation not supported")

// Broker is the full brokerage surface the session needs. All calls are
// synchronous and honor ctx cancellation; adapters must be safe for use
// from a single session goroutine plus occasional status reads.
type Broker interface {
	// Name identifies the backend ("angelone", "upstox", "zerodha").
	Name() string

	// Profile verifies the credentials and returns account identity.
	Profile(ctx context.Context) (model.Profile, error)

	// Balance returns the available trading funds.
	Balance(ctx context.Context) (model.Balance, error)

	// HistoricalCandles returns daily-scope candles at the given
	// interval for warm-up. An empty slice signals unavailability.
	HistoricalCandles(ctx context.Context, token string, intervalMinutes int, from, to time.Time) ([]model.Candle, error)

	// IntradayCandles returns today's 1-minute candles so far.
	IntradayCandles(ctx context.Context, token string) ([]model.Candle, error)

	// LatestMinuteCandle returns the most recent completed 1-minute
	// candle, or nil when the feed has nothing newer. Adapters without
	// a cheap single-candle endpoint return ErrNotSupported and the
	// session falls back to IntradayCandles.
	LatestMinuteCandle(ctx context.Context, token string) (*model.Candle, error)

	// LivePrice returns the last traded price for a token.
	LivePrice(ctx context.Context, token string) (float64, error)

	// Positions returns the current net positions snapshot.
	Positions(ctx context.Context) ([]model.Position, error)

	// PlaceOrder submits an order and returns the broker order ID.
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)

	// ResolveOption finds the tradeable option contract for an index
	// at the given strike and side, nearest expiry first.
	ResolveOption(ctx context.Context, index string, strike float64, opt model.OptionType) (model.OptionInstrument, error)
}
