// Package paper wraps a real broker with simulated execution: market
// data, instrument resolution and prices come from the underlying
// broker, while orders fill locally with configurable slippage and
// positions are tracked in memory. Lets the whole engine dry-run
// against live data without touching real money.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"optiontrader/internal/broker"
	"optiontrader/internal/model"
)

// Broker is a paper-trading decorator around a data broker.
type Broker struct {
	data        broker.Broker
	slippageBps int64
	log         *slog.Logger

	mu        sync.Mutex
	seq       int64
	positions map[string]*model.Position // keyed by token
}

// Wrap builds a paper broker on top of data. slippageBps simulates
// fill slippage in basis points (5 = 0.05%); buys fill higher, sells
// lower.
func Wrap(data broker.Broker, slippageBps int64, logger *slog.Logger) *Broker {
	return &Broker{
		data:        data,
		slippageBps: slippageBps,
		log:         logger,
		positions:   make(map[string]*model.Position),
	}
}

func (b *Broker) Name() string { return b.data.Name() + "-paper" }

func (b *Broker) Profile(ctx context.Context) (model.Profile, error) {
	return b.data.Profile(ctx)
}

func (b *Broker) Balance(ctx context.Context) (model.Balance, error) {
	return b.data.Balance(ctx)
}

func (b *Broker) HistoricalCandles(ctx context.Context, token string, intervalMinutes int, from, to time.Time) ([]model.Candle, error) {
	return b.data.HistoricalCandles(ctx, token, intervalMinutes, from, to)
}

func (b *Broker) IntradayCandles(ctx context.Context, token string) ([]model.Candle, error) {
	return b.data.IntradayCandles(ctx, token)
}

func (b *Broker) LatestMinuteCandle(ctx context.Context, token string) (*model.Candle, error) {
	return b.data.LatestMinuteCandle(ctx, token)
}

func (b *Broker) LivePrice(ctx context.Context, token string) (float64, error) {
	return b.data.LivePrice(ctx, token)
}

func (b *Broker) ResolveOption(ctx context.Context, index string, spot float64, opt model.OptionType) (model.OptionInstrument, error) {
	return b.data.ResolveOption(ctx, index, spot, opt)
}

// Positions returns the simulated net positions.
func (b *Broker) Positions(context.Context) ([]model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

// PlaceOrder fills immediately. Market orders (price 0) fill at the
// live price from the data broker; limit orders fill at their price.
// Slippage is applied against the order's direction.
func (b *Broker) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	fill := req.Price
	if fill == 0 {
		lp, err := b.data.LivePrice(ctx, req.Token)
		if err != nil {
			return "", fmt.Errorf("paper: market fill price: %w", err)
		}
		fill = lp
	}
	if b.slippageBps > 0 {
		slip := fill * float64(b.slippageBps) / 10000
		if req.Side == model.SideBuy {
			fill += slip
		} else {
			fill -= slip
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	orderID := fmt.Sprintf("PAPER-%d", b.seq)

	pos, ok := b.positions[req.Token]
	if !ok {
		pos = &model.Position{Token: req.Token, TradingSymbol: req.TradingSymbol}
		b.positions[req.Token] = pos
	}
	if pos.TradingSymbol == "" {
		pos.TradingSymbol = req.TradingSymbol
	}

	switch req.Side {
	case model.SideBuy:
		total := pos.AvgPrice*float64(pos.Qty) + fill*float64(req.Qty)
		pos.Qty += req.Qty
		if pos.Qty > 0 {
			pos.AvgPrice = total / float64(pos.Qty)
		}
	case model.SideSell:
		pos.Qty -= req.Qty
		if pos.Qty <= 0 {
			delete(b.positions, req.Token)
		}
	default:
		return "", fmt.Errorf("paper: unknown side %q", req.Side)
	}

	b.log.Info("paper fill",
		"order_id", orderID, "side", req.Side,
		"symbol", req.TradingSymbol, "token", req.Token,
		"qty", req.Qty, "price", fill,
	)
	return orderID, nil
}
