// Package redis streams session activity (resampled candles, lifecycle
// and signal events) to Redis for external dashboards. Publishing is
// optional and strictly best-effort: a nil *Publisher is a no-op and a
// down Redis trips a breaker instead of slowing the trading loop.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"optiontrader/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: a full trading day of candles plus slack.
	candleStreamMaxLen = 2000
	eventStreamMaxLen  = 500
	latestTTL          = 30 * time.Minute
)

// Config configures the publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes candles and session events to Redis streams and
// pubsub channels. All methods are safe on a nil receiver.
type Publisher struct {
	client  *goredis.Client
	breaker *breaker
	log     *slog.Logger
}

// New connects and pings the server.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Publisher{
		client:  client,
		breaker: newBreaker(5, 10*time.Second),
		log:     logger,
	}, nil
}

// PublishCandle streams one resampled candle for a session:
// XADD + SET latest + PUBLISH in a single pipeline.
func (p *Publisher) PublishCandle(ctx context.Context, sessionKey string, c model.Candle) {
	if p == nil {
		return
	}
	data := string(c.JSON())
	err := p.breaker.do(func() error {
		pipe := p.client.Pipeline()
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: "candles:" + sessionKey,
			MaxLen: candleStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, "candles:latest:"+sessionKey, data, latestTTL)
		pipe.Publish(ctx, "pub:candles:"+sessionKey, data)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil && err != errBreakerOpen {
		p.log.Warn("redis candle publish failed", "session", sessionKey, "err", err)
	}
}

// PublishEvent streams one session event (status change, signal, order).
// The payload is marshalled to JSON alongside the kind.
func (p *Publisher) PublishEvent(ctx context.Context, sessionKey, kind string, payload interface{}) {
	if p == nil {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"kind":    kind,
		"session": sessionKey,
		"ts":      time.Now().UTC().Format(time.RFC3339),
		"payload": payload,
	})
	if err != nil {
		p.log.Warn("redis event marshal failed", "kind", kind, "err", err)
		return
	}
	data := string(body)
	err = p.breaker.do(func() error {
		pipe := p.client.Pipeline()
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: "events:" + sessionKey,
			MaxLen: eventStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Publish(ctx, "pub:events:"+sessionKey, data)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil && err != errBreakerOpen {
		p.log.Warn("redis event publish failed", "session", sessionKey, "kind", kind, "err", err)
	}
}

// Close closes the client. Safe on nil.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
