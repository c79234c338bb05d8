// Package notification delivers trading-session events to external
// channels (Telegram, generic webhooks). Delivery is best-effort: the
// session fires events and keeps trading whatever happens here.
package notification

import (
	"context"
	"log/slog"
)

// Kind classifies a session event.
type Kind string

const (
	KindSessionStart Kind = "SESSION_START"
	KindSignal       Kind = "SIGNAL"
	KindExit         Kind = "EXIT"
	KindSessionEnd   Kind = "SESSION_END"
	KindSessionAbort Kind = "SESSION_ABORT"
)

// Event is one notification to deliver.
type Event struct {
	Kind  Kind   `json:"kind"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Notifier is the interface all delivery backends implement.
type Notifier interface {
	Send(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. Used in development
// and as the fallback when no channel is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Send(_ context.Context, ev Event) error {
	n.Log.Info("notify", "kind", ev.Kind, "title", ev.Title, "text", ev.Text)
	return nil
}

// Fanout delivers to every backend, returning the first error after
// attempting all of them.
type Fanout []Notifier

func (f Fanout) Send(ctx context.Context, ev Event) error {
	var first error
	for _, n := range f {
		if err := n.Send(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
