// Package notify delivers operator notifications. Delivery is
// best-effort: a failed notification is logged and dropped, never
// propagated, so the pipeline cannot stall on a messaging outage.
package notify

import (
	"context"
	"log"
)

// Notifier sends an operator-facing message. threadKey groups related
// messages (one key per proposal or cycle); backends that support
// threading reply into the same thread for the same key. Notify never
// returns an error.
type Notifier interface {
	Notify(ctx context.Context, threadKey, message string)
}

// Nop discards every message
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(ctx context.Context, threadKey, message string) {}

// Multi fans a message out to several notifiers
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, threadKey, message string) {
	for _, n := range m {
		n.Notify(ctx, threadKey, message)
	}
}

// Log writes messages to a logger, used as a fallback when no backend
// is configured
type Log struct {
	Logger *log.Logger
}

// Notify implements Notifier
func (l *Log) Notify(ctx context.Context, threadKey, message string) {
	l.Logger.Printf("[notify] %s", message)
}
