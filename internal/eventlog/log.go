// Package eventlog is the durable, at-least-once event log feeding the
// control plane. The production backend is a Redis Stream with consumer-group
// semantics; a degraded in-process backend exists so an unreachable log never
// drops an event.
package eventlog

import (
	"context"

	"github.com/tidewater-ai/concierge/internal/bus"
)

// Entry is one delivered log entry awaiting acknowledgment.
type Entry struct {
	ID    string
	Event bus.InboundEvent
}

// Log is the durable event log contract. Delivery is at-least-once: entries
// not acknowledged before a consumer crash are replayed to the next consumer.
type Log interface {
	// Enqueue appends an event durably and returns its entry ID.
	Enqueue(ctx context.Context, ev *bus.InboundEvent) (string, error)

	// Consume delivers unacknowledged entries to out until ctx is cancelled.
	// Entries previously delivered but never acknowledged are replayed first.
	Consume(ctx context.Context, out chan<- Entry) error

	// Ack marks an entry as fully processed.
	Ack(ctx context.Context, entryID string) error

	Close() error
}
