package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tidewater-ai/concierge/internal/bus"
)

// DirectLog is the degraded-mode backend used when Redis is unreachable:
// events flow straight from Enqueue to the consumer through an in-process
// channel. No durability, no replay, no cross-process ordering, but no event
// is ever dropped on the floor just because the log is down.
type DirectLog struct {
	ch     chan Entry
	seq    atomic.Int64
	closed atomic.Bool
}

// NewDirectLog creates a degraded in-process log with the given buffer size.
func NewDirectLog(buffer int) *DirectLog {
	if buffer <= 0 {
		buffer = 256
	}
	slog.Warn("event log running in degraded direct mode: no durability or replay")
	return &DirectLog{ch: make(chan Entry, buffer)}
}

func (l *DirectLog) Enqueue(ctx context.Context, ev *bus.InboundEvent) (string, error) {
	if l.closed.Load() {
		return "", fmt.Errorf("direct log closed")
	}
	id := fmt.Sprintf("direct-%d", l.seq.Add(1))
	select {
	case l.ch <- Entry{ID: id, Event: *ev}:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *DirectLog) Consume(ctx context.Context, out chan<- Entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-l.ch:
			if !ok {
				return nil
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Ack is a no-op: direct mode has no pending-entry tracking.
func (l *DirectLog) Ack(ctx context.Context, entryID string) error { return nil }

func (l *DirectLog) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.ch)
	}
	return nil
}
