package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/ledger"
)

// RetryingStore wraps a Store with exponential backoff on transient faults.
// When retries exhaust the error surfaces to the caller, which reports a
// plain transient failure to the user instead of dropping the turn silently.
type RetryingStore struct {
	inner    Store
	attempts int
	base     time.Duration
}

func WithRetry(inner Store, cfg config.CheckpointConfig) *RetryingStore {
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	base := time.Duration(cfg.RetryBaseMs) * time.Millisecond
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return &RetryingStore{inner: inner, attempts: attempts, base: base}
}

func (s *RetryingStore) Load(ctx context.Context, conversationID string) (*ledger.ConversationState, error) {
	var state *ledger.ConversationState
	err := s.do(ctx, "load", func() error {
		var err error
		state, err = s.inner.Load(ctx, conversationID)
		return err
	})
	return state, err
}

func (s *RetryingStore) Save(ctx context.Context, state *ledger.ConversationState) error {
	return s.do(ctx, "save", func() error {
		return s.inner.Save(ctx, state)
	})
}

func (s *RetryingStore) Close() error { return s.inner.Close() }

func (s *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			delay := s.base << (attempt - 1)
			slog.Warn("checkpoint store retrying",
				"op", op, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		// ErrNotFound is a definitive answer, not a fault.
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("checkpoint %s failed after %d attempts: %w", op, s.attempts, lastErr)
}
