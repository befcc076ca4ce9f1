// Package checkpoint persists conversation state between turns and across
// process restarts. Two backends: SQLite for standalone deployments and
// Postgres for managed ones, selected by config.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/ledger"
)

// ErrNotFound is returned by Load when no checkpoint exists for the
// conversation. The caller starts from empty state.
var ErrNotFound = errors.New("checkpoint not found")

// Store is the persistence port for conversation state.
type Store interface {
	Load(ctx context.Context, conversationID string) (*ledger.ConversationState, error)
	Save(ctx context.Context, state *ledger.ConversationState) error
	Close() error
}

// New selects a backend from config: Postgres in managed mode, SQLite
// otherwise.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.IsManagedMode() {
		store, err := NewPostgres(ctx, cfg.Checkpoint.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres checkpoint store: %w", err)
		}
		return store, nil
	}
	store, err := NewSQLite(ctx, cfg.Checkpoint.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint store: %w", err)
	}
	return store, nil
}
