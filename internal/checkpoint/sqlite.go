package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/ledger"
)

// SQLiteStore is the standalone-mode backend. The schema is created on open
// so a fresh install needs no separate migration step.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = config.ExpandHome(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// modernc sqlite is in-process; one writer connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(initCtx, `
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			state           TEXT NOT NULL,
			updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (*ledger.ConversationState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversations WHERE conversation_id = ?`,
		conversationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	var state ledger.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return &state, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state *ledger.ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", state.ConversationID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, tenant_id, sender_id, state, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (conversation_id)
		DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		state.ConversationID, state.TenantID, state.SenderID, raw,
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
