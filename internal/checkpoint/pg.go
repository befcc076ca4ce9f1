package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tidewater-ai/concierge/internal/ledger"
)

// PostgresStore keeps one row per conversation with the full state as JSONB.
// Schema is managed by the migrate command, not created here.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, conversationID string) (*ledger.ConversationState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversations WHERE conversation_id = $1`,
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

func (s *PostgresStore) Save(ctx context.Context, state *ledger.ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", state.ConversationID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, tenant_id, sender_id, state, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (conversation_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		state.ConversationID, state.TenantID, state.SenderID, raw,
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
