package checkpoint

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidewater-ai/concierge/internal/ledger"
)

// MemoryStore is a non-durable backend for tests and degraded operation.
// State round-trips through JSON so callers see the same copy semantics as
// the real backends.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, conversationID string) (*ledger.ConversationState, error) {
	s.mu.RLock()
	raw, ok := s.data[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var state ledger.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *MemoryStore) Save(ctx context.Context, state *ledger.ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[state.ConversationID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
