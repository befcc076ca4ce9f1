// Package ledger holds the per-conversation state that survives across
// turns: message history, the pending action stack, and the transient
// pipeline bookkeeping for the turn in flight. State is owned exclusively by
// the one dispatcher worker processing its conversation, so nothing here
// locks; persistence is the checkpoint store's job.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RoutingDecision is the router oracle's verdict for a turn.
type RoutingDecision string

const (
	RouteRetrieval     RoutingDecision = "retrieval"
	RouteWebSearch     RoutingDecision = "external_search"
	RouteDirect        RoutingDecision = "direct_response"
	RouteAttachment    RoutingDecision = "attachment_understanding"
	RouteUndecided     RoutingDecision = ""
)

// Message is one entry in the conversation history.
type Message struct {
	Role    string    `json:"role"` // "user", "assistant", "system", "tool"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// EvidenceDoc is one retrieved document carried through the relevance gate.
type EvidenceDoc struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"` // URL or index namespace
	Graded  bool   `json:"graded,omitempty"` // passed through the relevance gate
}

// PendingActionFrame is one suspended sensitive action or one entered
// sub-dialogue scope, awaiting explicit user input before the pipeline
// resumes from this exact point.
type PendingActionFrame struct {
	ID          string          `json:"id"`
	DialogState string          `json:"dialog_state,omitempty"` // named sub-dialogue, if any
	ActionName  string          `json:"action_name,omitempty"`
	ActionArgs  json.RawMessage `json:"action_args,omitempty"`
	Prompt      string          `json:"prompt,omitempty"` // confirmation text shown to the user
	RequestedAt time.Time       `json:"requested_at"`
}

// ConversationState is the full checkpointed state for one conversation.
type ConversationState struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	SenderID       string    `json:"sender_id"`
	Messages       []Message `json:"messages,omitempty"`
	Summary        string    `json:"summary,omitempty"` // compacted early history

	Pending []PendingActionFrame `json:"pending_actions,omitempty"`

	// Per-turn pipeline bookkeeping. Reset by BeginTurn, persisted so a
	// suspended pipeline resumes with its budgets intact.
	Question          string          `json:"question,omitempty"` // possibly rewritten
	OriginalQuestion  string          `json:"original_question,omitempty"`
	Route             RoutingDecision `json:"route,omitempty"`
	Evidence          []EvidenceDoc   `json:"evidence,omitempty"`
	RewriteCount      int             `json:"rewrite_count"`
	GroundednessTries int             `json:"groundedness_tries"`
	SearchAttempts    int             `json:"search_attempts"`

	UpdatedAt time.Time `json:"updated_at"`
}

// New creates empty state for a conversation.
func New(conversationID, tenantID, senderID string) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		TenantID:       tenantID,
		SenderID:       senderID,
		UpdatedAt:      time.Now(),
	}
}

// BeginTurn resets the transient pipeline fields for a fresh turn. Message
// history, summary, and the pending action stack are untouched.
func (s *ConversationState) BeginTurn(question string) {
	s.Question = question
	s.OriginalQuestion = question
	s.Route = RouteUndecided
	s.Evidence = nil
	s.RewriteCount = 0
	s.GroundednessTries = 0
	s.SearchAttempts = 0
	s.UpdatedAt = time.Now()
}

// Append records a message on the history.
func (s *ConversationState) Append(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, At: time.Now()})
	s.UpdatedAt = time.Now()
}

// NeedsCompaction reports whether the history has grown past threshold and
// should be folded into the summary.
func (s *ConversationState) NeedsCompaction(threshold int) bool {
	return threshold > 0 && len(s.Messages) > threshold
}

// Compact replaces all but the most recent keep messages with summary.
func (s *ConversationState) Compact(summary string, keep int) {
	if keep < 0 || keep >= len(s.Messages) {
		return
	}
	s.Summary = summary
	s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-keep:]...)
	s.UpdatedAt = time.Now()
}

// PushPending pushes a frame onto the pending action stack. When the stack
// is already at maxDepth the oldest frame is evicted, so the length never
// exceeds the bound.
func (s *ConversationState) PushPending(frame PendingActionFrame, maxDepth int) {
	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	if frame.RequestedAt.IsZero() {
		frame.RequestedAt = time.Now()
	}
	s.Pending = append(s.Pending, frame)
	if maxDepth > 0 && len(s.Pending) > maxDepth {
		s.Pending = append([]PendingActionFrame(nil), s.Pending[len(s.Pending)-maxDepth:]...)
	}
	s.UpdatedAt = time.Now()
}

// PopPending removes and returns the newest frame. Popping an empty stack is
// a no-op that returns ok=false, never an error.
func (s *ConversationState) PopPending() (PendingActionFrame, bool) {
	if len(s.Pending) == 0 {
		return PendingActionFrame{}, false
	}
	frame := s.Pending[len(s.Pending)-1]
	s.Pending = s.Pending[:len(s.Pending)-1]
	s.UpdatedAt = time.Now()
	return frame, true
}

// PeekPending returns the newest frame without removing it.
func (s *ConversationState) PeekPending() (PendingActionFrame, bool) {
	if len(s.Pending) == 0 {
		return PendingActionFrame{}, false
	}
	return s.Pending[len(s.Pending)-1], true
}

// HasPending reports whether a suspended action or sub-dialogue exists.
func (s *ConversationState) HasPending() bool { return len(s.Pending) > 0 }

// DialogState returns the name of the innermost sub-dialogue, or "" when the
// conversation is at the top level.
func (s *ConversationState) DialogState() string {
	if frame, ok := s.PeekPending(); ok {
		return frame.DialogState
	}
	return ""
}
