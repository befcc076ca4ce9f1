package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EventKind classifies an inbound delivery from the webhook provider.
type EventKind string

const (
	EventText         EventKind = "text"
	EventAttachment   EventKind = "attachment"
	EventCombined     EventKind = "combined"
	EventConfirmation EventKind = "confirmation" // user approved/declined a pending action
)

// InboundEvent is one raw delivery from the webhook provider.
// Providers may split one user turn across several of these, in any order.
// Immutable once recorded on the event log.
type InboundEvent struct {
	TenantID        string       `json:"tenant_id"`
	SenderID        string       `json:"sender_id"`
	Kind            EventKind    `json:"event_kind"`
	Text            string       `json:"text,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Confirmed       bool         `json:"confirmed,omitempty"` // only meaningful for EventConfirmation
	ProviderEventID string       `json:"provider_event_id,omitempty"`
	ArrivedAt       time.Time    `json:"arrived_at"`
}

// Valid reports whether the event passes schema validation. Invalid events
// are acknowledged at the log level but never merged into a turn.
func (ev *InboundEvent) Valid() bool {
	if ev.TenantID == "" || ev.SenderID == "" {
		return false
	}
	switch ev.Kind {
	case EventText:
		return ev.Text != ""
	case EventAttachment:
		return len(ev.Attachments) > 0
	case EventCombined:
		return ev.Text != "" || len(ev.Attachments) > 0
	case EventConfirmation:
		return true
	}
	return false
}

// Attachment is a media reference carried by an inbound event.
type Attachment struct {
	Type string `json:"type"` // "image", "file", ...
	URL  string `json:"url"`
	// Context is filled in by attachment understanding before generation sees it.
	Context string `json:"context,omitempty"`
}

// AggregatedTurn is one coherent user turn reconstructed from one or more
// inbound events. Produced by the aggregator, consumed by the dispatcher.
type AggregatedTurn struct {
	TenantID    string       `json:"tenant_id"`
	SenderID    string       `json:"sender_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Confirmed   *bool        `json:"confirmed,omitempty"` // set when the turn is an action confirmation
	OpenedAt    time.Time    `json:"opened_at"`
	MergeCount  int          `json:"merge_count"`
}

// ConversationID returns the key under which this turn's conversation state
// is checkpointed. One sender has one conversation per tenant.
func (t *AggregatedTurn) ConversationID() string {
	return t.TenantID + ":" + t.SenderID
}

// HasAttachments reports whether the turn carries at least one attachment.
func (t *AggregatedTurn) HasAttachments() bool { return len(t.Attachments) > 0 }

// OutboundReply is the final answer for one turn, handed to the emitter.
type OutboundReply struct {
	TenantID string            `json:"tenant_id"`
	SenderID string            `json:"sender_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TurnHandler receives completed turns from the dispatcher.
type TurnHandler func(conversationID string, turn *AggregatedTurn)

// Signature computes the replay-filter signature for an event: a stable hash
// of the sender identity and the normalized payload. It is not an identity:
// two legitimately identical messages outside the TTL window share a signature.
func Signature(ev *InboundEvent) string {
	h := sha256.New()
	h.Write([]byte(ev.SenderID))
	h.Write([]byte{0})
	h.Write([]byte(normalizePayload(ev)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizePayload(ev *InboundEvent) string {
	var b strings.Builder
	b.WriteString(string(ev.Kind))
	b.WriteByte('|')
	b.WriteString(strings.Join(strings.Fields(strings.ToLower(ev.Text)), " "))
	for _, a := range ev.Attachments {
		b.WriteByte('|')
		b.WriteString(a.Type)
		b.WriteByte(':')
		b.WriteString(a.URL)
	}
	if ev.ProviderEventID != "" {
		b.WriteByte('|')
		b.WriteString(ev.ProviderEventID)
	}
	return b.String()
}
