package bus

import (
	"testing"
	"time"
)

func textEvent(sender, text string) *InboundEvent {
	return &InboundEvent{
		TenantID:  "page-1",
		SenderID:  sender,
		Kind:      EventText,
		Text:      text,
		ArrivedAt: time.Now(),
	}
}

func TestSignatureStableAcrossWhitespaceAndCase(t *testing.T) {
	a := Signature(textEvent("u1", "Where is my ORDER?"))
	b := Signature(textEvent("u1", "  where   is my order?\n"))
	if a != b {
		t.Errorf("normalized payloads should share a signature: %s vs %s", a, b)
	}
}

func TestSignatureDistinguishesSenders(t *testing.T) {
	a := Signature(textEvent("u1", "hello"))
	b := Signature(textEvent("u2", "hello"))
	if a == b {
		t.Error("different senders must not share a signature")
	}
}

func TestSignatureIncludesAttachmentsAndProviderID(t *testing.T) {
	base := textEvent("u1", "look at this")
	withImage := textEvent("u1", "look at this")
	withImage.Attachments = []Attachment{{Type: "image", URL: "https://cdn/x.jpg"}}
	if Signature(base) == Signature(withImage) {
		t.Error("attachments must change the signature")
	}

	withID := textEvent("u1", "look at this")
	withID.ProviderEventID = "mid.123"
	if Signature(base) == Signature(withID) {
		t.Error("provider event ID must change the signature")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		ev   InboundEvent
		want bool
	}{
		{"text ok", InboundEvent{TenantID: "t", SenderID: "s", Kind: EventText, Text: "hi"}, true},
		{"text empty", InboundEvent{TenantID: "t", SenderID: "s", Kind: EventText}, false},
		{"missing sender", InboundEvent{TenantID: "t", Kind: EventText, Text: "hi"}, false},
		{"missing tenant", InboundEvent{SenderID: "s", Kind: EventText, Text: "hi"}, false},
		{"attachment ok", InboundEvent{TenantID: "t", SenderID: "s", Kind: EventAttachment,
			Attachments: []Attachment{{Type: "image", URL: "u"}}}, true},
		{"attachment empty", InboundEvent{TenantID: "t", SenderID: "s", Kind: EventAttachment}, false},
		{"combined text only", InboundEvent{TenantID: "t", SenderID: "s", Kind: EventCombined, Text: "hi"}, true},
		{"combined empty", InboundEvent{TenantID: "t", SenderID: "s", Kind: EventCombined}, false},
		{"confirmation", InboundEvent{TenantID: "t", SenderID: "s", Kind: EventConfirmation}, true},
		{"unknown kind", InboundEvent{TenantID: "t", SenderID: "s", Kind: "typing"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDedupeCacheRejectsReplayWithinTTL(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	sig := Signature(textEvent("u1", "hello"))

	if !c.ShouldProcess(sig) {
		t.Fatal("first delivery must process")
	}
	if c.ShouldProcess(sig) {
		t.Error("replay within TTL must be rejected")
	}
	if !c.IsDuplicate(sig) {
		t.Error("IsDuplicate should report the replay")
	}
}

func TestDedupeCacheAllowsAfterTTL(t *testing.T) {
	c := NewDedupeCache(20*time.Millisecond, 100)
	sig := Signature(textEvent("u1", "hello"))

	if !c.ShouldProcess(sig) {
		t.Fatal("first delivery must process")
	}
	time.Sleep(30 * time.Millisecond)
	if !c.ShouldProcess(sig) {
		t.Error("identical message after TTL expiry is a new message")
	}
}

func TestDedupeCacheHardCap(t *testing.T) {
	c := NewDedupeCache(time.Hour, 10)
	for i := 0; i < 100; i++ {
		c.ShouldProcess(Signature(textEvent("u1", time.Now().Add(time.Duration(i)).String())))
	}
	if n := c.Len(); n > 10 {
		t.Errorf("cache exceeded cap: %d entries", n)
	}
}

func TestConversationID(t *testing.T) {
	turn := &AggregatedTurn{TenantID: "page-9", SenderID: "psid-7"}
	if got := turn.ConversationID(); got != "page-9:psid-7" {
		t.Errorf("ConversationID() = %q", got)
	}
}
