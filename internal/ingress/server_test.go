package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tidewater-ai/concierge/internal/aggregator"
	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/eventlog"
)

// memLog records enqueued events; set failing to exercise the direct path.
type memLog struct {
	mu      sync.Mutex
	events  []*bus.InboundEvent
	failing bool
}

func (l *memLog) Enqueue(ctx context.Context, ev *bus.InboundEvent) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return "", errors.New("connection refused")
	}
	l.events = append(l.events, ev)
	return fmt.Sprintf("%d-0", len(l.events)), nil
}

func (l *memLog) Consume(ctx context.Context, out chan<- eventlog.Entry) error { return nil }
func (l *memLog) Ack(ctx context.Context, id string) error                     { return nil }
func (l *memLog) Close() error                                                 { return nil }

func (l *memLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func newTestServer(t *testing.T, log *memLog, fallback DirectHandler) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Ingress.VerifyToken = "verify-secret"
	cfg.Ingress.OpsToken = "ops-secret"
	if fallback == nil {
		fallback = func(*bus.InboundEvent) {}
	}
	agg := aggregator.New(cfg, func(string, *bus.AggregatedTurn, aggregator.FlushReason) {})
	return NewServer(cfg, log, fallback, agg, NewHub())
}

const sampleDelivery = `{
	"object": "page",
	"entry": [{
		"id": "page-1",
		"messaging": [
			{"sender": {"id": "U1"}, "message": {"mid": "m1", "text": "what's this?"}},
			{"sender": {"id": "U1"}, "message": {"mid": "m2", "attachments": [
				{"type": "image", "payload": {"url": "https://cdn.example.com/a.jpg"}}
			]}}
		]
	}]
}`

func TestParseWebhook(t *testing.T) {
	events, err := parseWebhook([]byte(sampleDelivery))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != bus.EventText || events[0].Text != "what's this?" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[0].TenantID != "page-1" || events[0].SenderID != "U1" {
		t.Errorf("event[0] identity = %s/%s", events[0].TenantID, events[0].SenderID)
	}
	if events[1].Kind != bus.EventAttachment || len(events[1].Attachments) != 1 {
		t.Errorf("event[1] = %+v", events[1])
	}
	if events[0].ProviderEventID != "m1" {
		t.Errorf("provider event id = %q", events[0].ProviderEventID)
	}
}

func TestParseWebhookConfirmations(t *testing.T) {
	tests := []struct {
		payload   string
		kind      bus.EventKind
		confirmed bool
	}{
		{"CONFIRM_YES", bus.EventConfirmation, true},
		{"confirm_no", bus.EventConfirmation, false},
		{"SOMETHING_ELSE", bus.EventText, false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			body := fmt.Sprintf(`{"object": "page", "entry": [{"id": "p1", "messaging": [
				{"sender": {"id": "U1"}, "postback": {"mid": "pb1", "payload": %q}}
			]}]}`, tt.payload)
			events, err := parseWebhook([]byte(body))
			if err != nil || len(events) != 1 {
				t.Fatalf("events = %v, err = %v", events, err)
			}
			if events[0].Kind != tt.kind {
				t.Errorf("kind = %q, want %q", events[0].Kind, tt.kind)
			}
			if tt.kind == bus.EventConfirmation && events[0].Confirmed != tt.confirmed {
				t.Errorf("confirmed = %v, want %v", events[0].Confirmed, tt.confirmed)
			}
		})
	}
}

func TestWebhookVerification(t *testing.T) {
	srv := newTestServer(t, &memLog{}, nil)

	req := httptest.NewRequest("GET",
		"/webhook?hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Errorf("verify = %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("GET",
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("bad token accepted: %d", rec.Code)
	}
}

func TestWebhookEnqueuesEvents(t *testing.T) {
	log := &memLog{}
	srv := newTestServer(t, log, nil)

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(sampleDelivery))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if log.count() != 2 {
		t.Errorf("enqueued = %d, want 2", log.count())
	}
}

func TestWebhookFallsBackWhenLogIsDown(t *testing.T) {
	log := &memLog{failing: true}
	var mu sync.Mutex
	var direct []*bus.InboundEvent
	srv := newTestServer(t, log, func(ev *bus.InboundEvent) {
		mu.Lock()
		direct = append(direct, ev)
		mu.Unlock()
	})

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(sampleDelivery))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// Still 200: the provider must not redeliver, the events were handled.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(direct) != 2 {
		t.Errorf("direct-path events = %d, want 2 (none dropped)", len(direct))
	}
}

func TestUnparseableDeliveryStillAcknowledged(t *testing.T) {
	srv := newTestServer(t, &memLog{}, nil)
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 to stop redelivery", rec.Code)
	}
}

func TestOpsEndpointsRequireToken(t *testing.T) {
	srv := newTestServer(t, &memLog{}, nil)

	req := httptest.NewRequest("GET", "/ops/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/ops/metrics", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "aggregator") {
		t.Errorf("metrics body = %q", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &memLog{}, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
