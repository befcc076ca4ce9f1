package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/checkpoint"
	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/ledger"
	"github.com/tidewater-ai/concierge/internal/oracle"
	"github.com/tidewater-ai/concierge/internal/pipeline"
	"github.com/tidewater-ai/concierge/internal/providers"
)

// echoOracle routes everything direct and answers with a transform of the
// question, or with a scripted tool call on demand.
type echoOracle struct {
	mu           sync.Mutex
	toolCall     *providers.ToolCall // when set, the next Generate asks for it
	summaries    int
	summarizeErr error
	delay        time.Duration
	order        []string
}

func (o *echoOracle) Route(ctx context.Context, q string, att bool) (ledger.RoutingDecision, error) {
	return ledger.RouteDirect, nil
}
func (o *echoOracle) Grade(ctx context.Context, d ledger.EvidenceDoc, q string) (bool, error) {
	return true, nil
}
func (o *echoOracle) Rewrite(ctx context.Context, q string) (string, error) { return q, nil }

func (o *echoOracle) Generate(ctx context.Context, req oracle.GenerationRequest) (*oracle.Draft, error) {
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	o.mu.Lock()
	o.order = append(o.order, req.Question)
	tc := o.toolCall
	o.toolCall = nil
	o.mu.Unlock()

	if tc != nil {
		return &oracle.Draft{ToolCalls: []providers.ToolCall{*tc}}, nil
	}
	for _, m := range req.Extra {
		if m.Role == "tool" {
			return &oracle.Draft{Text: "outcome: " + m.Content}, nil
		}
	}
	return &oracle.Draft{Text: "echo: " + req.Question}, nil
}

func (o *echoOracle) CheckGrounded(ctx context.Context, d string, e []ledger.EvidenceDoc) (bool, error) {
	return true, nil
}

func (o *echoOracle) Summarize(ctx context.Context, prior string, m []ledger.Message) (string, error) {
	o.mu.Lock()
	o.summaries++
	errOut := o.summarizeErr
	o.mu.Unlock()
	if errOut != nil {
		return prior, errOut
	}
	return "compacted summary", nil
}

type nullRetriever struct{}

func (nullRetriever) Search(ctx context.Context, q, ns string, limit int) ([]ledger.EvidenceDoc, error) {
	return nil, nil
}

type captureEmitter struct {
	mu      sync.Mutex
	replies []*bus.OutboundReply
	notify  chan struct{}
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{notify: make(chan struct{}, 32)}
}

func (e *captureEmitter) Emit(ctx context.Context, reply *bus.OutboundReply) error {
	e.mu.Lock()
	e.replies = append(e.replies, reply)
	e.mu.Unlock()
	e.notify <- struct{}{}
	return nil
}

func (e *captureEmitter) wait(t *testing.T, n int) []*bus.OutboundReply {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		e.mu.Lock()
		got := len(e.replies)
		if got >= n {
			defer e.mu.Unlock()
			return append([]*bus.OutboundReply(nil), e.replies...)
		}
		e.mu.Unlock()
		select {
		case <-e.notify:
		case <-deadline:
			t.Fatalf("waited for %d replies, got %d", n, got)
		}
	}
}

type stubExecutor struct {
	mu    sync.Mutex
	calls []pipeline.ActionRequest
	err   error
}

func (e *stubExecutor) Execute(ctx context.Context, req pipeline.ActionRequest) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	return "reservation confirmed", nil
}

func newTestDispatcher(t *testing.T, o oracle.Oracle, exec pipeline.Executor) (*Dispatcher, *captureEmitter, checkpoint.Store) {
	t.Helper()
	cfg := config.Default()
	store := checkpoint.NewMemory()
	pipe := pipeline.New(cfg, o, nullRetriever{}, nullRetriever{}, nil, exec, nil, store)
	emitter := newCaptureEmitter()
	d := New(cfg, store, pipe, o, exec, emitter, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d, emitter, store
}

func turnFor(sender, text string) *bus.AggregatedTurn {
	return &bus.AggregatedTurn{TenantID: "t1", SenderID: sender, Text: text}
}

func TestTurnsProcessedAndReplied(t *testing.T) {
	o := &echoOracle{}
	d, emitter, store := newTestDispatcher(t, o, &stubExecutor{})

	turn := turnFor("U1", "hello")
	d.OnTurnReady(turn.ConversationID(), turn)

	replies := emitter.wait(t, 1)
	if replies[0].Text != "echo: hello" {
		t.Errorf("reply = %q", replies[0].Text)
	}

	state, err := store.Load(context.Background(), "t1:U1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.Messages) != 2 {
		t.Errorf("history = %d messages, want user + assistant", len(state.Messages))
	}
}

func TestSameConversationIsSerialized(t *testing.T) {
	o := &echoOracle{delay: 30 * time.Millisecond}
	d, emitter, _ := newTestDispatcher(t, o, &stubExecutor{})

	for _, text := range []string{"first", "second", "third"} {
		turn := turnFor("U1", text)
		d.OnTurnReady(turn.ConversationID(), turn)
	}

	emitter.wait(t, 3)
	o.mu.Lock()
	defer o.mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, q := range want {
		if o.order[i] != q {
			t.Fatalf("processing order = %v, want %v", o.order, want)
		}
	}
}

func TestDifferentConversationsRunConcurrently(t *testing.T) {
	o := &echoOracle{delay: 80 * time.Millisecond}
	d, emitter, _ := newTestDispatcher(t, o, &stubExecutor{})

	start := time.Now()
	for _, sender := range []string{"U1", "U2", "U3", "U4"} {
		turn := turnFor(sender, "hi")
		d.OnTurnReady(turn.ConversationID(), turn)
	}
	emitter.wait(t, 4)

	// Serial execution would take at least 4 * 80ms.
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("4 conversations took %v, expected concurrent processing", elapsed)
	}
}

func TestSensitiveActionConfirmationFlow(t *testing.T) {
	o := &echoOracle{}
	exec := &stubExecutor{}
	d, emitter, store := newTestDispatcher(t, o, exec)

	// Turn 1: the model asks for a sensitive action; the user gets a
	// confirmation prompt and nothing executes.
	o.mu.Lock()
	o.toolCall = &providers.ToolCall{
		ID: "c1", Name: "create_reservation",
		Arguments: map[string]interface{}{"date": "friday"},
	}
	o.mu.Unlock()

	turn := turnFor("U1", "book me a table friday")
	d.OnTurnReady(turn.ConversationID(), turn)
	replies := emitter.wait(t, 1)
	if !strings.Contains(replies[0].Text, "yes/no") {
		t.Errorf("expected confirmation prompt, got %q", replies[0].Text)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor ran before confirmation: %+v", exec.calls)
	}

	state, _ := store.Load(context.Background(), "t1:U1")
	if !state.HasPending() {
		t.Fatal("no pending frame checkpointed")
	}

	// Turn 2: the confirmation arrives; the action executes and the reply
	// reflects its outcome.
	yes := true
	confirm := turnFor("U1", "yes")
	confirm.Confirmed = &yes
	d.OnTurnReady(confirm.ConversationID(), confirm)
	replies = emitter.wait(t, 2)

	if len(exec.calls) != 1 || exec.calls[0].Name != "create_reservation" {
		t.Fatalf("executor calls = %+v", exec.calls)
	}
	if !strings.Contains(replies[1].Text, "reservation confirmed") {
		t.Errorf("reply = %q", replies[1].Text)
	}
	state, _ = store.Load(context.Background(), "t1:U1")
	if state.HasPending() {
		t.Error("pending frame not cleared after confirmation")
	}
}

func TestDeclinedActionDoesNotExecute(t *testing.T) {
	o := &echoOracle{}
	exec := &stubExecutor{}
	d, emitter, _ := newTestDispatcher(t, o, exec)

	o.mu.Lock()
	o.toolCall = &providers.ToolCall{ID: "c1", Name: "cancel_order",
		Arguments: map[string]interface{}{"order_number": "9"}}
	o.mu.Unlock()

	turn := turnFor("U1", "cancel order 9")
	d.OnTurnReady(turn.ConversationID(), turn)
	emitter.wait(t, 1)

	no := false
	decline := turnFor("U1", "no, keep it")
	decline.Confirmed = &no
	d.OnTurnReady(decline.ConversationID(), decline)
	replies := emitter.wait(t, 2)

	if len(exec.calls) != 0 {
		t.Fatalf("declined action executed: %+v", exec.calls)
	}
	if !strings.Contains(replies[1].Text, "cancelled") {
		t.Errorf("reply = %q, want cancellation acknowledgement", replies[1].Text)
	}
}

func TestHistoryCompaction(t *testing.T) {
	o := &echoOracle{}
	cfg := config.Default()
	cfg.Pipeline.SummaryThreshold = 8
	store := checkpoint.NewMemory()
	pipe := pipeline.New(cfg, o, nullRetriever{}, nullRetriever{}, nil, &stubExecutor{}, nil, store)
	emitter := newCaptureEmitter()
	d := New(cfg, store, pipe, o, &stubExecutor{}, emitter, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})

	// Each turn adds two messages; six turns cross the threshold of eight.
	for i := 0; i < 6; i++ {
		turn := turnFor("U1", "message")
		d.OnTurnReady(turn.ConversationID(), turn)
		emitter.wait(t, i+1)
	}

	state, err := store.Load(context.Background(), "t1:U1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Summary != "compacted summary" {
		t.Errorf("summary = %q", state.Summary)
	}
	if len(state.Messages) > 8 {
		t.Errorf("history = %d messages after compaction", len(state.Messages))
	}
	if o.summaries == 0 {
		t.Error("summarizer never invoked")
	}
}

func TestSummarizerFaultKeepsFullHistory(t *testing.T) {
	o := &echoOracle{summarizeErr: errors.New("model unavailable")}
	cfg := config.Default()
	cfg.Pipeline.SummaryThreshold = 8
	store := checkpoint.NewMemory()
	guarded := oracle.Guard(o, time.Second)
	pipe := pipeline.New(cfg, guarded, nullRetriever{}, nullRetriever{}, nil, &stubExecutor{}, nil, store)
	emitter := newCaptureEmitter()
	d := New(cfg, store, pipe, guarded, &stubExecutor{}, emitter, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})

	for i := 0; i < 6; i++ {
		turn := turnFor("U1", "message")
		d.OnTurnReady(turn.ConversationID(), turn)
		emitter.wait(t, i+1)
	}

	state, err := store.Load(context.Background(), "t1:U1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// No messages may be discarded when nothing absorbed them.
	if len(state.Messages) != 12 {
		t.Errorf("history = %d messages, want all 12 kept", len(state.Messages))
	}
	if state.Summary != "" {
		t.Errorf("summary = %q, want none", state.Summary)
	}
}

func TestIdleRetirementDoesNotDropTurns(t *testing.T) {
	o := &echoOracle{}
	d, emitter, _ := newTestDispatcher(t, o, &stubExecutor{})
	// Aggressive retirement so worker teardown races with enqueues.
	d.idleTimeout = time.Millisecond

	const turns = 40
	for i := 0; i < turns; i++ {
		turn := turnFor("U1", "ping")
		d.OnTurnReady(turn.ConversationID(), turn)
		time.Sleep(time.Millisecond)
	}

	replies := emitter.wait(t, turns)
	if len(replies) < turns {
		t.Errorf("replies = %d, want %d", len(replies), turns)
	}
}

type failingStore struct{ checkpoint.Store }

func (failingStore) Load(ctx context.Context, id string) (*ledger.ConversationState, error) {
	return nil, errors.New("connection refused")
}

func TestLoadFailureSurfacesTransientError(t *testing.T) {
	o := &echoOracle{}
	cfg := config.Default()
	store := failingStore{checkpoint.NewMemory()}
	pipe := pipeline.New(cfg, o, nullRetriever{}, nullRetriever{}, nil, &stubExecutor{}, nil, checkpoint.NewMemory())
	emitter := newCaptureEmitter()
	d := New(cfg, store, pipe, o, &stubExecutor{}, emitter, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})

	turn := turnFor("U1", "hello")
	d.OnTurnReady(turn.ConversationID(), turn)
	replies := emitter.wait(t, 1)
	if replies[0].Text != transientReply {
		t.Errorf("reply = %q, want transient error text", replies[0].Text)
	}
}

type fixedFetcher struct{ name string }

func (f fixedFetcher) FetchName(ctx context.Context, senderID string) (string, error) {
	if f.name == "" {
		return "", errors.New("profile api down")
	}
	return f.name, nil
}

func TestFreshConversationGreetsByName(t *testing.T) {
	o := &echoOracle{}
	cfg := config.Default()
	store := checkpoint.NewMemory()
	pipe := pipeline.New(cfg, o, nullRetriever{}, nullRetriever{}, nil, &stubExecutor{}, nil, store)
	emitter := newCaptureEmitter()
	profiles := NewProfileCache(fixedFetcher{name: "Dana"}, time.Minute)
	d := New(cfg, store, pipe, o, &stubExecutor{}, emitter, profiles)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})

	turn := turnFor("U1", "hello")
	d.OnTurnReady(turn.ConversationID(), turn)
	replies := emitter.wait(t, 1)
	if !strings.HasPrefix(replies[0].Text, "Hi Dana!") {
		t.Errorf("first reply = %q, want greeting", replies[0].Text)
	}

	// Second turn is not fresh; no repeated greeting.
	turn = turnFor("U1", "hello again")
	d.OnTurnReady(turn.ConversationID(), turn)
	replies = emitter.wait(t, 2)
	if strings.HasPrefix(replies[1].Text, "Hi Dana!") {
		t.Errorf("second reply = %q, greeting repeated", replies[1].Text)
	}
}

func TestProfileCacheCachesLookups(t *testing.T) {
	calls := 0
	fetcher := countingFetcher{calls: &calls}
	c := NewProfileCache(fetcher, time.Minute)

	for i := 0; i < 5; i++ {
		if got := c.Name(context.Background(), "U1"); got != "Dana" {
			t.Fatalf("name = %q", got)
		}
	}
	if calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", calls)
	}
}

type countingFetcher struct{ calls *int }

func (f countingFetcher) FetchName(ctx context.Context, senderID string) (string, error) {
	*f.calls++
	return "Dana", nil
}
