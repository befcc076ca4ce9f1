// Package aggregator reconstructs coherent user turns from raw webhook
// events. Providers split a single turn across deliveries (text first, image
// a second later, or the reverse), so the aggregator holds an open turn per
// conversation and adaptively waits for a companion event before flushing.
package aggregator

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/config"
)

// FlushReason records how an open turn was completed.
type FlushReason string

const (
	FlushEarlyMerge FlushReason = "early_merge"
	FlushTimeout    FlushReason = "timeout"
	FlushShutdown   FlushReason = "shutdown"
)

// FlushFunc receives a completed turn. Called outside the aggregator lock.
type FlushFunc func(conversationID string, turn *bus.AggregatedTurn, reason FlushReason)

type openTurn struct {
	turn  *bus.AggregatedTurn
	timer *time.Timer
	gen   uint64
}

// Aggregator merges partial events into turns. The open-turns map is shared
// by all consumer workers and the timeout goroutines, so every access goes
// through one mutex. Each conversation has at most one open turn, and each
// open turn is flushed exactly once: either by an early merge that cancels
// the timer, or by the timer firing on a turn that is still open. A timer
// that fires after its turn was already flushed finds a stale generation and
// does nothing.
type Aggregator struct {
	cfg   *config.Config
	flush FlushFunc

	mu     sync.Mutex
	open   map[string]*openTurn
	genSeq uint64

	metrics Metrics
}

func New(cfg *config.Config, flush FlushFunc) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		flush: flush,
		open:  make(map[string]*openTurn),
	}
}

// OnEvent feeds one validated, deduplicated event into the aggregator.
func (a *Aggregator) OnEvent(ev *bus.InboundEvent) {
	key := ev.TenantID + ":" + ev.SenderID

	a.mu.Lock()
	if ot, ok := a.open[key]; ok {
		// Companion event arrived inside the window: merge and complete
		// early. Stopping the timer here is what prevents a second flush.
		mergeEvent(ot.turn, ev)
		ot.timer.Stop()
		delete(a.open, key)
		turn := ot.turn
		a.mu.Unlock()

		a.metrics.recordEarly(time.Since(turn.OpenedAt))
		slog.Debug("turn completed by early merge",
			"conversation", key, "merge_count", turn.MergeCount)
		a.flush(key, turn, FlushEarlyMerge)
		return
	}

	turn := newTurn(ev)
	wait := a.classifyWait(ev)
	a.genSeq++
	gen := a.genSeq
	ot := &openTurn{turn: turn, gen: gen}
	ot.timer = time.AfterFunc(wait, func() { a.onTimeout(key, gen) })
	a.open[key] = ot
	a.mu.Unlock()

	slog.Debug("turn opened", "conversation", key, "wait", wait)
}

// onTimeout flushes the turn for key if it is still the one we scheduled.
// A flushed key is never resurrected: once removed from the map, a later
// event for the same conversation opens a brand-new turn with a new
// generation, and this callback's stale generation no longer matches.
func (a *Aggregator) onTimeout(key string, gen uint64) {
	a.mu.Lock()
	ot, ok := a.open[key]
	if !ok || ot.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.open, key)
	turn := ot.turn
	a.mu.Unlock()

	a.metrics.recordTimeout()
	slog.Debug("turn flushed by timeout", "conversation", key)
	a.flush(key, turn, FlushTimeout)
}

// FlushAll drains every open turn immediately. Used on shutdown so that a
// half-aggregated turn is processed rather than lost.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	drained := make(map[string]*bus.AggregatedTurn, len(a.open))
	for key, ot := range a.open {
		ot.timer.Stop()
		drained[key] = ot.turn
	}
	a.open = make(map[string]*openTurn)
	a.mu.Unlock()

	for key, turn := range drained {
		a.flush(key, turn, FlushShutdown)
	}
}

// OpenTurns reports the number of turns currently waiting for a companion
// event. Exposed on the ops endpoint.
func (a *Aggregator) OpenTurns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Snapshot returns the current aggregation metrics.
func (a *Aggregator) Snapshot() MetricsSnapshot { return a.metrics.snapshot() }

func newTurn(ev *bus.InboundEvent) *bus.AggregatedTurn {
	t := &bus.AggregatedTurn{
		TenantID:    ev.TenantID,
		SenderID:    ev.SenderID,
		Text:        ev.Text,
		Attachments: append([]bus.Attachment(nil), ev.Attachments...),
		OpenedAt:    time.Now(),
		MergeCount:  1,
	}
	if ev.Kind == bus.EventConfirmation {
		confirmed := ev.Confirmed
		t.Confirmed = &confirmed
	}
	return t
}

// mergeEvent folds a companion event into an open turn. Text is concatenated
// unless the open turn already contains it verbatim, so a provider that
// resends the text alongside the attachment does not duplicate it.
func mergeEvent(t *bus.AggregatedTurn, ev *bus.InboundEvent) {
	if ev.Text != "" && !strings.Contains(t.Text, ev.Text) {
		if t.Text == "" {
			t.Text = ev.Text
		} else {
			t.Text = t.Text + " " + ev.Text
		}
	}
	t.Attachments = append(t.Attachments, ev.Attachments...)
	if ev.Kind == bus.EventConfirmation {
		confirmed := ev.Confirmed
		t.Confirmed = &confirmed
	}
	t.MergeCount++
}
