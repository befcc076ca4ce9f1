// Package dispatcher serializes turn processing per conversation. Turns for
// different conversations run concurrently, but one conversation is handled
// by exactly one worker goroutine at a time, so conversation state is never
// touched by two pipeline stages concurrently.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/checkpoint"
	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/ledger"
	"github.com/tidewater-ai/concierge/internal/oracle"
	"github.com/tidewater-ai/concierge/internal/pipeline"
)

// transientReply is shown when infrastructure faults exhaust their retries.
const transientReply = "Sorry, something went wrong on our side. Please try again in a moment."

// compactionKeep is how many recent messages survive a history compaction.
const compactionKeep = 6

// workerIdleTimeout shuts down a conversation worker after inactivity.
const workerIdleTimeout = 5 * time.Minute

// Emitter is the outbound port the dispatcher replies through.
type Emitter interface {
	Emit(ctx context.Context, reply *bus.OutboundReply) error
}

// Dispatcher fans turns out to per-conversation workers.
type Dispatcher struct {
	cfg      *config.Config
	store    checkpoint.Store
	pipe     *pipeline.Pipeline
	oracle   oracle.Oracle
	executor pipeline.Executor
	emitter  Emitter
	profiles *ProfileCache

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup

	idleTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
}

type worker struct {
	queue chan *bus.AggregatedTurn
}

func New(cfg *config.Config, store checkpoint.Store, pipe *pipeline.Pipeline,
	o oracle.Oracle, executor pipeline.Executor, emitter Emitter, profiles *ProfileCache) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		pipe:     pipe,
		oracle:   o,
		executor: executor,
		emitter:  emitter,
		profiles: profiles,
		workers:  make(map[string]*worker),

		idleTimeout: workerIdleTimeout,

		baseCtx: ctx,
		cancel:  cancel,
	}
}

// OnTurnReady receives a completed turn from the aggregator and hands it to
// the conversation's worker, creating one if needed.
func (d *Dispatcher) OnTurnReady(conversationID string, turn *bus.AggregatedTurn) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		slog.Warn("turn dropped: dispatcher shut down", "conversation", conversationID)
		return
	}
	w, ok := d.workers[conversationID]
	if !ok {
		w = &worker{queue: make(chan *bus.AggregatedTurn, 16)}
		d.workers[conversationID] = w
		d.wg.Add(1)
		go d.runWorker(conversationID, w)
	}

	// Enqueue while still holding the lock: the idle-retirement branch
	// checks the queue under the same lock, so a worker can never retire
	// between the lookup above and this send.
	select {
	case w.queue <- turn:
	default:
		slog.Warn("turn dropped: conversation queue full", "conversation", conversationID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) runWorker(conversationID string, w *worker) {
	defer d.wg.Done()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case turn := <-w.queue:
			d.processTurn(d.baseCtx, turn)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(d.idleTimeout)
		case <-idle.C:
			d.mu.Lock()
			// A turn may have raced in; only retire an empty worker.
			if len(w.queue) == 0 {
				delete(d.workers, conversationID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.idleTimeout)
		case <-d.baseCtx.Done():
			return
		}
	}
}

// Shutdown stops accepting turns and waits for in-flight work.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.cancel()
	return ctx.Err()
}

func (d *Dispatcher) processTurn(ctx context.Context, turn *bus.AggregatedTurn) {
	conversationID := turn.ConversationID()

	state, err := d.store.Load(ctx, conversationID)
	fresh := false
	if errors.Is(err, checkpoint.ErrNotFound) {
		state = ledger.New(conversationID, turn.TenantID, turn.SenderID)
		fresh = true
	} else if err != nil {
		slog.Error("checkpoint load failed", "conversation", conversationID, "error", err)
		d.reply(ctx, turn, transientReply)
		return
	}

	var text string
	if turn.Confirmed != nil && state.HasPending() {
		text = d.resolveConfirmation(ctx, state, turn)
	} else {
		text = d.runPipeline(ctx, state, turn)
	}
	if text == "" {
		text = transientReply
	}

	if fresh && d.profiles != nil {
		if name := d.profiles.Name(ctx, turn.SenderID); name != "" {
			text = fmt.Sprintf("Hi %s! %s", name, text)
		}
	}

	state.Append("assistant", text)
	d.compact(ctx, state)
	if err := d.store.Save(ctx, state); err != nil {
		slog.Error("checkpoint save failed", "conversation", conversationID, "error", err)
	}
	d.reply(ctx, turn, text)
}

func (d *Dispatcher) runPipeline(ctx context.Context, state *ledger.ConversationState, turn *bus.AggregatedTurn) string {
	question := turn.Text
	if question == "" && turn.HasAttachments() {
		question = "(the user sent an attachment with no text)"
	}
	state.BeginTurn(question)
	state.Append("user", question)

	res, err := d.pipe.Run(ctx, state, turn)
	if err != nil {
		slog.Error("pipeline run failed", "conversation", state.ConversationID, "error", err)
		return transientReply
	}
	if res.Suspended {
		return res.Prompt
	}
	return res.Reply
}

// resolveConfirmation pops the awaited frame and resumes the suspended
// pipeline with the action's outcome, or with a cancellation when the user
// declined.
func (d *Dispatcher) resolveConfirmation(ctx context.Context, state *ledger.ConversationState, turn *bus.AggregatedTurn) string {
	frame, ok := state.PopPending()
	if !ok {
		return d.runPipeline(ctx, state, turn)
	}
	state.Append("user", turn.Text)

	var outcome string
	if *turn.Confirmed {
		result, err := d.executor.Execute(ctx, pipeline.ActionRequest{
			ID:   frame.ID,
			Name: frame.ActionName,
			Args: decodeArgs(frame.ActionArgs),
		})
		if err != nil {
			slog.Error("confirmed action failed",
				"conversation", state.ConversationID, "action", frame.ActionName, "error", err)
			outcome = "The action could not be completed. Apologize and offer to try again later."
		} else {
			outcome = result
		}
	} else {
		slog.Info("action declined by user",
			"conversation", state.ConversationID, "action", frame.ActionName)
		outcome = "The user declined. The action was cancelled; acknowledge this briefly."
	}

	res, err := d.pipe.Resume(ctx, state, turn, pipeline.ConfirmationMessages(frame, outcome))
	if err != nil {
		slog.Error("pipeline resume failed", "conversation", state.ConversationID, "error", err)
		return transientReply
	}
	if res.Suspended {
		return res.Prompt
	}
	return res.Reply
}

func (d *Dispatcher) compact(ctx context.Context, state *ledger.ConversationState) {
	threshold := d.cfg.Pipeline.SummaryThreshold
	if !state.NeedsCompaction(threshold) {
		return
	}
	old := state.Messages[:len(state.Messages)-compactionKeep]
	summary, err := d.oracle.Summarize(ctx, state.Summary, old)
	if err != nil || summary == "" {
		return
	}
	state.Compact(summary, compactionKeep)
	slog.Debug("history compacted", "conversation", state.ConversationID, "kept", compactionKeep)
}

func (d *Dispatcher) reply(ctx context.Context, turn *bus.AggregatedTurn, text string) {
	err := d.emitter.Emit(ctx, &bus.OutboundReply{
		TenantID: turn.TenantID,
		SenderID: turn.SenderID,
		Text:     text,
	})
	if err != nil {
		slog.Error("reply emission failed", "conversation", turn.ConversationID(), "error", err)
	}
}

func decodeArgs(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}
