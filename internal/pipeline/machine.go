// Package pipeline is the reasoning core: an explicit finite-state machine
// that routes a turn, gathers and grades evidence, generates a draft,
// verifies it, and gates any requested actions. Both cyclic paths (query
// rewrite and groundedness regeneration) are bounded by counters on the
// conversation state, so every run terminates.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/checkpoint"
	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/ledger"
	"github.com/tidewater-ai/concierge/internal/oracle"
	"github.com/tidewater-ai/concierge/internal/providers"
	"github.com/tidewater-ai/concierge/internal/retrieval"
	"github.com/tidewater-ai/concierge/internal/vision"
)

// State names one node of the reasoning machine.
type State string

const (
	StateRoute        State = "route"
	StateDescribe     State = "describe"
	StateRetrieve     State = "retrieve"
	StateWebSearch    State = "web_search"
	StateGrade        State = "grade"
	StateRewrite      State = "rewrite"
	StateGenerate     State = "generate"
	StateVerify       State = "verify"
	StateActionGate   State = "action_gate"
	StateForceSuggest State = "force_suggest"

	// Terminal states.
	StateEmit    State = "emit"
	StateSuspend State = "suspend"
)

// GateResult is the outcome a stage reports; together with the current
// state it selects the next state from the transition table.
type GateResult string

const (
	GateRetrieval  GateResult = "retrieval"
	GateWebSearch  GateResult = "web_search"
	GateDirect     GateResult = "direct"
	GateAttachment GateResult = "attachment"

	GateOK           GateResult = "ok"
	GateNoEvidence   GateResult = "no_evidence"
	GateExhausted    GateResult = "exhausted"
	GateGrounded     GateResult = "grounded"
	GateNotGrounded  GateResult = "not_grounded"
	GatePlainText    GateResult = "plain_text"
	GateActionCall   GateResult = "action_call"
	GateSafeDone     GateResult = "safe_done"
	GateNeedsConfirm GateResult = "needs_confirm"
)

type edge struct {
	from State
	gate GateResult
}

// transitions is the full state graph. Keeping it as data makes the two
// bounded cycles auditable: rewrite re-enters retrieval, and a failed
// verification re-enters rewrite.
var transitions = map[edge]State{
	{StateRoute, GateRetrieval}:  StateRetrieve,
	{StateRoute, GateWebSearch}:  StateWebSearch,
	{StateRoute, GateDirect}:     StateGenerate,
	{StateRoute, GateAttachment}: StateDescribe,

	{StateDescribe, GateOK}: StateGenerate,

	{StateRetrieve, GateOK}: StateGrade,

	{StateWebSearch, GateOK}:         StateGenerate,
	{StateWebSearch, GateNoEvidence}: StateForceSuggest,

	{StateGrade, GateOK}:         StateGenerate,
	{StateGrade, GateNoEvidence}: StateRewrite,
	{StateGrade, GateExhausted}:  StateForceSuggest,

	{StateRewrite, GateOK}: StateRetrieve,

	{StateGenerate, GatePlainText}:  StateVerify,
	{StateGenerate, GateDirect}:     StateEmit,
	{StateGenerate, GateActionCall}: StateActionGate,

	{StateVerify, GateGrounded}:    StateEmit,
	{StateVerify, GateNotGrounded}: StateRewrite,
	{StateVerify, GateExhausted}:   StateEmit,

	{StateActionGate, GateSafeDone}:     StateGenerate,
	{StateActionGate, GateNeedsConfirm}: StateSuspend,

	{StateForceSuggest, GateOK}: StateEmit,
}

// maxTransitions is a hard upper bound on machine steps; with the retry
// counters honored it is unreachable, so crossing it indicates a bug.
const maxTransitions = 32

// Transition records one audit entry of a run.
type Transition struct {
	From State
	Gate GateResult
	To   State
}

// Result is the outcome of one pipeline run.
type Result struct {
	Reply     string
	Suspended bool
	// Prompt is the confirmation question shown to the user when the run
	// suspended on a sensitive action.
	Prompt string
	Trace  []Transition
}

// Pipeline owns the collaborators a run needs. Construct once at the
// dependency-injection root; Run is safe for concurrent use because all
// per-run data lives on the runContext.
type Pipeline struct {
	cfg       *config.Config
	oracle    oracle.Oracle
	retriever retrieval.Retriever
	searcher  retrieval.Retriever
	describer vision.Describer
	executor  Executor
	registry  *Registry
	store     checkpoint.Store
}

func New(cfg *config.Config, o oracle.Oracle, retriever, searcher retrieval.Retriever,
	describer vision.Describer, executor Executor, registry *Registry, store checkpoint.Store) *Pipeline {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Pipeline{
		cfg:       cfg,
		oracle:    o,
		retriever: retriever,
		searcher:  searcher,
		describer: describer,
		executor:  executor,
		registry:  registry,
		store:     store,
	}
}

// runContext carries all mutable per-run data.
type runContext struct {
	state *ledger.ConversationState
	turn  *bus.AggregatedTurn
	draft *oracle.Draft
	// extra accumulates the assistant tool-call message and tool results
	// when generation continues after safe action execution.
	extra []providers.Message
	// actionRounds counts safe execute-and-regenerate rounds.
	actionRounds int
	prompt       string
}

// Run processes one turn from the routing stage.
func (p *Pipeline) Run(ctx context.Context, state *ledger.ConversationState, turn *bus.AggregatedTurn) (*Result, error) {
	return p.run(ctx, &runContext{state: state, turn: turn}, StateRoute)
}

// Resume continues a suspended run after the user answered a confirmation.
// The executed (or cancelled) action's outcome is fed back into generation.
func (p *Pipeline) Resume(ctx context.Context, state *ledger.ConversationState, turn *bus.AggregatedTurn, extra []providers.Message) (*Result, error) {
	return p.run(ctx, &runContext{state: state, turn: turn, extra: extra}, StateGenerate)
}

func (p *Pipeline) run(ctx context.Context, rc *runContext, start State) (*Result, error) {
	tracer := otel.Tracer("concierge/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", rc.state.ConversationID))

	result := &Result{}
	current := start

	for steps := 0; steps < maxTransitions; steps++ {
		gate, err := p.step(ctx, current, rc)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", current, err)
		}

		next, ok := transitions[edge{current, gate}]
		if !ok {
			return nil, fmt.Errorf("no transition from %s on %q", current, gate)
		}
		result.Trace = append(result.Trace, Transition{From: current, Gate: gate, To: next})
		slog.Debug("pipeline transition",
			"conversation", rc.state.ConversationID, "from", current, "gate", gate, "to", next)

		// Checkpoint at the boundary so a crash or suspension resumes from
		// the last completed stage, not from scratch.
		if err := p.store.Save(ctx, rc.state); err != nil {
			return nil, fmt.Errorf("checkpoint after %s: %w", current, err)
		}

		switch next {
		case StateEmit:
			result.Reply = rc.draft.Text
			return result, nil
		case StateSuspend:
			result.Suspended = true
			result.Prompt = rc.prompt
			return result, nil
		}
		current = next
	}
	return nil, fmt.Errorf("pipeline exceeded %d transitions in conversation %s", maxTransitions, rc.state.ConversationID)
}

func (p *Pipeline) step(ctx context.Context, s State, rc *runContext) (GateResult, error) {
	tracer := otel.Tracer("concierge/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline."+string(s))
	defer span.End()

	switch s {
	case StateRoute:
		return p.route(ctx, rc)
	case StateDescribe:
		return p.describe(ctx, rc)
	case StateRetrieve:
		return p.retrieve(ctx, rc)
	case StateWebSearch:
		return p.webSearch(ctx, rc)
	case StateGrade:
		return p.grade(ctx, rc)
	case StateRewrite:
		return p.rewrite(ctx, rc)
	case StateGenerate:
		return p.generate(ctx, rc)
	case StateVerify:
		return p.verify(ctx, rc)
	case StateActionGate:
		return p.actionGate(ctx, rc)
	case StateForceSuggest:
		return p.forceSuggest(ctx, rc)
	}
	return "", fmt.Errorf("unknown state %q", s)
}
