// Package oracle wraps every model call the pipeline makes behind a narrow
// typed port. Each call has a declared timeout and a declared fallback, so
// the pipeline's behavior under oracle faults is fixed here rather than
// scattered across call sites.
package oracle

import (
	"context"

	"github.com/tidewater-ai/concierge/internal/ledger"
	"github.com/tidewater-ai/concierge/internal/providers"
)

// Draft is the generation oracle's output: either final text or a request to
// execute tools before answering.
type Draft struct {
	Text      string               `json:"text,omitempty"`
	ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
}

// WantsAction reports whether the draft asks for tool execution instead of
// replying with plain text.
func (d *Draft) WantsAction() bool { return len(d.ToolCalls) > 0 }

// GenerationRequest carries everything the generation oracle sees.
type GenerationRequest struct {
	Question string
	Evidence []ledger.EvidenceDoc
	History  []ledger.Message
	Summary  string
	Tools    []providers.ToolDefinition
	// Extra holds the assistant tool-call message and its tool results when
	// generation continues after a safe action executed.
	Extra []providers.Message
}

// Router decides which path a turn takes through the pipeline.
type Router interface {
	Route(ctx context.Context, question string, hasAttachments bool) (ledger.RoutingDecision, error)
}

// RelevanceGrader judges one evidence document against the question.
type RelevanceGrader interface {
	Grade(ctx context.Context, doc ledger.EvidenceDoc, question string) (relevant bool, err error)
}

// Rewriter reformulates a question that retrieved nothing useful.
type Rewriter interface {
	Rewrite(ctx context.Context, question string) (string, error)
}

// Generator produces the answer draft.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*Draft, error)
}

// GroundednessChecker verifies the draft's claims against the evidence.
type GroundednessChecker interface {
	CheckGrounded(ctx context.Context, draft string, evidence []ledger.EvidenceDoc) (grounded bool, err error)
}

// Summarizer compacts old history into a running summary.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, messages []ledger.Message) (string, error)
}

// Oracle bundles every port the pipeline consumes.
type Oracle interface {
	Router
	RelevanceGrader
	Rewriter
	Generator
	GroundednessChecker
	Summarizer
}
