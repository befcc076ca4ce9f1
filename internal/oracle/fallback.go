package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidewater-ai/concierge/internal/ledger"
)

// FallbackText is the transparent reply used when generation itself fails.
const FallbackText = "I'm having trouble answering right now. Please try again in a moment."

// Guarded wraps an Oracle with a per-call timeout and the fault policy the
// gates rely on. A single oracle hiccup never propagates to the pipeline:
//
//   - routing faults fall back to the direct-response path
//   - relevance grading fails closed, keeping the document
//   - groundedness checking fails open, accepting the draft
//   - rewriting faults keep the original question
//   - generation faults produce a transparent fallback draft
//   - summarization faults surface, so callers keep the raw history
type Guarded struct {
	inner   Oracle
	timeout time.Duration
}

func Guard(inner Oracle, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Guarded{inner: inner, timeout: timeout}
}

func (g *Guarded) Route(ctx context.Context, question string, hasAttachments bool) (ledger.RoutingDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	route, err := g.inner.Route(ctx, question, hasAttachments)
	if err != nil {
		slog.Warn("routing oracle fault, falling back to direct response", "error", err)
		return ledger.RouteDirect, nil
	}
	return route, nil
}

func (g *Guarded) Grade(ctx context.Context, doc ledger.EvidenceDoc, question string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	relevant, err := g.inner.Grade(ctx, doc, question)
	if err != nil {
		// Keep the document rather than silently losing a potentially
		// useful one.
		slog.Warn("relevance oracle fault, keeping document", "error", err)
		return true, nil
	}
	return relevant, nil
}

func (g *Guarded) Rewrite(ctx context.Context, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	rewritten, err := g.inner.Rewrite(ctx, question)
	if err != nil {
		slog.Warn("rewrite oracle fault, keeping original question", "error", err)
		return question, nil
	}
	return rewritten, nil
}

func (g *Guarded) Generate(ctx context.Context, req GenerationRequest) (*Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	draft, err := g.inner.Generate(ctx, req)
	if err != nil {
		slog.Error("generation oracle fault, emitting fallback reply", "error", err)
		return &Draft{Text: FallbackText}, nil
	}
	return draft, nil
}

func (g *Guarded) CheckGrounded(ctx context.Context, draft string, evidence []ledger.EvidenceDoc) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	grounded, err := g.inner.CheckGrounded(ctx, draft, evidence)
	if err != nil {
		// Availability beats strictness here: do not block the user on an
		// infrastructure fault.
		slog.Warn("groundedness oracle fault, accepting draft", "error", err)
		return true, nil
	}
	return grounded, nil
}

func (g *Guarded) Summarize(ctx context.Context, prior string, messages []ledger.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	summary, err := g.inner.Summarize(ctx, prior, messages)
	if err != nil {
		// Compaction is best-effort, but the fault must surface so the
		// caller keeps the full history instead of folding it into a
		// summary that never absorbed it.
		slog.Warn("summarize oracle fault, keeping history", "error", err)
		return prior, fmt.Errorf("summarize: %w", err)
	}
	return summary, nil
}
