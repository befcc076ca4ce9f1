package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidewater-ai/concierge/internal/ledger"
	"github.com/tidewater-ai/concierge/internal/oracle"
)

// maxActionRounds bounds the safe-action feedback loop: after this many
// execute-and-regenerate rounds the model loses tool access and must answer
// in text.
const maxActionRounds = 3

func (p *Pipeline) route(ctx context.Context, rc *runContext) (GateResult, error) {
	route, err := p.oracle.Route(ctx, rc.state.Question, rc.turn.HasAttachments())
	if err != nil {
		return "", err
	}

	// A stale oracle may ask for attachment understanding on a turn with no
	// attachment. The override is deterministic and consumes no retry
	// budget.
	if route == ledger.RouteAttachment && !rc.turn.HasAttachments() {
		slog.Debug("routing override: no attachment on turn",
			"conversation", rc.state.ConversationID)
		route = ledger.RouteDirect
	}
	rc.state.Route = route

	switch route {
	case ledger.RouteRetrieval:
		return GateRetrieval, nil
	case ledger.RouteWebSearch:
		return GateWebSearch, nil
	case ledger.RouteAttachment:
		return GateAttachment, nil
	default:
		return GateDirect, nil
	}
}

func (p *Pipeline) describe(ctx context.Context, rc *runContext) (GateResult, error) {
	for i := range rc.turn.Attachments {
		att := &rc.turn.Attachments[i]
		desc, err := p.describer.Describe(ctx, *att, rc.state.Question)
		if err != nil {
			// Understanding is best-effort; generation proceeds with
			// whatever context exists.
			slog.Warn("attachment understanding failed",
				"conversation", rc.state.ConversationID, "url", att.URL, "error", err)
			continue
		}
		att.Context = desc
	}

	var described []string
	for _, att := range rc.turn.Attachments {
		if att.Context != "" {
			described = append(described, att.Context)
		}
	}
	if len(described) > 0 {
		rc.state.Evidence = append(rc.state.Evidence, ledger.EvidenceDoc{
			Title:   "attached media",
			Content: "The user attached media showing: " + strings.Join(described, " / "),
			Graded:  true,
		})
	}
	return GateOK, nil
}

func (p *Pipeline) retrieve(ctx context.Context, rc *runContext) (GateResult, error) {
	rc.state.SearchAttempts++
	docs, err := p.retriever.Search(ctx, rc.state.Question, rc.state.TenantID,
		p.cfg.Retrieval.SearchLimit())
	if err != nil {
		// An unreachable index behaves like an empty one; the grade stage
		// decides whether to rewrite or give up.
		slog.Warn("retrieval failed", "conversation", rc.state.ConversationID, "error", err)
		docs = nil
	}
	rc.state.Evidence = docs
	return GateOK, nil
}

func (p *Pipeline) webSearch(ctx context.Context, rc *runContext) (GateResult, error) {
	docs, err := p.searcher.Search(ctx, rc.state.Question, rc.state.TenantID,
		p.cfg.Retrieval.SearchLimit())
	if err != nil {
		slog.Warn("web search failed", "conversation", rc.state.ConversationID, "error", err)
		return GateNoEvidence, nil
	}
	if len(docs) == 0 {
		return GateNoEvidence, nil
	}
	rc.state.Evidence = docs
	return GateOK, nil
}

// grade filters the evidence set. Only the first maxDocsGraded documents go
// through the oracle; the remainder ride along unfiltered only when at
// least one graded document was relevant, so an all-unfiltered evidence set
// is never accepted silently.
func (p *Pipeline) grade(ctx context.Context, rc *runContext) (GateResult, error) {
	docs := rc.state.Evidence
	limit := p.cfg.Pipeline.DocsGraded()
	if limit > len(docs) {
		limit = len(docs)
	}

	var kept []ledger.EvidenceDoc
	anyRelevant := false
	for i := 0; i < limit; i++ {
		relevant, err := p.oracle.Grade(ctx, docs[i], rc.state.Question)
		if err != nil {
			return "", err
		}
		if relevant {
			doc := docs[i]
			doc.Graded = true
			kept = append(kept, doc)
			anyRelevant = true
		}
	}
	if anyRelevant {
		kept = append(kept, docs[limit:]...)
	}
	rc.state.Evidence = kept

	if len(kept) > 0 {
		return GateOK, nil
	}
	if rc.state.RewriteCount < p.cfg.Pipeline.RewriteCap() {
		return GateNoEvidence, nil
	}
	return GateExhausted, nil
}

func (p *Pipeline) rewrite(ctx context.Context, rc *runContext) (GateResult, error) {
	rewritten, err := p.oracle.Rewrite(ctx, rc.state.Question)
	if err != nil {
		return "", err
	}
	rc.state.RewriteCount++
	rc.state.Question = rewritten
	slog.Debug("query rewritten",
		"conversation", rc.state.ConversationID, "attempt", rc.state.RewriteCount)
	return GateOK, nil
}

// priorHistory trims the in-flight user turn from the history. Generate
// re-sends the question as the final prompt message, so leaving it in would
// show the model the same question twice.
func priorHistory(msgs []ledger.Message) []ledger.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" {
		return msgs[:n-1]
	}
	return msgs
}

func (p *Pipeline) generate(ctx context.Context, rc *runContext) (GateResult, error) {
	req := oracle.GenerationRequest{
		Question: rc.state.Question,
		Evidence: rc.state.Evidence,
		History:  priorHistory(rc.state.Messages),
		Summary:  rc.state.Summary,
		Extra:    rc.extra,
	}
	if p.executor != nil && rc.actionRounds < maxActionRounds {
		req.Tools = p.registry.Definitions()
	}

	draft, err := p.oracle.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	rc.draft = draft

	if draft.WantsAction() {
		return GateActionCall, nil
	}
	if len(rc.state.Evidence) > 0 {
		return GatePlainText, nil
	}
	return GateDirect, nil
}

func (p *Pipeline) verify(ctx context.Context, rc *runContext) (GateResult, error) {
	grounded, err := p.oracle.CheckGrounded(ctx, rc.draft.Text, rc.state.Evidence)
	if err != nil {
		return "", err
	}
	if grounded {
		return GateGrounded, nil
	}
	// The regeneration path goes back through rewrite, so it needs budget
	// on both counters.
	if rc.state.GroundednessTries < p.cfg.Pipeline.GroundednessCap() &&
		rc.state.RewriteCount < p.cfg.Pipeline.RewriteCap() {
		rc.state.GroundednessTries++
		slog.Debug("draft not grounded, re-entering rewrite loop",
			"conversation", rc.state.ConversationID, "attempt", rc.state.GroundednessTries)
		return GateNotGrounded, nil
	}
	// Retries exhausted: keep the best draft but be honest about it.
	rc.draft.Text += "\n\n(I couldn't fully verify this against our records, so please double-check anything important.)"
	return GateExhausted, nil
}

// forceSuggest is the terminal generation for a turn that found no usable
// evidence after the rewrite budget ran out: answer transparently and
// suggest next steps instead of looping again.
func (p *Pipeline) forceSuggest(ctx context.Context, rc *runContext) (GateResult, error) {
	draft, err := p.oracle.Generate(ctx, oracle.GenerationRequest{
		Question: fmt.Sprintf(
			"I could not find information to answer: %q. Tell the customer honestly that you don't have this information, and suggest next steps such as rephrasing or contacting staff directly.",
			rc.state.OriginalQuestion),
		History: priorHistory(rc.state.Messages),
		Summary: rc.state.Summary,
	})
	if err != nil {
		return "", err
	}
	rc.draft = draft
	return GateOK, nil
}
