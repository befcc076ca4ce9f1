package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidewater-ai/concierge/internal/ledger"
	"github.com/tidewater-ai/concierge/internal/providers"
)

const routerSystem = `You route customer questions for a business assistant.
Answer with a JSON object: {"datasource": "<one>"} where <one> is:
- "vectorstore": the question is about the business, its products, services, policies, hours, or prices
- "web_search": the question needs current external information
- "generate": greetings, chit-chat, follow-ups answerable from conversation alone
- "describe_image": the user is asking about an attached image or file`

const graderSystem = `You grade whether a retrieved document is relevant to a user question.
Answer with a JSON object: {"relevant": true} or {"relevant": false}.
A document is relevant if it contains keywords or semantic meaning related to the question.`

const rewriterSystem = `You improve search queries. Rewrite the user question into a better query
for document retrieval, preserving its intent. Answer with the rewritten query only, no preamble.`

const groundedSystem = `You check whether an answer is supported by the given documents.
Answer with a JSON object: {"grounded": true} or {"grounded": false}.
The answer is grounded if its factual claims appear in the documents.`

const generatorSystem = `You are a friendly customer-service assistant for a business.
Answer using the provided context documents when present. Be concise and concrete.
If the context does not contain the answer, say so honestly and suggest what the
customer could do next. Never invent facts about the business.`

const summarizerSystem = `Summarize the conversation below into a short paragraph preserving
customer details, requests, and outcomes. Merge with the prior summary if one is given.`

// LLMOracle implements every oracle port on one chat provider. Verdict calls
// use JSON mode and low temperature so outputs stay parseable.
type LLMOracle struct {
	provider providers.Provider
}

func NewLLM(p providers.Provider) *LLMOracle {
	return &LLMOracle{provider: p}
}

func zero() *float64 { v := 0.0; return &v }

func (o *LLMOracle) verdict(ctx context.Context, system, user string) (map[string]json.RawMessage, error) {
	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: zero(),
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("malformed verdict %q: %w", resp.Content, err)
	}
	return out, nil
}

func (o *LLMOracle) Route(ctx context.Context, question string, hasAttachments bool) (ledger.RoutingDecision, error) {
	user := question
	if hasAttachments {
		user += "\n\n[the message includes an attachment]"
	}
	out, err := o.verdict(ctx, routerSystem, user)
	if err != nil {
		return ledger.RouteUndecided, err
	}
	var ds string
	if err := json.Unmarshal(out["datasource"], &ds); err != nil {
		return ledger.RouteUndecided, fmt.Errorf("router verdict missing datasource: %w", err)
	}
	switch ds {
	case "vectorstore":
		return ledger.RouteRetrieval, nil
	case "web_search":
		return ledger.RouteWebSearch, nil
	case "generate":
		return ledger.RouteDirect, nil
	case "describe_image":
		return ledger.RouteAttachment, nil
	}
	return ledger.RouteUndecided, fmt.Errorf("router returned unknown datasource %q", ds)
}

func (o *LLMOracle) Grade(ctx context.Context, doc ledger.EvidenceDoc, question string) (bool, error) {
	user := fmt.Sprintf("Question: %s\n\nDocument:\n%s", question, doc.Content)
	out, err := o.verdict(ctx, graderSystem, user)
	if err != nil {
		return false, err
	}
	var relevant bool
	if err := json.Unmarshal(out["relevant"], &relevant); err != nil {
		return false, fmt.Errorf("grader verdict missing relevant: %w", err)
	}
	return relevant, nil
}

func (o *LLMOracle) Rewrite(ctx context.Context, question string) (string, error) {
	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: rewriterSystem},
			{Role: "user", Content: question},
		},
		Temperature: zero(),
	})
	if err != nil {
		return "", err
	}
	rewritten := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), `"`))
	if rewritten == "" {
		return "", fmt.Errorf("rewriter returned empty query")
	}
	return rewritten, nil
}

func (o *LLMOracle) Generate(ctx context.Context, req GenerationRequest) (*Draft, error) {
	msgs := []providers.Message{{Role: "system", Content: generatorSystem}}
	if req.Summary != "" {
		msgs = append(msgs, providers.Message{
			Role:    "system",
			Content: "Conversation so far: " + req.Summary,
		})
	}
	for _, m := range req.History {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}

	user := req.Question
	if len(req.Evidence) > 0 {
		var b strings.Builder
		b.WriteString("Context documents:\n")
		for i, doc := range req.Evidence {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, doc.Content)
		}
		b.WriteString("\nQuestion: ")
		b.WriteString(req.Question)
		user = b.String()
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: user})
	msgs = append(msgs, req.Extra...)

	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Messages: msgs,
		Tools:    req.Tools,
	})
	if err != nil {
		return nil, err
	}
	return &Draft{Text: resp.Content, ToolCalls: resp.ToolCalls}, nil
}

func (o *LLMOracle) CheckGrounded(ctx context.Context, draft string, evidence []ledger.EvidenceDoc) (bool, error) {
	var b strings.Builder
	b.WriteString("Documents:\n")
	for i, doc := range evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, doc.Content)
	}
	b.WriteString("\nAnswer: ")
	b.WriteString(draft)

	out, err := o.verdict(ctx, groundedSystem, b.String())
	if err != nil {
		return false, err
	}
	var grounded bool
	if err := json.Unmarshal(out["grounded"], &grounded); err != nil {
		return false, fmt.Errorf("groundedness verdict missing grounded: %w", err)
	}
	return grounded, nil
}

func (o *LLMOracle) Summarize(ctx context.Context, prior string, messages []ledger.Message) (string, error) {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Prior summary: ")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: summarizerSystem},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
