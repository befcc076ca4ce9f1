package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidewater-ai/concierge/internal/ledger"
	"github.com/tidewater-ai/concierge/internal/providers"
)

// Executor runs a requested action against the business's backing systems.
type Executor interface {
	Execute(ctx context.Context, req ActionRequest) (string, error)
}

// ActionRequest is one tool invocation the generation oracle asked for.
type ActionRequest struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Registry classifies actions by static name lookup. Safe actions have no
// externally visible side effect and execute immediately; sensitive ones
// suspend the pipeline until the user confirms. Unknown names are treated
// as sensitive.
type Registry struct {
	safe        map[string]providers.ToolDefinition
	sensitive   map[string]providers.ToolDefinition
	confirmText map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		safe:        make(map[string]providers.ToolDefinition),
		sensitive:   make(map[string]providers.ToolDefinition),
		confirmText: make(map[string]string),
	}
}

func (r *Registry) RegisterSafe(def providers.ToolDefinition) {
	r.safe[def.Function.Name] = def
}

// RegisterSensitive registers an action that needs confirmation. confirmText
// is the question shown to the user, with a %v placeholder for the
// arguments.
func (r *Registry) RegisterSensitive(def providers.ToolDefinition, confirmText string) {
	r.sensitive[def.Function.Name] = def
	r.confirmText[def.Function.Name] = confirmText
}

func (r *Registry) IsSensitive(name string) bool {
	_, safe := r.safe[name]
	return !safe
}

func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.safe)+len(r.sensitive))
	for _, d := range r.safe {
		defs = append(defs, d)
	}
	for _, d := range r.sensitive {
		defs = append(defs, d)
	}
	return defs
}

// ConfirmPrompt builds the confirmation question for a sensitive call.
func (r *Registry) ConfirmPrompt(name string, args map[string]interface{}) string {
	if text, ok := r.confirmText[name]; ok {
		return fmt.Sprintf(text, args)
	}
	return fmt.Sprintf("I'd like to run %q with %v. Should I go ahead? (yes/no)", name, args)
}

func toolDef(name, description string, params map[string]interface{}) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

// DefaultRegistry carries the standard customer-service action set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	strParam := func(names ...string) map[string]interface{} {
		props := map[string]interface{}{}
		for _, n := range names {
			props[n] = map[string]interface{}{"type": "string"}
		}
		return map[string]interface{}{"type": "object", "properties": props}
	}

	r.RegisterSafe(toolDef("lookup_order",
		"Look up the status of an existing order by order number.",
		strParam("order_number")))
	r.RegisterSafe(toolDef("check_availability",
		"Check whether a product or a reservation slot is available.",
		strParam("item", "date")))

	r.RegisterSensitive(toolDef("create_reservation",
		"Create a reservation on the customer's behalf.",
		strParam("date", "time", "party_size")),
		"I'm about to book a reservation with %v. Shall I confirm it? (yes/no)")
	r.RegisterSensitive(toolDef("cancel_order",
		"Cancel an existing order.",
		strParam("order_number")),
		"This will cancel order %v. Are you sure? (yes/no)")
	return r
}

// actionGate classifies the draft's tool calls. Any sensitive call suspends
// the run; an all-safe set executes immediately and its results feed back
// into generation.
func (p *Pipeline) actionGate(ctx context.Context, rc *runContext) (GateResult, error) {
	for _, call := range rc.draft.ToolCalls {
		if !p.registry.IsSensitive(call.Name) {
			continue
		}
		args, err := json.Marshal(call.Arguments)
		if err != nil {
			return "", fmt.Errorf("encode action args: %w", err)
		}
		prompt := p.registry.ConfirmPrompt(call.Name, call.Arguments)
		rc.state.PushPending(ledger.PendingActionFrame{
			ID:         call.ID,
			ActionName: call.Name,
			ActionArgs: args,
			Prompt:     prompt,
		}, p.cfg.Pipeline.PendingDepth())
		rc.prompt = prompt
		slog.Info("sensitive action suspended pending confirmation",
			"conversation", rc.state.ConversationID, "action", call.Name)
		return GateNeedsConfirm, nil
	}

	// All safe: execute and hand results back to the generator.
	assistant := providers.Message{Role: "assistant", ToolCalls: rc.draft.ToolCalls}
	rc.extra = append(rc.extra, assistant)
	for _, call := range rc.draft.ToolCalls {
		result, err := p.executor.Execute(ctx, ActionRequest{
			ID: call.ID, Name: call.Name, Args: call.Arguments,
		})
		if err != nil {
			// Fed back as a tool result so the reply explains the failure
			// in plain language without leaking internals.
			slog.Warn("safe action failed",
				"conversation", rc.state.ConversationID, "action", call.Name, "error", err)
			result = "The action could not be completed right now."
		}
		rc.extra = append(rc.extra, providers.Message{
			Role: "tool", ToolCallID: call.ID, Content: result,
		})
	}
	rc.actionRounds++
	return GateSafeDone, nil
}

// ConfirmationMessages rebuilds the generation context for a resumed run:
// the original tool call followed by its outcome.
func ConfirmationMessages(frame ledger.PendingActionFrame, outcome string) []providers.Message {
	var args map[string]interface{}
	_ = json.Unmarshal(frame.ActionArgs, &args)
	return []providers.Message{
		{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: frame.ID, Name: frame.ActionName, Arguments: args},
			},
		},
		{Role: "tool", ToolCallID: frame.ID, Content: outcome},
	}
}
