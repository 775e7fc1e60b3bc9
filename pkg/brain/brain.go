// Package brain holds the definition types the engine executes: ordered
// steps, agent loops, webhook waits and sub-brain composition. Definitions
// are immutable once registered; the engine reads them, never mutates them.
package brain

import (
	"context"
	"encoding/json"
	"time"
)

// State is the run's JSON state as seen by step bodies. Steps return the
// next state; the engine derives the persisted JSON Patch by diffing.
type State map[string]any

// Clone returns a deep copy via JSON round-trip, so step bodies can mutate
// freely without aliasing the engine's view.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return State{}
	}
	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		return State{}
	}
	return out
}

// StepFunc is the body of a deterministic step. Returning a nil State means
// "no change".
type StepFunc func(ctx context.Context, state State) (State, error)

// ResumeFunc resumes a webhook wait step with the delivered response.
type ResumeFunc func(ctx context.Context, state State, response json.RawMessage) (State, error)

// Backoff selects the retry delay growth function.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy configures retry behavior for a step body.
type RetryPolicy struct {
	MaxRetries   int
	Backoff      Backoff
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// WebhookSpec suspends a step until an external delivery arrives at
// POST /webhooks/{slug} carrying the matching identifier.
type WebhookSpec struct {
	Slug string

	// Identifier may interpolate run state, e.g. "order-${state.orderId}".
	Identifier string

	// Timeout of zero waits forever; otherwise the run is cancelled when the
	// deadline passes without a delivery.
	Timeout time.Duration

	// FormToken generates a single-use CSRF token for this wait and renders
	// a resume form page carrying it. Programmatic webhooks leave this off.
	FormToken bool
}

// Step is one entry in a brain's ordered step list. Exactly one of Run,
// Webhook, Brain or Agent must be set (a webhook step may pair OnResponse
// with Webhook to process the delivery).
type Step struct {
	Title string

	// Run is a deterministic step body.
	Run StepFunc

	// Webhook suspends the run here; OnResponse is invoked with the delivery.
	Webhook    *WebhookSpec
	OnResponse ResumeFunc

	// Brain runs a nested brain inline, its events recorded in this run's log.
	Brain *Brain

	// Agent runs an LLM tool-calling loop.
	Agent *AgentDef

	Retry *RetryPolicy
}

// Brain is an immutable workflow definition.
type Brain struct {
	Title       string
	Description string
	Steps       []Step
}

// AgentDef configures an agent tool-calling loop step.
type AgentDef struct {
	// Prompt is the user prompt; ${state.x} references interpolate run state.
	Prompt       string
	SystemPrompt string

	// MaxIterations bounds model round-trips; 0 means the engine default.
	MaxIterations int

	Tools []Tool

	// OutputKey receives the final assistant text in run state; empty means
	// the step title is used.
	OutputKey string
}

// Tool describes a callable exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is the JSON Schema the model's arguments must satisfy.
	InputSchema() json.RawMessage
}

// Invoker is a Tool the engine can execute directly.
type Invoker interface {
	Tool
	Invoke(ctx context.Context, args json.RawMessage, state State) (string, error)
}

// FuncTool adapts a Go function into an Invoker.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, args json.RawMessage, state State) (string, error)
}

func (t *FuncTool) Name() string                 { return t.ToolName }
func (t *FuncTool) Description() string          { return t.ToolDescription }
func (t *FuncTool) InputSchema() json.RawMessage { return t.Schema }

func (t *FuncTool) Invoke(ctx context.Context, args json.RawMessage, state State) (string, error) {
	return t.Fn(ctx, args, state)
}

// WebhookTool suspends the agent loop mid-conversation when the model calls
// it: the run waits for an external delivery that becomes the tool result.
type WebhookTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage

	Slug string

	// Identifier may interpolate both run state and the model's arguments,
	// e.g. "ticket-${args.ticketId}".
	Identifier string

	Timeout   time.Duration
	FormToken bool
}

func (t *WebhookTool) Name() string                 { return t.ToolName }
func (t *WebhookTool) Description() string          { return t.ToolDescription }
func (t *WebhookTool) InputSchema() json.RawMessage { return t.Schema }

var _ Invoker = (*FuncTool)(nil)
var _ Tool = (*WebhookTool)(nil)
