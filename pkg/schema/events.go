package schema

import "encoding/json"

// EventKind tags each entry in a run's append-only event log.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventRestart   EventKind = "restart"
	EventComplete  EventKind = "complete"
	EventError     EventKind = "error"
	EventCancelled EventKind = "cancelled"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"

	EventStepStart    EventKind = "step_start"
	EventStepComplete EventKind = "step_complete"
	EventStepRetry    EventKind = "step_retry"
	EventStepStatus   EventKind = "step_status"

	EventWebhook         EventKind = "webhook"
	EventWebhookResponse EventKind = "webhook_response"

	EventAgentStart            EventKind = "agent_start"
	EventAgentIteration        EventKind = "agent_iteration"
	EventAgentToolCall         EventKind = "agent_tool_call"
	EventAgentToolResult       EventKind = "agent_tool_result"
	EventAgentAssistantMessage EventKind = "agent_assistant_message"
	EventAgentWebhook          EventKind = "agent_webhook"
	EventAgentComplete         EventKind = "agent_complete"
)

// Terminal reports whether the event kind ends a run.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError || k == EventCancelled
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusPaused    RunStatus = "paused"
	RunStatusComplete  RunStatus = "complete"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusError || s == RunStatusCancelled
}

// StepStatus represents the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusRunning  StepStatus = "running"
	StepStatusComplete StepStatus = "complete"
	StepStatusError    StepStatus = "error"
	StepStatusWaiting  StepStatus = "waiting"
	StepStatusRetrying StepStatus = "retrying"
)

// --- Event payloads ---
//
// Each kind carries exactly the fields its replay effect needs. Decoding is
// total over the kind set: an unknown kind is an error, never a silent skip.

// StartPayload opens a fresh run.
type StartPayload struct {
	Brain        string          `json:"brain"`
	Description  string          `json:"description,omitempty"`
	InitialState json.RawMessage `json:"initialState"`
}

// RestartPayload checkpoints a recovered run: InitialState is the state
// reconstructed from the log prefix, so later replays can start here.
type RestartPayload struct {
	InitialState json.RawMessage `json:"initialState"`
}

// StepStartPayload marks entry into a step. Path is the index path through
// nested brains ([2] = third top-level step, [2 0] = its first inner step).
type StepStartPayload struct {
	Step string `json:"step"`
	Path []int  `json:"path"`
}

// StepCompletePayload carries the JSON Patch that transforms the run state.
// Patch may be empty when the step produced no state change.
type StepCompletePayload struct {
	Step  string          `json:"step"`
	Path  []int           `json:"path"`
	Patch json.RawMessage `json:"patch,omitempty"`
}

// StepRetryPayload records one failed attempt and the scheduled backoff.
type StepRetryPayload struct {
	Step        string `json:"step"`
	Path        []int  `json:"path"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error"`
	NextDelayMs int64  `json:"nextDelayMs"`
}

// StepSnapshot is one entry of a StepStatusPayload.
type StepSnapshot struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
}

// StepStatusPayload snapshots per-step statuses for observers.
type StepStatusPayload struct {
	Steps []StepSnapshot `json:"steps"`
}

// WebhookPayload suspends the run until POST /webhooks/{slug} delivers a
// response for Identifier. TimeoutMs of zero means wait forever.
type WebhookPayload struct {
	Step       string `json:"step"`
	Path       []int  `json:"path"`
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// WebhookResponsePayload records the accepted inbound delivery.
type WebhookResponsePayload struct {
	Slug       string          `json:"slug"`
	Identifier string          `json:"identifier"`
	Response   json.RawMessage `json:"response"`
}

// AgentStartPayload opens an agent tool-calling loop.
type AgentStartPayload struct {
	Step          string `json:"step"`
	Path          []int  `json:"path"`
	Prompt        string `json:"prompt"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`
	MaxIterations int    `json:"maxIterations"`
}

// AgentIterationPayload marks the start of one model round-trip.
type AgentIterationPayload struct {
	Iteration int `json:"iteration"`
}

// AgentToolCallPayload records a tool invocation requested by the model.
type AgentToolCallPayload struct {
	Iteration  int             `json:"iteration"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments"`
}

// AgentToolResultPayload records the outcome of a completed tool invocation.
type AgentToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Content    string `json:"content"`
}

// AgentAssistantMessagePayload preserves the provider's assistant message
// verbatim (SDK-native JSON), including tool calls and provider metadata.
type AgentAssistantMessagePayload struct {
	Message json.RawMessage `json:"message"`
}

// AgentWebhookPayload suspends an agent loop on a webhook-backed tool call.
// The pending ToolCallID must be resolved by id on resume, never positionally.
type AgentWebhookPayload struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// AgentCompletePayload closes an agent loop with its final text.
type AgentCompletePayload struct {
	Step       string `json:"step"`
	Path       []int  `json:"path"`
	Iterations int    `json:"iterations"`
	Result     string `json:"result,omitempty"`
}

// CompletePayload marks successful termination.
type CompletePayload struct{}

// ErrorPayload marks failed termination.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

// CancelledPayload marks cancelled termination.
type CancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// PausedPayload marks a pause requested via control signal.
type PausedPayload struct{}

// ResumedPayload marks resumption after a pause.
type ResumedPayload struct{}

// DecodeEventPayload unmarshals raw payload bytes into the typed struct for
// the given kind. The switch is total: every EventKind decodes to exactly one
// payload type, and an unknown kind is a LOG_CORRUPT error.
func DecodeEventPayload(kind EventKind, raw []byte) (any, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		payload any
		err     error
	)
	switch kind {
	case EventStart:
		payload, err = decodeAs[StartPayload](raw)
	case EventRestart:
		payload, err = decodeAs[RestartPayload](raw)
	case EventComplete:
		payload, err = decodeAs[CompletePayload](raw)
	case EventError:
		payload, err = decodeAs[ErrorPayload](raw)
	case EventCancelled:
		payload, err = decodeAs[CancelledPayload](raw)
	case EventPaused:
		payload, err = decodeAs[PausedPayload](raw)
	case EventResumed:
		payload, err = decodeAs[ResumedPayload](raw)
	case EventStepStart:
		payload, err = decodeAs[StepStartPayload](raw)
	case EventStepComplete:
		payload, err = decodeAs[StepCompletePayload](raw)
	case EventStepRetry:
		payload, err = decodeAs[StepRetryPayload](raw)
	case EventStepStatus:
		payload, err = decodeAs[StepStatusPayload](raw)
	case EventWebhook:
		payload, err = decodeAs[WebhookPayload](raw)
	case EventWebhookResponse:
		payload, err = decodeAs[WebhookResponsePayload](raw)
	case EventAgentStart:
		payload, err = decodeAs[AgentStartPayload](raw)
	case EventAgentIteration:
		payload, err = decodeAs[AgentIterationPayload](raw)
	case EventAgentToolCall:
		payload, err = decodeAs[AgentToolCallPayload](raw)
	case EventAgentToolResult:
		payload, err = decodeAs[AgentToolResultPayload](raw)
	case EventAgentAssistantMessage:
		payload, err = decodeAs[AgentAssistantMessagePayload](raw)
	case EventAgentWebhook:
		payload, err = decodeAs[AgentWebhookPayload](raw)
	case EventAgentComplete:
		payload, err = decodeAs[AgentCompletePayload](raw)
	default:
		return nil, NewErrorf(ErrCodeLogCorrupt, "unknown event kind %q", kind)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeLogCorrupt, "decode %s payload: %s", kind, err.Error()).WithCause(err)
	}
	return payload, nil
}

func decodeAs[T any](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// StatusForTerminalEvent maps a terminal event kind to the run status it
// implies; non-terminal kinds return "".
func StatusForTerminalEvent(kind EventKind) RunStatus {
	switch kind {
	case EventComplete:
		return RunStatusComplete
	case EventError:
		return RunStatusError
	case EventCancelled:
		return RunStatusCancelled
	default:
		return ""
	}
}
