package schema

import "encoding/json"

// SignalKind separates control-plane signals from webhook deliveries.
type SignalKind string

const (
	SignalKindControl SignalKind = "control"
	SignalKindWebhook SignalKind = "webhook"
)

// ControlType enumerates the control signals an operator can inject.
type ControlType string

const (
	ControlKill   ControlType = "kill"
	ControlPause  ControlType = "pause"
	ControlResume ControlType = "resume"
)

// SignalType is the unit the admission gate reasons about: the three control
// types plus the single webhook signal type.
type SignalType string

const (
	SignalKill            SignalType = "kill"
	SignalPause           SignalType = "pause"
	SignalResume          SignalType = "resume"
	SignalWebhookResponse SignalType = "webhook_response"
)

// Signal is a single-delivery instruction injected into a run's FIFO queue.
// Control signals carry Control and optionally Reason; webhook signals carry
// Slug, Identifier and the raw Response payload.
type Signal struct {
	Kind       SignalKind      `json:"kind"`
	Control    ControlType     `json:"control,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Slug       string          `json:"slug,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// Type collapses a Signal to the SignalType the gate understands.
func (s *Signal) Type() SignalType {
	if s.Kind == SignalKindWebhook {
		return SignalWebhookResponse
	}
	return SignalType(s.Control)
}

// SignalFilter selects which queued signals GetAndConsumeSignals returns.
type SignalFilter string

const (
	FilterControl SignalFilter = "control"
	FilterWebhook SignalFilter = "webhook"
	FilterAll     SignalFilter = "all"
)

// Matches reports whether a signal of the given kind passes the filter.
func (f SignalFilter) Matches(kind SignalKind) bool {
	switch f {
	case FilterAll:
		return true
	case FilterControl:
		return kind == SignalKindControl
	case FilterWebhook:
		return kind == SignalKindWebhook
	default:
		return false
	}
}

// KillSignal builds a CONTROL kill signal with the given reason.
func KillSignal(reason string) *Signal {
	return &Signal{Kind: SignalKindControl, Control: ControlKill, Reason: reason}
}

// WebhookSignal builds a WEBHOOK signal carrying a delivery for (slug, identifier).
func WebhookSignal(slug, identifier string, response json.RawMessage) *Signal {
	return &Signal{Kind: SignalKindWebhook, Slug: slug, Identifier: identifier, Response: response}
}
