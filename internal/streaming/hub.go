// Package streaming fans appended run events out to live observers: the SSE
// watch endpoint, the pages janitor and the MCP completion notifier all
// subscribe here. Delivery is best-effort; the event log is the durable record.
package streaming

import (
	"context"
	"encoding/json"

	"github.com/corvid-labs/axon/pkg/schema"
)

// StreamEvent mirrors one appended log entry. Payload is the hydrated event
// payload, never a blob key.
type StreamEvent struct {
	RunID   string           `json:"run_id"`
	Seq     int64            `json:"seq"`
	Kind    schema.EventKind `json:"kind"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID string             `json:"run_id,omitempty"`
	Kinds []schema.EventKind `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
