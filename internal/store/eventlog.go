package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/corvid-labs/axon/pkg/schema"
)

// DefaultOverflowThreshold is the payload size in bytes above which event
// payloads move to the blob store.
const DefaultOverflowThreshold = 32 * 1024

// EventLog provides append and single-event load operations on top of a
// Store, handling payload overflow transparently. Payloads larger than the
// threshold are written to the blob store and the event row keeps only the
// blob key.
type EventLog struct {
	store     Store
	threshold int
}

// NewEventLog wraps a Store. threshold <= 0 selects DefaultOverflowThreshold.
func NewEventLog(s Store, threshold int) *EventLog {
	if threshold <= 0 {
		threshold = DefaultOverflowThreshold
	}
	return &EventLog{store: s, threshold: threshold}
}

// Append marshals payload and appends an event to the run's log. The store
// assigns the sequence number. The returned event always carries the full
// payload in memory, even when the row overflowed to the blob store.
//
// The blob is written before the event row so that every referenced blob
// exists; an orphaned blob from a failed append is harmless.
func (el *EventLog) Append(ctx context.Context, runID string, kind schema.EventKind, payload any) (*Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}

	event := &Event{RunID: runID, Kind: kind}
	if len(raw) > el.threshold {
		key := runID + "/" + uuid.NewString()
		if err := el.store.PutBlob(ctx, key, raw); err != nil {
			return nil, fmt.Errorf("overflow %s payload: %w", kind, err)
		}
		event.BlobKey = key
	} else {
		event.Payload = raw
	}

	if err := el.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	event.Payload = raw
	return event, nil
}

// Hydrate resolves an overflowed payload in place. A set BlobKey with no
// retrievable blob is fatal for the log.
func (el *EventLog) Hydrate(ctx context.Context, e *Event) error {
	if e == nil || e.BlobKey == "" || e.Payload != nil {
		return nil
	}
	data, err := el.store.GetBlob(ctx, e.BlobKey)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeBlobMissing {
			return schema.NewErrorf(schema.ErrCodeBlobMissing,
				"event %d of run %s references missing blob %q", e.Seq, e.RunID, e.BlobKey).WithRun(e.RunID)
		}
		return err
	}
	e.Payload = json.RawMessage(data)
	return nil
}

// LoadFirst returns the earliest event of a kind for a run, hydrated, or nil
// when the run has none.
func (el *EventLog) LoadFirst(ctx context.Context, runID string, kind schema.EventKind) (*Event, error) {
	return el.loadOne(ctx, runID, kind, OrderAsc)
}

// LoadLast returns the latest event of a kind for a run, hydrated, or nil
// when the run has none.
func (el *EventLog) LoadLast(ctx context.Context, runID string, kind schema.EventKind) (*Event, error) {
	return el.loadOne(ctx, runID, kind, OrderDesc)
}

func (el *EventLog) loadOne(ctx context.Context, runID string, kind schema.EventKind, order Order) (*Event, error) {
	e, err := el.store.GetEventByKind(ctx, runID, kind, order)
	if err != nil || e == nil {
		return nil, err
	}
	if err := el.Hydrate(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}
