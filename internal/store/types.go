package store

import (
	"encoding/json"
	"time"

	"github.com/corvid-labs/axon/pkg/schema"
)

// Run is the queryable projection of one brain execution. The event log is
// the source of truth; this row is derived from it for listing, signal
// admission checks and deadline scans.
type Run struct {
	ID           string           `json:"id"`
	Brain        string           `json:"brain"`
	Status       schema.RunStatus `json:"status"`
	State        json.RawMessage  `json:"state,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	WaitDeadline *time.Time       `json:"wait_deadline,omitempty"`
	ScheduleID   string           `json:"schedule_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Event is an immutable entry in a run's append-only log. Seq is assigned by
// the store, monotonic per run with no gaps. Exactly one of Payload or
// BlobKey is set: payloads over the overflow threshold live in the blob
// store and the row keeps only the key.
type Event struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	Seq       int64            `json:"sequence"`
	Kind      schema.EventKind `json:"kind"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	BlobKey   string           `json:"blob_key,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// WaitingRegistration maps a (slug, identifier) pair to the run suspended on
// it. At most one live registration per pair; a newer wait supersedes.
type WaitingRegistration struct {
	Slug       string    `json:"slug"`
	Identifier string    `json:"identifier"`
	RunID      string    `json:"run_id"`
	Token      string    `json:"token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueuedDelivery is a webhook payload that arrived while no run was waiting
// on its (slug, identifier) pair. Deliveries drain in arrival order when a
// matching registration appears.
type QueuedDelivery struct {
	ID         string          `json:"id"`
	Slug       string          `json:"slug"`
	Identifier string          `json:"identifier"`
	Response   json.RawMessage `json:"response"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Page is a rendered artifact published by a run, addressable by slug.
// Non-persistent pages are removed when their run reaches a terminal status.
type Page struct {
	RunID       string    `json:"run_id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title,omitempty"`
	Content     []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	Persist     bool      `json:"persist"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Schedule starts runs of a brain on a cron expression.
type Schedule struct {
	ID           string          `json:"id"`
	Brain        string          `json:"brain"`
	CronExpr     string          `json:"cron_expression"`
	InitialState json.RawMessage `json:"initial_state,omitempty"`
	Enabled      bool            `json:"enabled"`
	CreatedAt    time.Time       `json:"created_at"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     *schema.RunStatus  `json:"status,omitempty"`
	Statuses   []schema.RunStatus `json:"statuses,omitempty"`
	Brain      string             `json:"brain,omitempty"`
	ScheduleID string             `json:"schedule_id,omitempty"`
	Since      *time.Time         `json:"since,omitempty"`
	Limit      int                `json:"limit,omitempty"`
	Offset     int                `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run projection. Nil fields are
// left untouched. ClearDeadline removes the wait deadline.
type RunUpdate struct {
	Status        *schema.RunStatus `json:"status,omitempty"`
	State         json.RawMessage   `json:"state,omitempty"`
	Error         json.RawMessage   `json:"error,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	WaitDeadline  *time.Time        `json:"wait_deadline,omitempty"`
	ClearDeadline bool              `json:"clear_deadline,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Order selects scan direction for single-event lookups.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)
