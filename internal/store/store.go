package store

import (
	"context"
	"time"

	"github.com/corvid-labs/axon/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventByKind(ctx context.Context, runID string, kind schema.EventKind, order Order) (*Event, error)

	// Blobs (overflowed event payloads)
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)

	// Signals (per-run FIFO queue)
	QueueSignal(ctx context.Context, runID string, sig *schema.Signal) error
	GetAndConsumeSignals(ctx context.Context, runID string, filter schema.SignalFilter) ([]*schema.Signal, error)

	// Waiting registrations (webhook coordination)
	RegisterWaiting(ctx context.Context, reg *WaitingRegistration) error
	FindWaiting(ctx context.Context, slug, identifier string) (*WaitingRegistration, error)
	ListWaiting(ctx context.Context, slug string) ([]*WaitingRegistration, error)
	ClaimWaiting(ctx context.Context, slug, identifier, runID string) (bool, error)
	ClearWaiting(ctx context.Context, runID string) error

	// Queued deliveries (webhooks with no waiting run)
	QueueDelivery(ctx context.Context, d *QueuedDelivery) error
	TakeDeliveries(ctx context.Context, slug, identifier string) ([]*QueuedDelivery, error)

	// Deadlines
	ListExpiredWaits(ctx context.Context, now time.Time) ([]*Run, error)
	NearestDeadline(ctx context.Context) (*Run, error)

	// Pages
	UpsertPage(ctx context.Context, page *Page) error
	GetPage(ctx context.Context, runID, slug string) (*Page, error)
	ListPages(ctx context.Context, runID string) ([]*Page, error)
	DeleteRunPages(ctx context.Context, runID string, keepPersistent bool) error
	SweepPages(ctx context.Context) (int64, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
