// Package scheduler starts brain runs on cron expressions. Schedules are
// store-backed; due-ness derives from last_run_at, so schedules missed while
// the process was down fire once on the first tick after boot.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 60 * time.Second

// Standard 5-field cron. Shared by the scheduler and the schedules API so an
// expression accepted on write is the one the loop evaluates.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateExpr rejects malformed cron expressions.
func ValidateExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidInput,
			"invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return nil
}

// NextAfter returns the first firing of expr strictly after from.
func NextAfter(expr string, from time.Time) (time.Time, error) {
	spec, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return spec.Next(from), nil
}

// Starter is the slice of the engine the scheduler needs; satisfied by
// engine.Engine.
type Starter interface {
	StartScheduledRun(ctx context.Context, brainName string, initialState json.RawMessage, scheduleID string) (string, error)
}

// Scheduler ticks over enabled schedules and starts the due ones.
type Scheduler struct {
	store    store.Store
	starter  Starter
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a scheduler. A zero interval means DefaultInterval.
func NewScheduler(st store.Store, starter Starter, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    st,
		starter:  starter,
		logger:   logger.With("component", "scheduler"),
		interval: interval,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the tick loop. The first tick runs immediately, which is
// what recovers schedules that became due while the process was down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled, due schedule that has no live run.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if !sched.Enabled || !s.due(sched, now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		s.runSchedule(ctx, sched, now)
		s.release(sched.ID)
	}
}

// due reports whether the schedule's next firing after its last run (or its
// creation, for never-run schedules) has passed. Multiple missed firings
// collapse into one.
func (s *Scheduler) due(sched *store.Schedule, now time.Time) bool {
	anchor := sched.CreatedAt
	if sched.LastRunAt != nil {
		anchor = *sched.LastRunAt
	}
	next, err := NextAfter(sched.CronExpr, anchor)
	if err != nil {
		s.logger.Error("schedule has invalid cron expression",
			"schedule_id", sched.ID, "expression", sched.CronExpr, "error", err)
		return false
	}
	return !next.After(now)
}

func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) {
	// A still-live previous run defers the schedule. last_run_at stays put,
	// so the next tick retries.
	alive, err := s.store.ListRuns(ctx, store.RunFilter{
		ScheduleID: sched.ID,
		Statuses: []schema.RunStatus{
			schema.RunStatusPending,
			schema.RunStatusRunning,
			schema.RunStatusWaiting,
			schema.RunStatusPaused,
		},
		Limit: 1,
	})
	if err != nil {
		s.logger.Error("failed to check schedule runs", "schedule_id", sched.ID, "error", err)
		return
	}
	if len(alive) > 0 {
		s.logger.Debug("schedule deferred, previous run still live",
			"schedule_id", sched.ID, "run_id", alive[0].ID)
		return
	}

	runID, err := s.starter.StartScheduledRun(ctx, sched.Brain, sched.InitialState, sched.ID)
	if err != nil {
		s.logger.Error("failed to start scheduled run",
			"schedule_id", sched.ID, "brain", sched.Brain, "error", err)
	} else {
		s.logger.Info("scheduled run started",
			"schedule_id", sched.ID, "brain", sched.Brain, "run_id", runID)
	}

	// Advance the anchor even on failure; a broken schedule logs once per
	// interval, not on every tick.
	if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{LastRunAt: &now}); err != nil {
		s.logger.Error("failed to record schedule run time", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
