package pages

import (
	"context"
	"log/slog"
	"sync"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/internal/streaming"
	"github.com/corvid-labs/axon/pkg/schema"
)

// Janitor deletes a run's non-persistent pages when the run terminates. It
// subscribes to the live event stream filtered to terminal kinds; a sweep on
// start covers terminal events that fired while the process was down or that
// the best-effort stream dropped.
type Janitor struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewJanitor creates a janitor over the given store and event hub.
func NewJanitor(st store.Store, hub streaming.EventHub, logger *slog.Logger) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		store:  st,
		hub:    hub,
		logger: logger.With("component", "pages_janitor"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start sweeps already-terminal runs and launches the subscription loop.
func (j *Janitor) Start() error {
	if n, err := j.store.SweepPages(j.ctx); err != nil {
		j.logger.Warn("startup page sweep failed", "error", err)
	} else if n > 0 {
		j.logger.Info("swept pages of terminal runs", "deleted", n)
	}

	events, unsubscribe, err := j.hub.Subscribe(j.ctx, streaming.EventFilter{
		Kinds: []schema.EventKind{schema.EventComplete, schema.EventError, schema.EventCancelled},
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"failed to subscribe pages janitor: %s", err.Error()).WithCause(err)
	}

	go j.run(events, unsubscribe)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		j.cancel()
		<-j.done
	})
}

func (j *Janitor) run(events <-chan streaming.StreamEvent, unsubscribe func()) {
	defer close(j.done)
	defer unsubscribe()

	for {
		select {
		case event := <-events:
			if err := j.store.DeleteRunPages(j.ctx, event.RunID, true); err != nil {
				j.logger.Warn("failed to delete run pages",
					"run_id", event.RunID, "kind", event.Kind, "error", err)
				continue
			}
			j.logger.Debug("deleted non-persistent pages",
				"run_id", event.RunID, "kind", event.Kind)
		case <-j.ctx.Done():
			return
		}
	}
}
