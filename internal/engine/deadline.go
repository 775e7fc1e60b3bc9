package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

const deadlineRetryInterval = 5 * time.Second

// signaler is the slice of the engine the deadline monitor needs: gated
// signal injection with a wake.
type signaler interface {
	Signal(ctx context.Context, runID string, sig *schema.Signal) error
}

// DeadlineMonitor enforces webhook wait timeouts. It keeps a single timer
// armed for the nearest deadline across all waiting runs and re-arms on every
// Poke. A fired deadline kills the run through the normal signal path, so a
// run that resumed in the meantime rejects the kill at the gate and nothing
// happens.
//
// Deadlines live on the run rows, so a restart recovers them on the first
// pass; deadlines missed while down fire immediately.
type DeadlineMonitor struct {
	store    store.Store
	signaler signaler
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	poke   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewDeadlineMonitor(st store.Store, sig signaler, logger *slog.Logger) *DeadlineMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeadlineMonitor{
		store:    st,
		signaler: sig,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		poke:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *DeadlineMonitor) Start() {
	go m.run()
}

// Stop halts the loop and waits for it to exit.
func (m *DeadlineMonitor) Stop() {
	m.once.Do(func() {
		m.cancel()
		<-m.done
	})
}

// Poke re-evaluates the nearest deadline. Non-blocking and coalescing; called
// after every wait registration and after a pause lifts.
func (m *DeadlineMonitor) Poke() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

func (m *DeadlineMonitor) run() {
	defer close(m.done)
	for {
		next, err := m.store.NearestDeadline(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("query nearest deadline", "error", err)
			select {
			case <-time.After(deadlineRetryInterval):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		if next == nil || next.WaitDeadline == nil {
			select {
			case <-m.poke:
			case <-m.ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(*next.WaitDeadline)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			m.fire()
		case <-m.poke:
			timer.Stop()
		case <-m.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// fire kills every run whose deadline has passed. The gate drops the kill
// for runs that already resumed; the deadline is cleared either way so it
// cannot fire twice.
func (m *DeadlineMonitor) fire() {
	expired, err := m.store.ListExpiredWaits(m.ctx, time.Now().UTC())
	if err != nil {
		if m.ctx.Err() == nil {
			m.logger.Warn("list expired waits", "error", err)
		}
		return
	}

	for _, run := range expired {
		err := m.signaler.Signal(m.ctx, run.ID, schema.KillSignal("webhook wait timed out"))
		switch {
		case err == nil:
			m.logger.Info("webhook wait timed out", "run_id", run.ID, "brain", run.Brain)
		case schema.CodeOf(err) == schema.ErrCodeSignalRejected:
			// Resumed between the query and the kill.
		default:
			m.logger.Warn("deliver timeout kill", "run_id", run.ID, "error", err)
			continue
		}
		if uerr := m.store.UpdateRun(m.ctx, run.ID, store.RunUpdate{ClearDeadline: true}); uerr != nil {
			m.logger.Warn("clear fired deadline", "run_id", run.ID, "error", uerr)
		}
	}
}
