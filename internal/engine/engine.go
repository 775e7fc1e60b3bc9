// Package engine hosts run execution: one actor goroutine per live run that
// drives steps and agent loops, appends to the event log, suspends on webhook
// waits and resumes from signals. A run's actor is the only writer of its log.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/axon/internal/expressions"
	"github.com/corvid-labs/axon/internal/logging"
	"github.com/corvid-labs/axon/internal/replay"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/internal/streaming"
	"github.com/corvid-labs/axon/internal/validation"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

const (
	// DefaultModelConcurrency bounds concurrent model calls across all runs.
	DefaultModelConcurrency = 4

	// DefaultMaxIterations caps agent loop round-trips when a definition
	// does not set its own bound.
	DefaultMaxIterations = 10
)

// WaitRegistrar manages webhook waiting registrations. Satisfied by
// *webhook.Coordinator, which also drains queued deliveries on registration.
type WaitRegistrar interface {
	RegisterWaiting(ctx context.Context, slug, identifier, runID, token string) error
	ClearWaiting(ctx context.Context, runID string) error
}

// FormPublisher renders resume form pages for webhook waits that requested a
// CSRF token. Optional; nil disables form publishing.
type FormPublisher interface {
	PublishResumeForm(ctx context.Context, runID, slug, identifier, token string) error
}

// Options configures an Engine. Store and Brains are required; everything
// else has a usable default.
type Options struct {
	Store     store.Store
	Brains    *brain.Registry
	Model     ModelClient
	Hub       streaming.EventHub
	Registrar WaitRegistrar
	Forms     FormPublisher
	Logger    *slog.Logger

	ModelConcurrency  int
	MaxIterations     int
	OverflowThreshold int
}

// Engine owns the run actors and the deadline monitor.
type Engine struct {
	store     store.Store
	log       *store.EventLog
	brains    *brain.Registry
	loader    *replay.Loader
	model     ModelClient
	hub       streaming.EventHub
	registrar WaitRegistrar
	forms     FormPublisher
	logger    *slog.Logger

	sem      *Semaphore
	args     *validation.ArgsValidator
	interp   *expressions.Interpolator
	deadline *DeadlineMonitor
	maxIter  int

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*actor
	wg     sync.WaitGroup
	closed bool
}

// actor is the handle to one run's goroutine. wake is 1-buffered: a send
// while one is already pending is a no-op, which makes WakeUp idempotent.
type actor struct {
	runID string
	wake  chan struct{}
}

// New builds an Engine. The engine does not recover existing runs until
// Start is called.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.ModelConcurrency
	if concurrency <= 0 {
		concurrency = DefaultModelConcurrency
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	registrar := opts.Registrar
	if registrar == nil {
		registrar = &storeRegistrar{st: opts.Store}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      opts.Store,
		log:        store.NewEventLog(opts.Store, opts.OverflowThreshold),
		brains:     opts.Brains,
		loader:     replay.NewLoader(opts.Store, 0),
		model:      opts.Model,
		hub:        opts.Hub,
		registrar:  registrar,
		forms:      opts.Forms,
		logger:     logger,
		sem:        NewSemaphore(concurrency),
		args:       validation.NewArgsValidator(),
		interp:     expressions.NewInterpolator(),
		maxIter:    maxIter,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		actors:     make(map[string]*actor),
	}
	e.deadline = NewDeadlineMonitor(opts.Store, e, logger)
	return e
}

// Start recovers every non-terminal run from the store and begins deadline
// monitoring. Missed webhook deadlines fire immediately.
func (e *Engine) Start(ctx context.Context) error {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{
			schema.RunStatusPending,
			schema.RunStatusRunning,
			schema.RunStatusWaiting,
			schema.RunStatusPaused,
		},
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list recoverable runs: %s", err.Error()).WithCause(err)
	}

	for _, run := range runs {
		if err := e.spawn(run.ID); err != nil {
			e.logger.Error("recover run", "run_id", run.ID, "error", err)
		}
	}
	if len(runs) > 0 {
		e.logger.Info("recovered runs", "count", len(runs))
	}

	e.deadline.Start()
	return nil
}

// StartRun creates a run of the named brain and spawns its actor.
// initialState must be a JSON object; empty means {}.
func (e *Engine) StartRun(ctx context.Context, brainName string, initialState json.RawMessage) (string, error) {
	return e.startRun(ctx, brainName, initialState, "")
}

// StartScheduledRun is StartRun with the originating schedule recorded on the
// run row, so the scheduler can skip a schedule whose previous run is alive.
func (e *Engine) StartScheduledRun(ctx context.Context, brainName string, initialState json.RawMessage, scheduleID string) (string, error) {
	return e.startRun(ctx, brainName, initialState, scheduleID)
}

func (e *Engine) startRun(ctx context.Context, brainName string, initialState json.RawMessage, scheduleID string) (string, error) {
	def, err := e.brains.Get(brainName)
	if err != nil {
		return "", err
	}
	if len(initialState) == 0 {
		initialState = json.RawMessage(`{}`)
	}
	var probe map[string]any
	if err := json.Unmarshal(initialState, &probe); err != nil {
		return "", schema.NewError(schema.ErrCodeInvalidInput, "initial state must be a JSON object").WithCause(err)
	}

	runID := uuid.NewString()
	if err := e.store.CreateRun(ctx, &store.Run{
		ID:         runID,
		Brain:      def.Title,
		Status:     schema.RunStatusPending,
		State:      initialState,
		ScheduleID: scheduleID,
	}); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	if _, err := e.append(ctx, runID, schema.EventStart, &schema.StartPayload{
		Brain:        def.Title,
		Description:  def.Description,
		InitialState: initialState,
	}); err != nil {
		return "", err
	}

	if err := e.spawn(runID); err != nil {
		return "", err
	}
	e.logger.InfoContext(logging.WithRunID(ctx, runID), "run started", "brain", def.Title)
	return runID, nil
}

// Signal gates and enqueues a signal for a run, then wakes its actor.
// An inadmissible signal is a SIGNAL_REJECTED error carrying the gate reason.
func (e *Engine) Signal(ctx context.Context, runID string, sig *schema.Signal) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	adm := schema.IsSignalValid(run.Status, sig.Type())
	if !adm.Valid {
		return schema.NewError(schema.ErrCodeSignalRejected, adm.Reason).WithRun(runID)
	}

	if err := e.store.QueueSignal(ctx, runID, sig); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "queue signal: %s", err.Error()).WithCause(err)
	}
	if err := e.WakeUp(ctx, runID); err != nil {
		// The signal is durable; recovery or the next tick picks it up.
		e.logger.Warn("wake after signal", "run_id", runID, "error", err)
	}
	return nil
}

// WakeUp nudges a run's actor, reviving it first if it is not live.
// Idempotent: concurrent wakes collapse into one pending tick. Waking a
// terminal run is a no-op.
func (e *Engine) WakeUp(ctx context.Context, runID string) error {
	e.mu.Lock()
	if a, ok := e.actors[runID]; ok {
		select {
		case a.wake <- struct{}{}:
		default:
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	return e.spawn(runID)
}

// spawn starts the actor goroutine for a run. A second spawn for a live run
// degrades to a wake.
func (e *Engine) spawn(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
	}
	if a, ok := e.actors[runID]; ok {
		select {
		case a.wake <- struct{}{}:
		default:
		}
		return nil
	}

	a := &actor{runID: runID, wake: make(chan struct{}, 1)}
	e.actors[runID] = a
	e.wg.Add(1)
	go e.runActor(a)
	return nil
}

func (e *Engine) runActor(a *actor) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.actors, a.runID)
		e.mu.Unlock()
	}()

	ctx := logging.WithRunID(e.baseCtx, a.runID)
	if err := e.execute(ctx, a); err != nil {
		e.logger.ErrorContext(ctx, "run actor exited", "error", err)
	}
}

// Close stops accepting work, cancels all actors and waits for them to park,
// bounded by ctx. In-flight runs stay resumable: they recover on next Start.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.deadline.Stop()
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// append writes one event and mirrors it to the stream hub.
func (e *Engine) append(ctx context.Context, runID string, kind schema.EventKind, payload any) (*store.Event, error) {
	ev, err := e.log.Append(ctx, runID, kind, payload)
	if err != nil {
		return nil, err
	}
	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			RunID:   ev.RunID,
			Seq:     ev.Seq,
			Kind:    ev.Kind,
			Payload: ev.Payload,
		})
	}
	return ev, nil
}

// storeRegistrar registers waits directly against the store. It is the
// fallback when no coordinator is wired; queued deliveries are not drained.
type storeRegistrar struct {
	st store.Store
}

func (r *storeRegistrar) RegisterWaiting(ctx context.Context, slug, identifier, runID, token string) error {
	return r.st.RegisterWaiting(ctx, &store.WaitingRegistration{
		Slug:       slug,
		Identifier: identifier,
		RunID:      runID,
		Token:      token,
		CreatedAt:  time.Now().UTC(),
	})
}

func (r *storeRegistrar) ClearWaiting(ctx context.Context, runID string) error {
	return r.st.ClearWaiting(ctx, runID)
}
