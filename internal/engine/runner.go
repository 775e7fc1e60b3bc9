package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/axon/internal/expressions"
	"github.com/corvid-labs/axon/internal/logging"
	"github.com/corvid-labs/axon/internal/patch"
	"github.com/corvid-labs/axon/internal/replay"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// runKilled aborts execution when a kill signal is consumed. finishRun maps
// it to a cancelled terminal event.
type runKilled struct {
	reason string
}

func (k *runKilled) Error() string {
	if k.reason == "" {
		return "run killed"
	}
	return "run killed: " + k.reason
}

// runContext is one actor's view of its run: the definition, the replayed
// state, and the completion index derived from the log. The actor is the
// only writer; nothing here needs locking.
type runContext struct {
	runID  string
	def    *brain.Brain
	status schema.RunStatus
	state  json.RawMessage
	done   map[string]bool
	wake   chan struct{}

	// pendingWait is a webhook wait recorded in the log with no response
	// yet: a revived actor re-enters it instead of re-registering.
	pendingWait *schema.WebhookPayload

	// resume is an agent loop the log left open, rebuilt for continuation.
	resume *agentResume
}

// execute replays the run's log, walks the brain definition skipping
// completed steps, and records the terminal outcome. Returning nil means the
// actor parked cleanly (terminal reached or shutdown).
func (e *Engine) execute(ctx context.Context, a *actor) error {
	run, err := e.store.GetRun(ctx, a.runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	events, err := e.loader.LoadAll(ctx, a.runID)
	if err != nil {
		return e.failRun(ctx, a.runID, run.Status, err)
	}
	if len(events) == 0 {
		return e.failRun(ctx, a.runID, run.Status,
			schema.NewError(schema.ErrCodeLogCorrupt, "run has no events").WithRun(a.runID))
	}

	def, err := e.brains.Get(run.Brain)
	if err != nil {
		return e.failRun(ctx, a.runID, run.Status, err)
	}

	state, err := replay.CurrentState(events)
	if err != nil {
		return e.failRun(ctx, a.runID, run.Status, err)
	}

	rc := &runContext{
		runID:  a.runID,
		def:    def,
		status: run.Status,
		state:  state,
		done:   doneSteps(events),
		wake:   a.wake,
	}
	rc.pendingWait, err = pendingWait(events)
	if err != nil {
		return e.failRun(ctx, a.runID, run.Status, err)
	}
	rc.resume, err = openAgentLoop(events)
	if err != nil {
		return e.failRun(ctx, a.runID, run.Status, err)
	}

	// Revival checkpoint: later replays start from here instead of walking
	// the whole prefix again.
	if len(events) > 1 {
		if _, err := e.append(ctx, rc.runID, schema.EventRestart,
			&schema.RestartPayload{InitialState: state}); err != nil {
			return err
		}
	}

	switch rc.status {
	case schema.RunStatusPending:
		now := time.Now().UTC()
		if err := e.setStatus(ctx, rc, schema.RunStatusRunning, store.RunUpdate{StartedAt: &now}); err != nil {
			return err
		}
	case schema.RunStatusPaused:
		// Revived while paused: hold here until a resume or kill arrives.
		if err := e.pauseWait(ctx, rc, schema.RunStatusRunning); err != nil {
			return e.finishRun(ctx, rc, err)
		}
	}

	return e.finishRun(ctx, rc, e.runSteps(ctx, rc, def.Steps, nil))
}

// finishRun records the terminal event matching err. A shutdown (context
// cancellation) is not terminal: the run stays recoverable.
func (e *Engine) finishRun(ctx context.Context, rc *runContext, err error) error {
	var killed *runKilled
	switch {
	case err == nil:
		if _, aerr := e.append(ctx, rc.runID, schema.EventComplete, &schema.CompletePayload{}); aerr != nil {
			return aerr
		}
		now := time.Now().UTC()
		if serr := e.setStatus(ctx, rc, schema.RunStatusComplete, store.RunUpdate{
			CompletedAt:   &now,
			ClearDeadline: true,
		}); serr != nil {
			return serr
		}
		e.clearWaits(ctx, rc.runID)
		e.logger.InfoContext(ctx, "run complete")
		return nil

	case errors.As(err, &killed):
		if _, aerr := e.append(ctx, rc.runID, schema.EventCancelled,
			&schema.CancelledPayload{Reason: killed.reason}); aerr != nil {
			return aerr
		}
		now := time.Now().UTC()
		if serr := e.setStatus(ctx, rc, schema.RunStatusCancelled, store.RunUpdate{
			CompletedAt:   &now,
			ClearDeadline: true,
		}); serr != nil {
			return serr
		}
		e.clearWaits(ctx, rc.runID)
		e.logger.InfoContext(ctx, "run cancelled", "reason", killed.reason)
		return nil

	case errors.Is(err, context.Canceled):
		// Engine shutdown. No terminal event; Start revives the run later.
		e.logger.DebugContext(ctx, "run parked for shutdown")
		return nil

	default:
		return e.failWith(ctx, rc, err)
	}
}

// failRun is finishRun's error arm for failures before a runContext exists.
func (e *Engine) failRun(ctx context.Context, runID string, status schema.RunStatus, err error) error {
	rc := &runContext{runID: runID, status: status}
	return e.failWith(ctx, rc, err)
}

func (e *Engine) failWith(ctx context.Context, rc *runContext, err error) error {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeStepFailed
	}
	payload := &schema.ErrorPayload{Code: code, Message: err.Error()}
	var axErr *schema.AxonError
	if errors.As(err, &axErr) {
		payload.Step = axErr.Step
	}
	if _, aerr := e.append(ctx, rc.runID, schema.EventError, payload); aerr != nil {
		e.logger.ErrorContext(ctx, "record run failure", "cause", err, "error", aerr)
		return aerr
	}

	// Failure recording skips the transition matrix: a run can break from
	// any status and must still land in error.
	errJSON, _ := json.Marshal(payload)
	now := time.Now().UTC()
	status := schema.RunStatusError
	if serr := e.store.UpdateRun(ctx, rc.runID, store.RunUpdate{
		Status:        &status,
		CompletedAt:   &now,
		Error:         errJSON,
		ClearDeadline: true,
	}); serr != nil {
		return serr
	}
	rc.status = status
	e.clearWaits(ctx, rc.runID)
	e.logger.ErrorContext(ctx, "run failed", "code", code, "error", err)
	return nil
}

func (e *Engine) clearWaits(ctx context.Context, runID string) {
	if err := e.registrar.ClearWaiting(ctx, runID); err != nil {
		e.logger.Warn("clear waiting registrations", "run_id", runID, "error", err)
	}
}

// setStatus validates and persists a status transition, keeping rc in sync.
func (e *Engine) setStatus(ctx context.Context, rc *runContext, to schema.RunStatus, update store.RunUpdate) error {
	if rc.status != to && !schema.IsValidRunTransition(rc.status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run transition %s -> %s", rc.status, to).WithRun(rc.runID)
	}
	update.Status = &to
	if err := e.store.UpdateRun(ctx, rc.runID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	rc.status = to
	return nil
}

// runSteps walks a step list in order, skipping steps the log already
// completed and checking control signals between steps. Recurses for nested
// brain steps with the extended index path.
func (e *Engine) runSteps(ctx context.Context, rc *runContext, steps []brain.Step, prefix []int) error {
	for i := range steps {
		step := &steps[i]
		path := appendPath(prefix, i)
		if rc.done[pathKey(path)] {
			continue
		}
		if err := e.checkControl(ctx, rc); err != nil {
			return err
		}

		stepCtx := logging.WithStep(ctx, step.Title)
		var err error
		switch {
		case step.Run != nil:
			err = e.runFuncStep(stepCtx, rc, step, path)
		case step.Webhook != nil:
			err = e.runWebhookStep(stepCtx, rc, step, path)
		case step.Brain != nil:
			err = e.runBrainStep(stepCtx, rc, step, path)
		case step.Agent != nil:
			err = e.runAgentStep(stepCtx, rc, step, path)
		default:
			err = schema.NewErrorf(schema.ErrCodeValidation,
				"step %q has no body", step.Title).WithRun(rc.runID).WithStep(step.Title)
		}
		if err != nil {
			return err
		}
		rc.done[pathKey(path)] = true
	}
	return nil
}

// runFuncStep executes a deterministic step body under its retry policy and
// records the resulting state diff.
func (e *Engine) runFuncStep(ctx context.Context, rc *runContext, step *brain.Step, path []int) error {
	if _, err := e.append(ctx, rc.runID, schema.EventStepStart,
		&schema.StepStartPayload{Step: step.Title, Path: path}); err != nil {
		return err
	}

	current, err := decodeState(rc.state)
	if err != nil {
		return err
	}

	opts := FromPolicy(step.Retry)
	opts.RetryIf = IsRetryableError
	opts.OnRetry = func(attempt int, attemptErr error, delay time.Duration) {
		if _, aerr := e.append(ctx, rc.runID, schema.EventStepRetry, &schema.StepRetryPayload{
			Step:        step.Title,
			Path:        path,
			Attempt:     attempt + 1,
			Error:       attemptErr.Error(),
			NextDelayMs: delay.Milliseconds(),
		}); aerr != nil {
			e.logger.WarnContext(ctx, "record step retry", "error", aerr)
		}
	}

	var next brain.State
	err = ExecuteWithRetry(ctx, opts, func(ctx context.Context) error {
		out, runErr := step.Run(ctx, current.Clone())
		if runErr != nil {
			return runErr
		}
		if out == nil {
			out = current
		}
		next = out
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeStepFailed, "step body: %s", err.Error()).
			WithRun(rc.runID).WithStep(step.Title).WithCause(err)
	}

	return e.completeStep(ctx, rc, step.Title, path, next)
}

// runBrainStep executes a nested brain inline; its inner steps append to the
// same log with the extended path.
func (e *Engine) runBrainStep(ctx context.Context, rc *runContext, step *brain.Step, path []int) error {
	if _, err := e.append(ctx, rc.runID, schema.EventStepStart,
		&schema.StepStartPayload{Step: step.Title, Path: path}); err != nil {
		return err
	}
	if err := e.runSteps(ctx, rc, step.Brain.Steps, path); err != nil {
		return err
	}
	_, err := e.append(ctx, rc.runID, schema.EventStepComplete,
		&schema.StepCompletePayload{Step: step.Title, Path: path})
	return err
}

// runWebhookStep suspends the run until a delivery arrives for the step's
// (slug, identifier) pair, then feeds the response through OnResponse.
func (e *Engine) runWebhookStep(ctx context.Context, rc *runContext, step *brain.Step, path []int) error {
	spec := step.Webhook
	var (
		identifier string
		timeout    = spec.Timeout
	)

	if p := rc.pendingWait; p != nil && pathKey(p.Path) == pathKey(path) {
		// Revived mid-wait: the log already has the webhook event and the
		// registration is durable. Adopt the recorded identifier.
		rc.pendingWait = nil
		identifier = p.Identifier
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		if err := e.healRegistration(ctx, rc, spec.Slug, identifier, spec.FormToken, timeout); err != nil {
			return err
		}
		if rc.status != schema.RunStatusWaiting {
			// A pause consumed during the wait left the run running after
			// resume; deliveries are gated on waiting.
			if err := e.setStatus(ctx, rc, schema.RunStatusWaiting, store.RunUpdate{}); err != nil {
				return err
			}
		}
	} else {
		var err error
		identifier, err = e.renderIdentifier(ctx, rc, spec.Identifier, nil)
		if err != nil {
			return err
		}
		if _, err := e.append(ctx, rc.runID, schema.EventWebhook, &schema.WebhookPayload{
			Step:       step.Title,
			Path:       path,
			Slug:       spec.Slug,
			Identifier: identifier,
			TimeoutMs:  timeout.Milliseconds(),
		}); err != nil {
			return err
		}
		if err := e.registerWait(ctx, rc, spec.Slug, identifier, spec.FormToken, timeout); err != nil {
			return err
		}
	}

	response, err := e.awaitDelivery(ctx, rc, spec.Slug, identifier)
	if err != nil {
		return err
	}

	if _, err := e.append(ctx, rc.runID, schema.EventWebhookResponse, &schema.WebhookResponsePayload{
		Slug:       spec.Slug,
		Identifier: identifier,
		Response:   response,
	}); err != nil {
		return err
	}
	if err := e.setStatus(ctx, rc, schema.RunStatusRunning, store.RunUpdate{ClearDeadline: true}); err != nil {
		return err
	}

	current, err := decodeState(rc.state)
	if err != nil {
		return err
	}
	next := current
	if step.OnResponse != nil {
		out, respErr := step.OnResponse(ctx, current.Clone(), response)
		if respErr != nil {
			return schema.NewErrorf(schema.ErrCodeStepFailed, "webhook response handler: %s", respErr.Error()).
				WithRun(rc.runID).WithStep(step.Title).WithCause(respErr)
		}
		if out != nil {
			next = out
		}
	}
	return e.completeStep(ctx, rc, step.Title, path, next)
}

// registerWait registers the waiting pair, publishes a resume form when the
// wait asked for one, flips the run to waiting and arms the deadline.
func (e *Engine) registerWait(ctx context.Context, rc *runContext, slug, identifier string, formToken bool, timeout time.Duration) error {
	token := ""
	if formToken {
		token = uuid.NewString()
	}
	if err := e.registrar.RegisterWaiting(ctx, slug, identifier, rc.runID, token); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "register waiting: %s", err.Error()).
			WithRun(rc.runID).WithCause(err)
	}
	if token != "" && e.forms != nil {
		if err := e.forms.PublishResumeForm(ctx, rc.runID, slug, identifier, token); err != nil {
			e.logger.WarnContext(ctx, "publish resume form", "slug", slug, "error", err)
		}
	}

	// A delivery may have resumed the run already (drained queue); the
	// status update and deadline are still correct: the queued signal is
	// consumed by the wait loop right after.
	update := store.RunUpdate{}
	if timeout > 0 {
		deadline := time.Now().UTC().Add(timeout)
		update.WaitDeadline = &deadline
	}
	if rc.status != schema.RunStatusWaiting {
		if err := e.setStatus(ctx, rc, schema.RunStatusWaiting, update); err != nil {
			return err
		}
	} else if update.WaitDeadline != nil {
		status := rc.status
		update.Status = &status
		if err := e.store.UpdateRun(ctx, rc.runID, update); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "arm wait deadline: %s", err.Error()).WithCause(err)
		}
	}
	e.deadline.Poke()
	return nil
}

// healRegistration restores a wait registration lost to a crash between the
// webhook event append and the register call. An existing registration,
// even one superseded by a newer run, is left alone.
func (e *Engine) healRegistration(ctx context.Context, rc *runContext, slug, identifier string, formToken bool, timeout time.Duration) error {
	reg, err := e.store.FindWaiting(ctx, slug, identifier)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "find waiting: %s", err.Error()).WithCause(err)
	}
	if reg != nil {
		return nil
	}
	return e.registerWait(ctx, rc, slug, identifier, formToken, timeout)
}

// awaitDelivery drains the signal queue and parks on the wake channel until
// the matching webhook response arrives. Control signals are honored while
// waiting; a kill aborts the wait.
func (e *Engine) awaitDelivery(ctx context.Context, rc *runContext, slug, identifier string) (json.RawMessage, error) {
	for {
		sigs, err := e.store.GetAndConsumeSignals(ctx, rc.runID, schema.FilterAll)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "consume signals: %s", err.Error()).WithCause(err)
		}
		for _, sig := range sigs {
			switch {
			case sig.Kind == schema.SignalKindControl && sig.Control == schema.ControlKill:
				return nil, &runKilled{reason: sig.Reason}
			case sig.Kind == schema.SignalKindControl && sig.Control == schema.ControlPause:
				if err := e.pauseWait(ctx, rc, schema.RunStatusWaiting); err != nil {
					return nil, err
				}
				// The deadline may have passed while paused.
				e.deadline.Poke()
			case sig.Kind == schema.SignalKindControl:
				// A stray resume while not paused.
			case sig.Slug == slug && sig.Identifier == identifier:
				return sig.Response, nil
			default:
				e.logger.WarnContext(ctx, "dropping stale webhook signal",
					"slug", sig.Slug, "identifier", sig.Identifier)
			}
		}

		select {
		case <-rc.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// checkControl consumes pending control signals between steps.
func (e *Engine) checkControl(ctx context.Context, rc *runContext) error {
	sigs, err := e.store.GetAndConsumeSignals(ctx, rc.runID, schema.FilterControl)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "consume signals: %s", err.Error()).WithCause(err)
	}
	for _, sig := range sigs {
		switch sig.Control {
		case schema.ControlKill:
			return &runKilled{reason: sig.Reason}
		case schema.ControlPause:
			if err := e.pauseWait(ctx, rc, schema.RunStatusRunning); err != nil {
				return err
			}
		case schema.ControlResume:
			// Not paused; nothing to resume.
		}
	}
	return nil
}

// pauseWait records the pause and parks until a resume or kill signal.
// backTo is the status restored on resume (running, or waiting when the
// pause interrupted a webhook wait).
func (e *Engine) pauseWait(ctx context.Context, rc *runContext, backTo schema.RunStatus) error {
	if rc.status != schema.RunStatusPaused {
		if _, err := e.append(ctx, rc.runID, schema.EventPaused, &schema.PausedPayload{}); err != nil {
			return err
		}
		if err := e.setStatus(ctx, rc, schema.RunStatusPaused, store.RunUpdate{}); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "run paused")
	}

	for {
		sigs, err := e.store.GetAndConsumeSignals(ctx, rc.runID, schema.FilterControl)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "consume signals: %s", err.Error()).WithCause(err)
		}
		for _, sig := range sigs {
			switch sig.Control {
			case schema.ControlKill:
				return &runKilled{reason: sig.Reason}
			case schema.ControlResume:
				if _, err := e.append(ctx, rc.runID, schema.EventResumed, &schema.ResumedPayload{}); err != nil {
					return err
				}
				if err := e.setStatus(ctx, rc, backTo, store.RunUpdate{}); err != nil {
					return err
				}
				e.logger.InfoContext(ctx, "run resumed")
				return nil
			}
		}

		select {
		case <-rc.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// completeStep diffs the step's resulting state against the current state
// and appends the step_complete patch.
func (e *Engine) completeStep(ctx context.Context, rc *runContext, title string, path []int, next brain.State) error {
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "marshal step state: %s", err.Error()).
			WithRun(rc.runID).WithStep(title).WithCause(err)
	}

	patchDoc, err := patch.Diff(rc.state, nextRaw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePatchFailed, "diff step state: %s", err.Error()).
			WithRun(rc.runID).WithStep(title).WithCause(err)
	}

	payload := &schema.StepCompletePayload{Step: title, Path: path}
	if !patch.IsEmpty(patchDoc) {
		payload.Patch = patchDoc
	}
	if _, err := e.append(ctx, rc.runID, schema.EventStepComplete, payload); err != nil {
		return err
	}

	rc.state = nextRaw
	if err := e.store.UpdateRun(ctx, rc.runID, store.RunUpdate{State: nextRaw}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update state projection: %s", err.Error()).WithCause(err)
	}
	return nil
}

// renderTemplate interpolates a ${...} template against run state, plus tool
// arguments when present.
func (e *Engine) renderTemplate(ctx context.Context, rc *runContext, template string, args map[string]any) (string, error) {
	scope, err := expressions.NewScope(rc.state)
	if err != nil {
		return "", err
	}
	scope = scope.WithRun(rc.runID, rc.def.Title)
	if args != nil {
		scope = scope.WithArgs(args)
	}
	return e.interp.Interpolate(ctx, template, scope)
}

// renderIdentifier renders a webhook identifier template. An empty result is
// an error: the registration would be unreachable.
func (e *Engine) renderIdentifier(ctx context.Context, rc *runContext, template string, args map[string]any) (string, error) {
	identifier, err := e.renderTemplate(ctx, rc, template, args)
	if err != nil {
		return "", err
	}
	if identifier == "" {
		return "", schema.NewError(schema.ErrCodeInterpolation,
			"webhook identifier rendered empty").WithRun(rc.runID)
	}
	return identifier, nil
}

func decodeState(raw json.RawMessage) (brain.State, error) {
	if len(raw) == 0 {
		return brain.State{}, nil
	}
	var s brain.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt, "decode run state: %s", err.Error()).WithCause(err)
	}
	if s == nil {
		s = brain.State{}
	}
	return s, nil
}

// doneSteps folds step_complete events into a path-indexed completion set.
func doneSteps(events []*store.Event) map[string]bool {
	done := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind != schema.EventStepComplete {
			continue
		}
		decoded, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
		if err != nil {
			continue
		}
		done[pathKey(decoded.(*schema.StepCompletePayload).Path)] = true
	}
	return done
}

// pendingWait returns the last webhook wait with no response after it.
func pendingWait(events []*store.Event) (*schema.WebhookPayload, error) {
	lastWait, lastResponse := -1, -1
	for i, ev := range events {
		switch ev.Kind {
		case schema.EventWebhook:
			lastWait = i
		case schema.EventWebhookResponse:
			lastResponse = i
		}
	}
	if lastWait == -1 || lastResponse > lastWait {
		return nil, nil
	}
	decoded, err := schema.DecodeEventPayload(schema.EventWebhook, events[lastWait].Payload)
	if err != nil {
		return nil, err
	}
	return decoded.(*schema.WebhookPayload), nil
}

func pathKey(path []int) string {
	if len(path) == 0 {
		return ""
	}
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

func appendPath(prefix []int, i int) []int {
	out := make([]int, len(prefix)+1)
	copy(out, prefix)
	out[len(prefix)] = i
	return out
}
