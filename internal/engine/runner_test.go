package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/axon/internal/replay"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngineStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func registryWith(t *testing.T, brains ...*brain.Brain) *brain.Registry {
	t.Helper()
	reg := brain.NewRegistry()
	for _, b := range brains {
		require.NoError(t, reg.Register(b))
	}
	return reg
}

func newTestEngine(t *testing.T, st store.Store, brains *brain.Registry, model ModelClient) *Engine {
	t.Helper()
	eng := New(Options{Store: st, Brains: brains, Model: model, Logger: discardLogger()})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return eng
}

func waitForStatus(t *testing.T, st store.Store, runID string, status schema.RunStatus) *store.Run {
	t.Helper()
	var run *store.Run
	require.Eventually(t, func() bool {
		r, err := st.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == status
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s", status)
	return run
}

func runEvents(t *testing.T, st store.Store, runID string) []*store.Event {
	t.Helper()
	events, err := st.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	return events
}

func kindsOf(events []*store.Event) []schema.EventKind {
	out := make([]schema.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func setField(key string, val any) brain.StepFunc {
	return func(ctx context.Context, s brain.State) (brain.State, error) {
		s[key] = val
		return s, nil
	}
}

func approvalBrain() *brain.Brain {
	return &brain.Brain{
		Title: "approval-flow",
		Steps: []brain.Step{
			{Title: "prepare", Run: setField("orderId", "A-7")},
			{
				Title: "approve",
				Webhook: &brain.WebhookSpec{
					Slug:       "approval",
					Identifier: "order-${state.orderId}",
					Timeout:    5 * time.Second,
				},
				OnResponse: func(ctx context.Context, s brain.State, resp json.RawMessage) (brain.State, error) {
					var m map[string]any
					if err := json.Unmarshal(resp, &m); err != nil {
						return nil, err
					}
					s["approved"] = m["approved"]
					return s, nil
				},
			},
		},
	}
}

// --- Step Execution ---

func TestRun_TwoStepsReplayableStates(t *testing.T) {
	b := &brain.Brain{Title: "counter", Steps: []brain.Step{
		{Title: "first", Run: setField("x", 1)},
		{Title: "second", Run: setField("x", 2)},
	}}
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, b), nil)

	runID, err := eng.StartRun(context.Background(), "counter", nil)
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, schema.RunStatusComplete)
	assert.JSONEq(t, `{"x":2}`, string(run.State))
	assert.NotNil(t, run.CompletedAt)

	events := runEvents(t, st, runID)
	assert.Equal(t, []schema.EventKind{
		schema.EventStart,
		schema.EventStepStart, schema.EventStepComplete,
		schema.EventStepStart, schema.EventStepComplete,
		schema.EventComplete,
	}, kindsOf(events))

	// Any historical state is reconstructible from the log.
	state1, err := replay.StateAt(events, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(state1))

	state2, err := replay.StateAt(events, 4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":2}`, string(state2))
}

func TestRun_InitialStateFlowsIntoSteps(t *testing.T) {
	b := &brain.Brain{Title: "adder", Steps: []brain.Step{
		{Title: "bump", Run: func(ctx context.Context, s brain.State) (brain.State, error) {
			s["seed"] = s["seed"].(float64) + 1
			return s, nil
		}},
	}}
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, b), nil)

	runID, err := eng.StartRun(context.Background(), "adder", json.RawMessage(`{"seed":5}`))
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, schema.RunStatusComplete)
	assert.JSONEq(t, `{"seed":6}`, string(run.State))
}

func TestRun_NestedBrainPaths(t *testing.T) {
	sub := &brain.Brain{Title: "sub", Steps: []brain.Step{
		{Title: "inner", Run: setField("inner", "done")},
	}}
	b := &brain.Brain{Title: "outer", Steps: []brain.Step{
		{Title: "first", Run: setField("a", 1)},
		{Title: "stage", Brain: sub},
	}}
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, b), nil)

	runID, err := eng.StartRun(context.Background(), "outer", nil)
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, schema.RunStatusComplete)
	assert.JSONEq(t, `{"a":1,"inner":"done"}`, string(run.State))

	var innerPath, stagePath []int
	for _, ev := range runEvents(t, st, runID) {
		decoded, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
		require.NoError(t, err)
		switch p := decoded.(type) {
		case *schema.StepStartPayload:
			if p.Step == "inner" {
				innerPath = p.Path
			}
		case *schema.StepCompletePayload:
			if p.Step == "stage" {
				stagePath = p.Path
				assert.Nil(t, p.Patch, "wrapper step carries no state change")
			}
		}
	}
	assert.Equal(t, []int{1, 0}, innerPath)
	assert.Equal(t, []int{1}, stagePath)
}

// --- Retry ---

func TestRun_StepRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	b := &brain.Brain{Title: "flaky", Steps: []brain.Step{
		{
			Title: "push",
			Run: func(ctx context.Context, s brain.State) (brain.State, error) {
				if attempts.Add(1) <= 2 {
					return nil, errors.New("transient push failure")
				}
				s["pushed"] = true
				return s, nil
			},
			Retry: &brain.RetryPolicy{MaxRetries: 3, Backoff: brain.BackoffNone, InitialDelay: time.Millisecond},
		},
	}}
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, b), nil)

	runID, err := eng.StartRun(context.Background(), "flaky", nil)
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, schema.RunStatusComplete)
	assert.JSONEq(t, `{"pushed":true}`, string(run.State))
	assert.EqualValues(t, 3, attempts.Load())

	var retried []int
	for _, ev := range runEvents(t, st, runID) {
		if ev.Kind != schema.EventStepRetry {
			continue
		}
		decoded, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
		require.NoError(t, err)
		p := decoded.(*schema.StepRetryPayload)
		assert.Equal(t, "push", p.Step)
		assert.Contains(t, p.Error, "transient push failure")
		retried = append(retried, p.Attempt)
	}
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRun_StepFailureFailsRun(t *testing.T) {
	b := &brain.Brain{Title: "doomed", Steps: []brain.Step{
		{Title: "explode", Run: func(ctx context.Context, s brain.State) (brain.State, error) {
			return nil, errors.New("boom")
		}},
	}}
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, b), nil)

	runID, err := eng.StartRun(context.Background(), "doomed", nil)
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, schema.RunStatusError)
	require.NotEmpty(t, run.Error)
	var errPayload schema.ErrorPayload
	require.NoError(t, json.Unmarshal(run.Error, &errPayload))
	assert.Equal(t, schema.ErrCodeStepFailed, errPayload.Code)
	assert.Contains(t, errPayload.Message, "boom")
	assert.Equal(t, "explode", errPayload.Step)

	events := runEvents(t, st, runID)
	assert.Equal(t, schema.EventError, events[len(events)-1].Kind)
}

// --- Webhook Waits ---

func TestRun_WebhookSuspendAndResume(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, approvalBrain()), nil)
	ctx := context.Background()

	runID, err := eng.StartRun(ctx, "approval-flow", nil)
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, schema.RunStatusWaiting)
	require.NotNil(t, run.WaitDeadline)

	reg, err := st.FindWaiting(ctx, "approval", "order-A-7")
	require.NoError(t, err)
	require.NotNil(t, reg, "interpolated identifier should be registered")
	assert.Equal(t, runID, reg.RunID)

	require.NoError(t, eng.Signal(ctx, runID,
		schema.WebhookSignal("approval", "order-A-7", json.RawMessage(`{"approved":true}`))))

	run = waitForStatus(t, st, runID, schema.RunStatusComplete)
	assert.JSONEq(t, `{"orderId":"A-7","approved":true}`, string(run.State))
	assert.Nil(t, run.WaitDeadline)

	kinds := kindsOf(runEvents(t, st, runID))
	assert.Contains(t, kinds, schema.EventWebhook)
	assert.Contains(t, kinds, schema.EventWebhookResponse)

	reg, err = st.FindWaiting(ctx, "approval", "order-A-7")
	require.NoError(t, err)
	assert.Nil(t, reg, "registration cleared after terminal")
}

func TestRun_WebhookTimeoutCancels(t *testing.T) {
	b := approvalBrain()
	b.Steps[1].Webhook.Timeout = 100 * time.Millisecond
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, b), nil)

	runID, err := eng.StartRun(context.Background(), "approval-flow", nil)
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, schema.RunStatusCancelled)
	assert.Nil(t, run.WaitDeadline)
	assert.NotNil(t, run.CompletedAt)

	var reason string
	for _, ev := range runEvents(t, st, runID) {
		if ev.Kind != schema.EventCancelled {
			continue
		}
		decoded, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
		require.NoError(t, err)
		reason = decoded.(*schema.CancelledPayload).Reason
	}
	assert.Contains(t, reason, "timed out")
}

func TestRun_KillDuringWait(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, approvalBrain()), nil)
	ctx := context.Background()

	runID, err := eng.StartRun(ctx, "approval-flow", nil)
	require.NoError(t, err)
	waitForStatus(t, st, runID, schema.RunStatusWaiting)

	require.NoError(t, eng.Signal(ctx, runID, schema.KillSignal("operator cancel")))

	waitForStatus(t, st, runID, schema.RunStatusCancelled)
	reg, err := st.FindWaiting(ctx, "approval", "order-A-7")
	require.NoError(t, err)
	assert.Nil(t, reg)
}

func TestRun_PauseHoldsDeliveriesUntilResume(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, approvalBrain()), nil)
	ctx := context.Background()

	runID, err := eng.StartRun(ctx, "approval-flow", nil)
	require.NoError(t, err)
	waitForStatus(t, st, runID, schema.RunStatusWaiting)

	require.NoError(t, eng.Signal(ctx, runID,
		&schema.Signal{Kind: schema.SignalKindControl, Control: schema.ControlPause}))
	waitForStatus(t, st, runID, schema.RunStatusPaused)

	// Paused runs do not admit deliveries.
	err = eng.Signal(ctx, runID,
		schema.WebhookSignal("approval", "order-A-7", json.RawMessage(`{"approved":true}`)))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSignalRejected, schema.CodeOf(err))

	require.NoError(t, eng.Signal(ctx, runID,
		&schema.Signal{Kind: schema.SignalKindControl, Control: schema.ControlResume}))
	waitForStatus(t, st, runID, schema.RunStatusWaiting)

	require.NoError(t, eng.Signal(ctx, runID,
		schema.WebhookSignal("approval", "order-A-7", json.RawMessage(`{"approved":"late"}`))))
	run := waitForStatus(t, st, runID, schema.RunStatusComplete)
	assert.JSONEq(t, `{"orderId":"A-7","approved":"late"}`, string(run.State))

	kinds := kindsOf(runEvents(t, st, runID))
	assert.Contains(t, kinds, schema.EventPaused)
	assert.Contains(t, kinds, schema.EventResumed)
}

// --- Recovery ---

func TestRun_RecoversWaitAcrossRestart(t *testing.T) {
	st := newEngineStore(t)
	reg := registryWith(t, approvalBrain())
	ctx := context.Background()

	eng1 := New(Options{Store: st, Brains: reg, Logger: discardLogger()})
	require.NoError(t, eng1.Start(ctx))

	runID, err := eng1.StartRun(ctx, "approval-flow", nil)
	require.NoError(t, err)
	waitForStatus(t, st, runID, schema.RunStatusWaiting)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	require.NoError(t, eng1.Close(closeCtx))
	cancel()

	eng2 := New(Options{Store: st, Brains: reg, Logger: discardLogger()})
	require.NoError(t, eng2.Start(ctx))
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng2.Close(closeCtx)
	})

	// Revival appends a restart checkpoint with the reconstructed state.
	require.Eventually(t, func() bool {
		for _, ev := range runEvents(t, st, runID) {
			if ev.Kind == schema.EventRestart {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	for _, ev := range runEvents(t, st, runID) {
		if ev.Kind != schema.EventRestart {
			continue
		}
		decoded, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
		require.NoError(t, err)
		assert.JSONEq(t, `{"orderId":"A-7"}`, string(decoded.(*schema.RestartPayload).InitialState))
	}

	require.NoError(t, eng2.Signal(ctx, runID,
		schema.WebhookSignal("approval", "order-A-7", json.RawMessage(`{"approved":true}`))))

	run := waitForStatus(t, st, runID, schema.RunStatusComplete)
	assert.JSONEq(t, `{"orderId":"A-7","approved":true}`, string(run.State))

	// The prepare step ran exactly once across both processes.
	starts := 0
	for _, ev := range runEvents(t, st, runID) {
		if ev.Kind == schema.EventStepStart {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}
