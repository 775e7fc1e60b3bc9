package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

func instantBrain() *brain.Brain {
	return &brain.Brain{Title: "instant", Steps: []brain.Step{
		{Title: "noop", Run: setField("done", true)},
	}}
}

func TestStartRun_UnknownBrain(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, instantBrain()), nil)

	_, err := eng.StartRun(context.Background(), "no-such-brain", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestStartRun_RejectsNonObjectState(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, instantBrain()), nil)

	_, err := eng.StartRun(context.Background(), "instant", json.RawMessage(`[1,2,3]`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidInput, schema.CodeOf(err))
}

func TestSignal_UnknownRun(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, instantBrain()), nil)

	err := eng.Signal(context.Background(), "missing", schema.KillSignal("x"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestSignal_GateRejectsTerminalRun(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, instantBrain()), nil)
	ctx := context.Background()

	runID, err := eng.StartRun(ctx, "instant", nil)
	require.NoError(t, err)
	waitForStatus(t, st, runID, schema.RunStatusComplete)

	err = eng.Signal(ctx, runID, schema.KillSignal("too late"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSignalRejected, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "already completed")
}

func TestWakeUp_TerminalRunIsNoop(t *testing.T) {
	st := newEngineStore(t)
	eng := newTestEngine(t, st, registryWith(t, instantBrain()), nil)
	ctx := context.Background()

	runID, err := eng.StartRun(ctx, "instant", nil)
	require.NoError(t, err)
	waitForStatus(t, st, runID, schema.RunStatusComplete)

	assert.NoError(t, eng.WakeUp(ctx, runID))
}

func TestClose_RefusesNewRuns(t *testing.T) {
	st := newEngineStore(t)
	eng := New(Options{Store: st, Brains: registryWith(t, instantBrain()), Logger: discardLogger()})
	require.NoError(t, eng.Start(context.Background()))

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Close(closeCtx))

	_, err := eng.StartRun(context.Background(), "instant", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}
