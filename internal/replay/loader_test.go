package replay

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

func newLoaderFixture(t *testing.T, threshold int) (*Loader, *store.LibSQLStore, *store.EventLog, string) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	runID := uuid.New().String()
	require.NoError(t, s.CreateRun(context.Background(), &store.Run{
		ID: runID, Brain: "order-flow", Status: schema.RunStatusRunning,
	}))
	return NewLoader(s, 4), s, store.NewEventLog(s, threshold), runID
}

func TestLoadAll_Empty(t *testing.T) {
	loader, _, _, runID := newLoaderFixture(t, 0)

	events, err := loader.LoadAll(context.Background(), runID)
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestLoadAll_HydratesOverflowedPayloads(t *testing.T) {
	loader, _, el, runID := newLoaderFixture(t, 64)
	ctx := context.Background()

	_, err := el.Append(ctx, runID, schema.EventStart, schema.StartPayload{
		Brain: "order-flow", InitialState: json.RawMessage(`{"n":0}`),
	})
	require.NoError(t, err)

	// Several payloads over the threshold, interleaved with small ones.
	var bigs []string
	for i := 0; i < 5; i++ {
		big := `{"data":"` + strings.Repeat("x", 100+i) + `"}`
		bigs = append(bigs, big)
		_, err = el.Append(ctx, runID, schema.EventStepComplete, json.RawMessage(big))
		require.NoError(t, err)
		_, err = el.Append(ctx, runID, schema.EventStepStart, schema.StepStartPayload{Step: "s"})
		require.NoError(t, err)
	}

	events, err := loader.LoadAll(ctx, runID)
	require.NoError(t, err)
	require.Len(t, events, 11)

	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.NotNil(t, e.Payload, "event %d should be hydrated", e.Seq)
	}
	// Overflowed events carry their original payloads again.
	assert.JSONEq(t, bigs[0], string(events[1].Payload))
	assert.JSONEq(t, bigs[4], string(events[9].Payload))
}

func TestLoadAll_MissingBlobFatal(t *testing.T) {
	loader, s, el, runID := newLoaderFixture(t, 64)
	ctx := context.Background()

	_, err := el.Append(ctx, runID, schema.EventStart, schema.StartPayload{Brain: "order-flow"})
	require.NoError(t, err)
	big := `{"data":"` + strings.Repeat("y", 200) + `"}`
	e, err := el.Append(ctx, runID, schema.EventStepComplete, json.RawMessage(big))
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, e.BlobKey)
	require.NoError(t, err)

	_, err = loader.LoadAll(ctx, runID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBlobMissing, schema.CodeOf(err))
	assert.Contains(t, err.Error(), runID)
}

func TestLoadAll_SequenceGapFatal(t *testing.T) {
	loader, s, _, runID := newLoaderFixture(t, 0)
	ctx := context.Background()

	// Insert a gap directly; Append can't produce one.
	for _, seq := range []int64{1, 3} {
		_, err := s.DB().ExecContext(ctx,
			`INSERT INTO events (run_id, sequence, kind, payload, created_at) VALUES (?, ?, 'start', '{}', CURRENT_TIMESTAMP)`,
			runID, seq)
		require.NoError(t, err)
	}

	_, err := loader.LoadAll(ctx, runID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeLogCorrupt, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestLoadAll_FeedsStateReconstruction(t *testing.T) {
	loader, _, el, runID := newLoaderFixture(t, 64)
	ctx := context.Background()

	_, err := el.Append(ctx, runID, schema.EventStart, schema.StartPayload{
		Brain: "order-flow", InitialState: json.RawMessage(`{"items":[]}`),
	})
	require.NoError(t, err)

	// An overflowed patch must still replay after hydration.
	bigValue := strings.Repeat("z", 200)
	patch := `[{"op":"add","path":"/items/-","value":"` + bigValue + `"}]`
	_, err = el.Append(ctx, runID, schema.EventStepComplete, schema.StepCompletePayload{
		Step: "collect", Patch: json.RawMessage(patch),
	})
	require.NoError(t, err)

	events, err := loader.LoadAll(ctx, runID)
	require.NoError(t, err)

	state, err := CurrentState(events)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["`+bigValue+`"]}`, string(state))
}
