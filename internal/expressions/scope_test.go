package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/axon/pkg/schema"
)

// --- Scope construction ---

func TestNewScope(t *testing.T) {
	scope, err := NewScope(json.RawMessage(`{"orderId": "A17", "total": 19.99}`))
	require.NoError(t, err)

	assert.Equal(t, "A17", scope.State["orderId"])
	assert.Equal(t, 19.99, scope.State["total"])
	assert.Nil(t, scope.Args)
	assert.Nil(t, scope.Run)
}

func TestNewScope_EmptyState(t *testing.T) {
	t.Run("nil raw", func(t *testing.T) {
		scope, err := NewScope(nil)
		require.NoError(t, err)
		assert.NotNil(t, scope.State)
		assert.Empty(t, scope.State)
	})

	t.Run("json null", func(t *testing.T) {
		scope, err := NewScope(json.RawMessage(`null`))
		require.NoError(t, err)
		assert.NotNil(t, scope.State)
		assert.Empty(t, scope.State)
	})
}

func TestNewScope_NonObjectState(t *testing.T) {
	_, err := NewScope(json.RawMessage(`[1, 2, 3]`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.CodeOf(err))
}

// --- Derived scopes ---

func TestScope_WithRun(t *testing.T) {
	scope, err := NewScope(json.RawMessage(`{"x": 1}`))
	require.NoError(t, err)

	derived := scope.WithRun("run-9", "order-flow")
	assert.Equal(t, "run-9", derived.Run["id"])
	assert.Equal(t, "order-flow", derived.Run["brain"])

	// Parent untouched.
	assert.Nil(t, scope.Run)
	assert.Equal(t, float64(1), derived.State["x"])
}

func TestScope_WithArgs(t *testing.T) {
	scope, err := NewScope(json.RawMessage(`{"x": 1}`))
	require.NoError(t, err)

	args := map[string]any{"ticketId": "T-1", "tags": []any{"urgent"}}
	derived := scope.WithArgs(args)

	assert.Equal(t, "T-1", derived.Args["ticketId"])
	assert.Nil(t, scope.Args)

	// Args are frozen at derivation: caller mutation does not leak in.
	args["ticketId"] = "T-2"
	args["tags"].([]any)[0] = "low"
	assert.Equal(t, "T-1", derived.Args["ticketId"])
	assert.Equal(t, "urgent", derived.Args["tags"].([]any)[0])
}

// --- Env flattening ---

func TestScope_Env(t *testing.T) {
	scope, err := NewScope(json.RawMessage(`{"orderId": "A17"}`))
	require.NoError(t, err)

	env := scope.WithRun("run-1", "b").WithArgs(map[string]any{"n": 1}).Env()

	state, ok := env["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A17", state["orderId"])

	args, ok := env["args"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, args["n"])

	run, ok := env["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", run["id"])
}

func TestScope_Env_MissingNamespacesDefaultEmpty(t *testing.T) {
	scope, err := NewScope(nil)
	require.NoError(t, err)

	env := scope.Env()
	assert.NotNil(t, env["args"])
	assert.NotNil(t, env["run"])
	assert.Empty(t, env["args"])
}

// --- Deep copy ---

func TestDeepCopyMap(t *testing.T) {
	src := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{1, 2},
	}

	cp := deepCopyMap(src)
	require.NotNil(t, cp)

	src["nested"].(map[string]any)["k"] = "mutated"
	src["list"].([]any)[0] = 99

	assert.Equal(t, "v", cp["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, cp["list"].([]any)[0])
}

func TestDeepCopyAny_RawMessage(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	cp := deepCopyAny(raw).(json.RawMessage)

	raw[1] = 'x'
	assert.Equal(t, json.RawMessage(`{"a":1}`), cp)
}

func TestDeepCopyMap_Nil(t *testing.T) {
	assert.Nil(t, deepCopyMap(nil))
}
