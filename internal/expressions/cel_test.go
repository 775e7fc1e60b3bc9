package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/axon/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

// --- Interface compliance ---

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
}

// --- Basic evaluation ---

func TestCEL_BooleanLiteral(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "true", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_IntegerArithmetic(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "1 + 2", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)
}

// --- Webhook filters ---

func TestCEL_Filter_BodyAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"body": map[string]any{
			"type": "payment.captured",
			"data": map[string]any{
				"amount": int64(1999),
			},
		},
	}

	t.Run("event type match", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `body.type == "payment.captured"`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("event type mismatch", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `body.type == "payment.failed"`, data)
		require.NoError(t, err)
		assert.Equal(t, false, out)
	})

	t.Run("nested numeric guard", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `body.data.amount > 1000`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestCEL_Filter_HeadersAndQuery(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"headers": map[string]any{
			"X-Event-Kind": "ticket",
		},
		"query": map[string]any{
			"source": "zendesk",
		},
	}

	out, err := e.Evaluate(context.Background(),
		`headers["X-Event-Kind"] == "ticket" && query.source == "zendesk"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Filter_CombinedConditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"body": map[string]any{
			"type":   "issue.closed",
			"action": "closed",
		},
	}

	out, err := e.Evaluate(context.Background(),
		`body.type.startsWith("issue.") && body.action in ["closed", "merged"]`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

// --- Nil data handling ---

func TestCEL_MissingKeysDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// No body/headers/query provided: activation fills empty maps so the
	// program still runs.
	out, err := e.Evaluate(context.Background(), `size(body) == 0 && size(headers) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_HasOnAbsentField(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"body": map[string]any{"id": "evt_1"}}

	out, err := e.Evaluate(context.Background(), `has(body.missing)`, data)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

// --- EvaluateBool ---

func TestCEL_EvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"body": map[string]any{"ok": true}}

	ok, err := e.EvaluateBool(context.Background(), `body.ok == true`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_EvaluateBool_NonBoolResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `1 + 2`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "want bool")
}

// --- Error handling ---

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `body.type ==`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "CEL compile error")
}

func TestCEL_UnknownVariable(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Only body/headers/query are declared; anything else fails at compile.
	_, err = e.Evaluate(context.Background(), `payload.type == "x"`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

// --- Program caching ---

func TestCEL_CacheReuse(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	const filter = `body.type == "ping"`

	_, err = e.Evaluate(context.Background(), filter, map[string]any{"body": map[string]any{"type": "ping"}})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[filter]
	e.mu.RUnlock()
	assert.True(t, cached)

	out, err := e.Evaluate(context.Background(), filter, map[string]any{"body": map[string]any{"type": "pong"}})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

// --- Thread safety ---

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `body.n > 5`,
				map[string]any{"body": map[string]any{"n": int64(10)}})
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
}
