package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/axon/pkg/schema"
)

func TestApply_AddReplace(t *testing.T) {
	state, err := Apply([]byte(`{}`), []byte(`[{"op":"add","path":"/x","value":1}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(state))

	state, err = Apply(state, []byte(`[{"op":"replace","path":"/x","value":2}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":2}`, string(state))
}

func TestApply_MoveCopyRemove(t *testing.T) {
	doc := []byte(`{"a":{"b":1},"keep":true}`)

	state, err := Apply(doc, []byte(`[{"op":"copy","from":"/a/b","path":"/c"}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":1},"keep":true,"c":1}`, string(state))

	state, err = Apply(state, []byte(`[{"op":"move","from":"/c","path":"/d"}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":1},"keep":true,"d":1}`, string(state))

	state, err = Apply(state, []byte(`[{"op":"remove","path":"/a"}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"keep":true,"d":1}`, string(state))
}

func TestApply_TestOp(t *testing.T) {
	doc := []byte(`{"x":1}`)

	_, err := Apply(doc, []byte(`[{"op":"test","path":"/x","value":1}]`))
	assert.NoError(t, err)

	_, err = Apply(doc, []byte(`[{"op":"test","path":"/x","value":99}]`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePatchFailed, schema.CodeOf(err))
}

func TestApply_MissingPathIsFatal(t *testing.T) {
	_, err := Apply([]byte(`{}`), []byte(`[{"op":"remove","path":"/nope"}]`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePatchFailed, schema.CodeOf(err))
}

func TestApply_MalformedPatch(t *testing.T) {
	_, err := Apply([]byte(`{}`), []byte(`{"not":"an array"}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePatchFailed, schema.CodeOf(err))
}

func TestApply_EmptyInputs(t *testing.T) {
	state, err := Apply(nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(state))

	state, err = Apply([]byte(`{"x":1}`), []byte(`[]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(state))
}

func TestDiff_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
	}{
		{"add key", `{}`, `{"x":1}`},
		{"replace nested", `{"a":{"b":1},"c":[1,2]}`, `{"a":{"b":2},"c":[1,2]}`},
		{"remove key", `{"x":1,"y":2}`, `{"y":2}`},
		{"array growth", `{"items":[]}`, `{"items":[{"id":1},{"id":2}]}`},
		{"type change", `{"v":"str"}`, `{"v":{"nested":true}}`},
		{"deep mix", `{"run":{"count":1,"tags":["a"]}}`, `{"run":{"count":2,"tags":["a","b"],"done":false}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patchDoc, err := Diff([]byte(tt.before), []byte(tt.after))
			require.NoError(t, err)

			got, err := Apply([]byte(tt.before), patchDoc)
			require.NoError(t, err)
			assert.JSONEq(t, tt.after, string(got))
		})
	}
}

func TestDiff_EqualDocumentsYieldNil(t *testing.T) {
	patchDoc, err := Diff([]byte(`{"x":1}`), []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Nil(t, patchDoc)
	assert.True(t, IsEmpty(patchDoc))
}

func TestDiff_ProducesValidOps(t *testing.T) {
	patchDoc, err := Diff([]byte(`{}`), []byte(`{"x":1}`))
	require.NoError(t, err)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(patchDoc, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "add", ops[0]["op"])
	assert.Equal(t, "/x", ops[0]["path"])
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty([]byte(``)))
	assert.True(t, IsEmpty([]byte(` [] `)))
	assert.True(t, IsEmpty([]byte(`null`)))
	assert.False(t, IsEmpty([]byte(`[{"op":"add","path":"/x","value":1}]`)))
}
