// Package patch applies and derives RFC 6902 JSON Patches over run state.
//
// State reconstruction replays step_complete patches in log order, so both
// directions must be exact: applying Diff(a, b) to a yields b byte-for-byte
// at the JSON level. All failures are PATCH_FAILED and treated as fatal by
// callers: a state that cannot take its patch cannot be reconstructed.
package patch

import (
	"bytes"
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/corvid-labs/axon/pkg/schema"
)

var emptyObject = json.RawMessage(`{}`)

// Apply applies an RFC 6902 patch document (an array of operations) to a
// JSON document. A nil or empty document is treated as {}. A nil or empty
// patch returns the document unchanged.
func Apply(doc, patchDoc json.RawMessage) (json.RawMessage, error) {
	if IsEmpty(patchDoc) {
		if len(doc) == 0 {
			return emptyObject, nil
		}
		return doc, nil
	}
	if len(doc) == 0 {
		doc = emptyObject
	}

	p, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePatchFailed, "decode patch: %s", err.Error()).WithCause(err)
	}

	out, err := p.Apply(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePatchFailed, "apply patch: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// Diff computes the RFC 6902 patch transforming before into after.
// Returns nil when the documents are equal.
func Diff(before, after json.RawMessage) (json.RawMessage, error) {
	if len(before) == 0 {
		before = emptyObject
	}
	if len(after) == 0 {
		after = emptyObject
	}

	ops, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePatchFailed, "diff states: %s", err.Error()).WithCause(err)
	}
	if len(ops) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePatchFailed, "encode patch: %s", err.Error()).WithCause(err)
	}
	return raw, nil
}

// IsEmpty reports whether a patch document carries no operations.
func IsEmpty(patchDoc json.RawMessage) bool {
	if len(patchDoc) == 0 {
		return true
	}
	trimmed := bytes.TrimSpace(patchDoc)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[]")) || bytes.Equal(trimmed, []byte("null"))
}
