package expressions

import (
	"encoding/json"

	"github.com/corvid-labs/axon/pkg/schema"
)

// Scope holds the variables visible to ${...} templates:
//   - state: the run's current state object
//   - args:  tool-call arguments (agent webhook tools only)
//   - run:   run metadata (id, brain)
//
// Scopes are immutable snapshots. State is parsed and frozen at construction;
// derived scopes (WithArgs) share the frozen maps rather than re-copying.
type Scope struct {
	State map[string]any
	Args  map[string]any
	Run   map[string]any
}

// NewScope builds a scope from a run's state JSON. Empty or nil state yields
// an empty state map. Non-object state is rejected: templates reference state
// by field, so there is nothing a scalar state could resolve.
func NewScope(state json.RawMessage) (*Scope, error) {
	s := &Scope{State: map[string]any{}}

	if len(state) == 0 {
		return s, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(state, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"template scope requires a JSON object state: %s", err.Error()).
			WithCause(err)
	}
	if parsed != nil {
		s.State = deepCopyMap(parsed)
	}
	return s, nil
}

// WithRun returns a copy of the scope carrying run metadata for ${run.id}
// and ${run.brain} references.
func (s *Scope) WithRun(runID, brain string) *Scope {
	cp := *s
	cp.Run = map[string]any{"id": runID, "brain": brain}
	return &cp
}

// WithArgs returns a copy of the scope carrying tool-call arguments. The args
// map is deep-copied so later mutation by the caller cannot leak into
// templates already being resolved.
func (s *Scope) WithArgs(args map[string]any) *Scope {
	cp := *s
	cp.Args = deepCopyMap(args)
	return &cp
}

// Env flattens the scope into an expression environment. Missing namespaces
// default to empty maps so optional references ("args.x ?? state.x") evaluate
// instead of erroring.
func (s *Scope) Env() map[string]any {
	env := make(map[string]any, 3)
	for key, m := range map[string]map[string]any{
		"state": s.State,
		"args":  s.Args,
		"run":   s.Run,
	} {
		if m != nil {
			env[key] = m
		} else {
			env[key] = map[string]any{}
		}
	}
	return env
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
