package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/corvid-labs/axon/pkg/schema"
)

// Interpolator resolves ${...} references in webhook identifier templates and
// agent prompts. Token contents are expr programs evaluated against a Scope,
// so "order-${state.orderId}" and "ticket-${args.ticketId}" resolve by path
// while "${args.count + 1}" computes.
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator with its own program cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{engine: NewExprEngine()}
}

// Interpolate resolves every ${...} token in template and returns the expanded
// string. Templates without tokens are returned unchanged. Braces nest: the
// token ends at the brace that balances the opening ${, so map literals inside
// expressions survive. A token that resolves to nil is an error rather than an
// empty splice: a silently truncated identifier would register a webhook no
// caller could ever hit.
func (interp *Interpolator) Interpolate(ctx context.Context, template string, scope *Scope) (string, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}
	if scope == nil {
		scope = &Scope{}
	}
	env := scope.Env()

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(template[i : i+idx])
		start := i + idx + 2 // skip "${".

		end, ok := matchBrace(template, start)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"unclosed ${ expression in %q", template)
		}

		expression := strings.TrimSpace(template[start:end])
		if expression == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty ${} reference")
		}

		val, err := interp.engine.Evaluate(ctx, expression, env)
		if err != nil {
			return "", err
		}
		if val == nil {
			return "", interp.unresolvedErr(expression, scope)
		}

		result.WriteString(stringifyValue(val))
		i = end + 1 // skip "}".
	}

	return result.String(), nil
}

// matchBrace returns the index of the '}' balancing the token opened just
// before start. Braces inside quoted strings are not special-cased.
func matchBrace(s string, start int) (int, bool) {
	depth := 1
	for j := start; j < len(s); j++ {
		switch s[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j, true
			}
		}
	}
	return 0, false
}

// unresolvedErr reports a token that evaluated to nothing, listing the keys
// that were actually in scope.
func (interp *Interpolator) unresolvedErr(expression string, scope *Scope) *schema.AxonError {
	stateKeys := mapKeys(scope.State)
	argKeys := mapKeys(scope.Args)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"${%s} resolved to nothing; state keys: [%s], args keys: [%s]",
		expression, strings.Join(stateKeys, ", "), strings.Join(argKeys, ", ")).
		WithDetails(map[string]any{
			"expression": expression,
			"state_keys": stateKeys,
			"args_keys":  argKeys,
		})
}

// stringifyValue converts a resolved value into its inline text form.
// Strings embed verbatim. Numbers drop trailing zeros so a state counter
// unmarshalled as float64 still renders "42", not "42.000000". Objects and
// arrays embed as compact JSON.
func stringifyValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation reports whether a template contains any ${...} references.
func HasInterpolation(template string) bool {
	return strings.Contains(template, "${")
}
