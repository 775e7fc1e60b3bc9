// Package validation checks model-produced tool arguments against the JSON
// Schema a tool declares. Invalid arguments are not fatal to the run; the
// violation messages are fed back to the model as the tool result so it can
// correct itself.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/corvid-labs/axon/pkg/schema"
)

// ArgsValidator validates tool-call arguments against per-tool JSON Schemas
// (Draft 2020-12). Compiled schemas are cached by their exact byte content.
// Safe for concurrent use.
type ArgsValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewArgsValidator creates an empty validator.
func NewArgsValidator() *ArgsValidator {
	return &ArgsValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateArgs validates raw tool-call arguments against a tool's input
// schema. An empty schema accepts everything. Arguments that are not a JSON
// document at all fail the same way schema violations do.
func (v *ArgsValidator) ValidateArgs(args json.RawMessage, inputSchema json.RawMessage) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid tool input schema").WithCause(err)
	}

	// Round-trip so numbers become json.Number, as the library requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation,
			"tool arguments are not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toAxonError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *ArgsValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("axon://tool-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toAxonError converts a jsonschema.ValidationError into an AxonError with
// clear, actionable messages the model can act on.
func toAxonError(err error) *schema.AxonError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
