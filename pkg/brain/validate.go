package brain

import (
	"encoding/json"
	"fmt"

	"github.com/corvid-labs/axon/pkg/schema"
)

// Validate performs semantic analysis on a brain definition before the
// engine accepts it. Checks: title present, unique step titles per brain
// level, exactly one body per step, webhook/agent configuration sanity,
// recursive sub-brain validation.
func Validate(b *Brain) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if b.Title == "" {
		result.AddError("title", schema.ErrCodeValidation, "brain title is required")
	}
	if len(b.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "brain has no steps")
	}
	validateSteps(b.Steps, "steps", result)
	return result
}

func validateSteps(steps []Step, base string, result *schema.ValidationResult) {
	titles := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		path := fmt.Sprintf("%s[%d]", base, i)

		if step.Title == "" {
			result.AddError(path+".title", schema.ErrCodeValidation, "step title is required")
		} else if titles[step.Title] {
			result.AddError(path+".title", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step title %q", step.Title))
		}
		titles[step.Title] = true

		validateStepBody(step, path, result)
	}
}

func validateStepBody(step *Step, path string, result *schema.ValidationResult) {
	bodies := 0
	if step.Run != nil {
		bodies++
	}
	if step.Webhook != nil {
		bodies++
	}
	if step.Brain != nil {
		bodies++
	}
	if step.Agent != nil {
		bodies++
	}
	if bodies != 1 {
		result.AddError(path, schema.ErrCodeValidation,
			"step must have exactly one of Run, Webhook, Brain or Agent")
		return
	}

	switch {
	case step.Webhook != nil:
		if step.Webhook.Slug == "" {
			result.AddError(path+".webhook.slug", schema.ErrCodeValidation, "webhook slug is required")
		}
		if step.Webhook.Identifier == "" {
			result.AddError(path+".webhook.identifier", schema.ErrCodeValidation, "webhook identifier is required")
		}
		if step.Webhook.Timeout == 0 {
			result.AddWarning(path+".webhook.timeout", schema.ErrCodeValidation,
				"webhook wait has no timeout and may suspend forever")
		}
		if step.OnResponse == nil {
			result.AddWarning(path+".onResponse", schema.ErrCodeValidation,
				"webhook step has no OnResponse; the delivery will not reach run state")
		}

	case step.Brain != nil:
		inner := Validate(step.Brain)
		for _, issue := range inner.Errors {
			result.AddError(path+".brain."+issue.Path, issue.Code, issue.Message)
		}
		for _, issue := range inner.Warnings {
			result.AddWarning(path+".brain."+issue.Path, issue.Code, issue.Message)
		}

	case step.Agent != nil:
		validateAgent(step.Agent, path+".agent", result)

	default:
		if step.OnResponse != nil {
			result.AddError(path+".onResponse", schema.ErrCodeValidation,
				"OnResponse requires a Webhook spec")
		}
	}
}

func validateAgent(agent *AgentDef, path string, result *schema.ValidationResult) {
	if agent.Prompt == "" {
		result.AddError(path+".prompt", schema.ErrCodeValidation, "agent prompt is required")
	}
	if agent.MaxIterations < 0 {
		result.AddError(path+".maxIterations", schema.ErrCodeValidation, "maxIterations cannot be negative")
	}

	names := make(map[string]bool, len(agent.Tools))
	for i, tool := range agent.Tools {
		tpath := fmt.Sprintf("%s.tools[%d]", path, i)
		if tool == nil {
			result.AddError(tpath, schema.ErrCodeValidation, "nil tool")
			continue
		}
		if tool.Name() == "" {
			result.AddError(tpath+".name", schema.ErrCodeValidation, "tool name is required")
		} else if names[tool.Name()] {
			result.AddError(tpath+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate tool name %q", tool.Name()))
		}
		names[tool.Name()] = true

		if raw := tool.InputSchema(); len(raw) > 0 && !json.Valid(raw) {
			result.AddError(tpath+".inputSchema", schema.ErrCodeValidation,
				fmt.Sprintf("tool %q input schema is not valid JSON", tool.Name()))
		}

		if wt, ok := tool.(*WebhookTool); ok {
			if wt.Slug == "" {
				result.AddError(tpath+".slug", schema.ErrCodeValidation, "webhook tool slug is required")
			}
			if wt.Identifier == "" {
				result.AddError(tpath+".identifier", schema.ErrCodeValidation, "webhook tool identifier is required")
			}
		} else if _, ok := tool.(Invoker); !ok {
			result.AddError(tpath, schema.ErrCodeValidation,
				fmt.Sprintf("tool %q is neither an Invoker nor a WebhookTool", tool.Name()))
		}
	}
}
