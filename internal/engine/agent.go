package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"

	"github.com/corvid-labs/axon/internal/logging"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// assistantTurn is one assistant message's worth of tool calls and how far
// execution got through them. pending is set when the turn is blocked on a
// webhook-backed tool call.
type assistantTurn struct {
	calls   []openai.ChatCompletionMessageToolCall
	done    map[string]bool
	pending *schema.AgentWebhookPayload
}

// agentResume is an open agent loop rebuilt from the log: conversation,
// iteration counter, and the in-flight turn if the loop stopped mid-turn.
type agentResume struct {
	start         *schema.AgentStartPayload
	iteration     int
	messages      []openai.ChatCompletionMessageParamUnion
	lastAssistant *openai.ChatCompletionMessage
	turn          *assistantTurn
}

// runAgentStep drives a model loop: call the model, execute the tool calls it
// asks for, feed results back, repeat until it answers in text. Webhook tools
// suspend the run mid-loop; the conversation is rebuilt from the log on
// resume so the model never sees a gap.
func (e *Engine) runAgentStep(ctx context.Context, rc *runContext, step *brain.Step, path []int) error {
	def := step.Agent
	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = e.maxIter
	}
	outputKey := def.OutputKey
	if outputKey == "" {
		outputKey = step.Title
	}

	tools := make(map[string]brain.Tool, len(def.Tools))
	for _, t := range def.Tools {
		tools[t.Name()] = t
	}
	toolParams := ToolParams(def.Tools)

	var (
		messages  []openai.ChatCompletionMessageParamUnion
		iteration int
		turn      *assistantTurn
	)

	if res := rc.resume; res != nil && pathKey(res.start.Path) == pathKey(path) {
		rc.resume = nil
		messages = res.messages
		iteration = res.iteration
		turn = res.turn
		if turn == nil && res.lastAssistant != nil && len(res.lastAssistant.ToolCalls) == 0 {
			// The loop already produced its final answer; only the closing
			// bookkeeping was lost.
			return e.completeAgent(ctx, rc, step, path, outputKey, iteration, res.lastAssistant.Content)
		}
	} else {
		prompt, err := e.renderTemplate(ctx, rc, def.Prompt, nil)
		if err != nil {
			return err
		}
		system, err := e.renderTemplate(ctx, rc, def.SystemPrompt, nil)
		if err != nil {
			return err
		}
		if _, err := e.append(ctx, rc.runID, schema.EventAgentStart, &schema.AgentStartPayload{
			Step:          step.Title,
			Path:          path,
			Prompt:        prompt,
			SystemPrompt:  system,
			MaxIterations: maxIter,
		}); err != nil {
			return err
		}
		if system != "" {
			messages = append(messages, openai.SystemMessage(system))
		}
		messages = append(messages, openai.UserMessage(prompt))
	}

	for {
		if turn != nil {
			if err := e.runTurn(ctx, rc, turn, tools, iteration, &messages); err != nil {
				return err
			}
			turn = nil
		}

		iteration++
		if iteration > maxIter {
			return schema.NewErrorf(schema.ErrCodeAgentFailed,
				"agent exceeded %d iterations", maxIter).WithRun(rc.runID).WithStep(step.Title)
		}
		if _, err := e.append(ctx, rc.runID, schema.EventAgentIteration,
			&schema.AgentIterationPayload{Iteration: iteration}); err != nil {
			return err
		}

		if err := e.sem.Acquire(ctx); err != nil {
			return err
		}
		msg, err := e.model.Complete(ctx, messages, toolParams)
		e.sem.Release()
		if err != nil {
			return err
		}

		raw, err := json.Marshal(msg)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeAgentFailed,
				"encode assistant message: %s", err.Error()).WithRun(rc.runID).WithCause(err)
		}
		if _, err := e.append(ctx, rc.runID, schema.EventAgentAssistantMessage,
			&schema.AgentAssistantMessagePayload{Message: raw}); err != nil {
			return err
		}
		messages = append(messages, msg.ToParam())

		if len(msg.ToolCalls) == 0 {
			return e.completeAgent(ctx, rc, step, path, outputKey, iteration, msg.Content)
		}
		turn = &assistantTurn{calls: msg.ToolCalls, done: map[string]bool{}}
	}
}

// runTurn executes a turn's tool calls in order, appending each result as a
// tool message. Calls already resolved in the log are skipped.
func (e *Engine) runTurn(ctx context.Context, rc *runContext, turn *assistantTurn, tools map[string]brain.Tool, iteration int, messages *[]openai.ChatCompletionMessageParamUnion) error {
	for _, call := range turn.calls {
		if turn.done[call.ID] {
			continue
		}
		content, err := e.runToolCall(ctx, rc, turn, tools, iteration, call)
		if err != nil {
			return err
		}
		*messages = append(*messages, openai.ToolMessage(content, call.ID))
		turn.done[call.ID] = true
	}
	return nil
}

// runToolCall resolves one tool call to its result content. Tool-level
// failures (unknown tool, bad arguments, Invoke errors) are fed back to the
// model as content; only engine-level failures return an error.
func (e *Engine) runToolCall(ctx context.Context, rc *runContext, turn *assistantTurn, tools map[string]brain.Tool, iteration int, call openai.ChatCompletionMessageToolCall) (string, error) {
	ctx = logging.WithToolCall(ctx, call.ID)
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)

	if p := turn.pending; p != nil && p.ToolCallID == call.ID {
		// Revived mid-suspension: the agent_webhook event and registration
		// are already durable.
		turn.pending = nil
		formToken := false
		if wt, ok := tools[p.ToolName].(*brain.WebhookTool); ok {
			formToken = wt.FormToken
		}
		timeout := time.Duration(p.TimeoutMs) * time.Millisecond
		if err := e.healRegistration(ctx, rc, p.Slug, p.Identifier, formToken, timeout); err != nil {
			return "", err
		}
		if rc.status != schema.RunStatusWaiting {
			if err := e.setStatus(ctx, rc, schema.RunStatusWaiting, store.RunUpdate{}); err != nil {
				return "", err
			}
		}
		return e.resolveAgentWebhook(ctx, rc, call.ID, p.ToolName, p.Slug, p.Identifier)
	}

	if _, err := e.append(ctx, rc.runID, schema.EventAgentToolCall, &schema.AgentToolCallPayload{
		Iteration:  iteration,
		ToolCallID: call.ID,
		ToolName:   name,
		Arguments:  args,
	}); err != nil {
		return "", err
	}

	tool, ok := tools[name]
	if !ok {
		return e.recordToolResult(ctx, rc, call.ID, name,
			fmt.Sprintf("tool %q is not available", name))
	}
	if err := e.args.ValidateArgs(args, tool.InputSchema()); err != nil {
		return e.recordToolResult(ctx, rc, call.ID, name, "invalid arguments: "+err.Error())
	}

	if wt, ok := tool.(*brain.WebhookTool); ok {
		return e.suspendOnWebhookTool(ctx, rc, wt, call.ID, args)
	}

	invoker, ok := tool.(brain.Invoker)
	if !ok {
		return e.recordToolResult(ctx, rc, call.ID, name,
			fmt.Sprintf("tool %q cannot be invoked", name))
	}

	state, err := decodeState(rc.state)
	if err != nil {
		return "", err
	}
	out, invErr := invoker.Invoke(ctx, args, state)
	if invErr != nil {
		// The model decides what to do with a failed tool.
		out = "tool error: " + invErr.Error()
		e.logger.WarnContext(ctx, "tool invocation failed", "tool", name, "error", invErr)
	}
	return e.recordToolResult(ctx, rc, call.ID, name, out)
}

// suspendOnWebhookTool parks the agent loop on an external delivery: records
// the suspension, registers the wait, and blocks until the response arrives.
func (e *Engine) suspendOnWebhookTool(ctx context.Context, rc *runContext, wt *brain.WebhookTool, callID string, args json.RawMessage) (string, error) {
	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return e.recordToolResult(ctx, rc, callID, wt.Name(), "invalid arguments: "+err.Error())
		}
	}
	if argsMap == nil {
		argsMap = map[string]any{}
	}

	identifier, err := e.renderIdentifier(ctx, rc, wt.Identifier, argsMap)
	if err != nil {
		return "", err
	}

	if _, err := e.append(ctx, rc.runID, schema.EventAgentWebhook, &schema.AgentWebhookPayload{
		ToolCallID: callID,
		ToolName:   wt.Name(),
		Slug:       wt.Slug,
		Identifier: identifier,
		TimeoutMs:  wt.Timeout.Milliseconds(),
	}); err != nil {
		return "", err
	}
	if err := e.registerWait(ctx, rc, wt.Slug, identifier, wt.FormToken, wt.Timeout); err != nil {
		return "", err
	}
	return e.resolveAgentWebhook(ctx, rc, callID, wt.Name(), wt.Slug, identifier)
}

// resolveAgentWebhook blocks on the delivery and turns it into the tool
// result for the suspended call.
func (e *Engine) resolveAgentWebhook(ctx context.Context, rc *runContext, callID, toolName, slug, identifier string) (string, error) {
	response, err := e.awaitDelivery(ctx, rc, slug, identifier)
	if err != nil {
		return "", err
	}
	if err := e.setStatus(ctx, rc, schema.RunStatusRunning, store.RunUpdate{ClearDeadline: true}); err != nil {
		return "", err
	}
	return e.recordToolResult(ctx, rc, callID, toolName, string(response))
}

func (e *Engine) recordToolResult(ctx context.Context, rc *runContext, callID, toolName, content string) (string, error) {
	if _, err := e.append(ctx, rc.runID, schema.EventAgentToolResult, &schema.AgentToolResultPayload{
		ToolCallID: callID,
		ToolName:   toolName,
		Content:    content,
	}); err != nil {
		return "", err
	}
	return content, nil
}

// completeAgent closes the loop: records the final text and folds it into
// run state under the step's output key.
func (e *Engine) completeAgent(ctx context.Context, rc *runContext, step *brain.Step, path []int, outputKey string, iterations int, result string) error {
	if _, err := e.append(ctx, rc.runID, schema.EventAgentComplete, &schema.AgentCompletePayload{
		Step:       step.Title,
		Path:       path,
		Iterations: iterations,
		Result:     result,
	}); err != nil {
		return err
	}

	current, err := decodeState(rc.state)
	if err != nil {
		return err
	}
	next := current.Clone()
	next[outputKey] = result
	return e.completeStep(ctx, rc, step.Title, path, next)
}

// openAgentLoop rebuilds the agent loop the log left open: an agent_start
// with no agent_complete after it. Covers both webhook suspension and a
// crash mid-iteration. Returns nil when every loop in the log is closed.
func openAgentLoop(events []*store.Event) (*agentResume, error) {
	lastStart, lastComplete := -1, -1
	for i, ev := range events {
		switch ev.Kind {
		case schema.EventAgentStart:
			lastStart = i
		case schema.EventAgentComplete:
			lastComplete = i
		}
	}
	if lastStart == -1 || lastComplete > lastStart {
		return nil, nil
	}

	decoded, err := schema.DecodeEventPayload(schema.EventAgentStart, events[lastStart].Payload)
	if err != nil {
		return nil, err
	}
	res := &agentResume{start: decoded.(*schema.AgentStartPayload)}
	if res.start.SystemPrompt != "" {
		res.messages = append(res.messages, openai.SystemMessage(res.start.SystemPrompt))
	}
	res.messages = append(res.messages, openai.UserMessage(res.start.Prompt))

	var (
		resolved map[string]bool
		pending  *schema.AgentWebhookPayload
	)
	for i := lastStart + 1; i < len(events); i++ {
		ev := events[i]
		switch ev.Kind {
		case schema.EventAgentIteration:
			p, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
			if err != nil {
				return nil, err
			}
			res.iteration = p.(*schema.AgentIterationPayload).Iteration

		case schema.EventAgentAssistantMessage:
			p, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
			if err != nil {
				return nil, err
			}
			var msg openai.ChatCompletionMessage
			if err := json.Unmarshal(p.(*schema.AgentAssistantMessagePayload).Message, &msg); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt,
					"assistant message at seq %d: %s", ev.Seq, err.Error()).
					WithRun(ev.RunID).WithCause(err)
			}
			res.messages = append(res.messages, msg.ToParam())
			res.lastAssistant = &msg
			resolved = map[string]bool{}
			pending = nil

		case schema.EventAgentToolResult:
			p, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
			if err != nil {
				return nil, err
			}
			tr := p.(*schema.AgentToolResultPayload)
			res.messages = append(res.messages, openai.ToolMessage(tr.Content, tr.ToolCallID))
			if resolved != nil {
				resolved[tr.ToolCallID] = true
			}
			if pending != nil && pending.ToolCallID == tr.ToolCallID {
				pending = nil
			}

		case schema.EventAgentWebhook:
			p, err := schema.DecodeEventPayload(ev.Kind, ev.Payload)
			if err != nil {
				return nil, err
			}
			pending = p.(*schema.AgentWebhookPayload)
		}
	}

	if res.lastAssistant != nil && len(res.lastAssistant.ToolCalls) > 0 {
		allDone := true
		for _, call := range res.lastAssistant.ToolCalls {
			if !resolved[call.ID] {
				allDone = false
				break
			}
		}
		if !allDone {
			res.turn = &assistantTurn{
				calls:   res.lastAssistant.ToolCalls,
				done:    resolved,
				pending: pending,
			}
		}
	}
	if pending != nil && res.lastAssistant == nil {
		return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt,
			"agent_webhook with no preceding assistant message").WithRun(events[lastStart].RunID)
	}
	return res, nil
}
