package replay

import (
	"encoding/json"

	"github.com/openai/openai-go"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

// AgentContext is a suspended agent loop rebuilt from the log: the opening
// payload, the webhook tool call it is blocked on, and the SDK-native
// conversation up to the suspension point. The caller resumes the loop by
// appending a tool message for Webhook.ToolCallID.
type AgentContext struct {
	Start     *schema.AgentStartPayload
	Webhook   *schema.AgentWebhookPayload
	Iteration int
	Messages  []openai.ChatCompletionMessageParamUnion
}

// AgentContextAt reconstructs the agent conversation as of events[target].
// Returns nil when no agent_webhook exists at or before the target: the run
// is not suspended inside an agent loop, and there is nothing to rebuild.
//
// An agent_webhook with no preceding agent_start is corrupt and fails loudly
// rather than resuming with a fabricated conversation.
func AgentContextAt(events []*store.Event, target int) (*AgentContext, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if target < 0 {
		target = 0
	}
	if target >= len(events) {
		target = len(events) - 1
	}

	webhookIdx := -1
	for i := target; i >= 0; i-- {
		if events[i].Kind == schema.EventAgentWebhook {
			webhookIdx = i
			break
		}
	}
	if webhookIdx == -1 {
		return nil, nil
	}
	decoded, err := schema.DecodeEventPayload(schema.EventAgentWebhook, events[webhookIdx].Payload)
	if err != nil {
		return nil, err
	}
	webhook := decoded.(*schema.AgentWebhookPayload)

	startIdx := -1
	for i := webhookIdx - 1; i >= 0; i-- {
		if events[i].Kind == schema.EventAgentStart {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt,
			"agent_webhook at seq %d has no preceding agent_start", events[webhookIdx].Seq).
			WithRun(events[webhookIdx].RunID)
	}
	decoded, err = schema.DecodeEventPayload(schema.EventAgentStart, events[startIdx].Payload)
	if err != nil {
		return nil, err
	}
	start := decoded.(*schema.AgentStartPayload)

	agentCtx := &AgentContext{Start: start, Webhook: webhook}
	if start.SystemPrompt != "" {
		agentCtx.Messages = append(agentCtx.Messages, openai.SystemMessage(start.SystemPrompt))
	}
	agentCtx.Messages = append(agentCtx.Messages, openai.UserMessage(start.Prompt))

	for i := startIdx + 1; i < webhookIdx; i++ {
		e := events[i]
		switch e.Kind {
		case schema.EventAgentIteration:
			p, err := schema.DecodeEventPayload(e.Kind, e.Payload)
			if err != nil {
				return nil, err
			}
			agentCtx.Iteration = p.(*schema.AgentIterationPayload).Iteration

		case schema.EventAgentAssistantMessage:
			p, err := schema.DecodeEventPayload(e.Kind, e.Payload)
			if err != nil {
				return nil, err
			}
			var msg openai.ChatCompletionMessage
			if err := json.Unmarshal(p.(*schema.AgentAssistantMessagePayload).Message, &msg); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt,
					"assistant message at seq %d: %s", e.Seq, err.Error()).WithRun(e.RunID).WithCause(err)
			}
			agentCtx.Messages = append(agentCtx.Messages, msg.ToParam())

		case schema.EventAgentToolResult:
			p, err := schema.DecodeEventPayload(e.Kind, e.Payload)
			if err != nil {
				return nil, err
			}
			tr := p.(*schema.AgentToolResultPayload)
			agentCtx.Messages = append(agentCtx.Messages, openai.ToolMessage(tr.Content, tr.ToolCallID))
		}
	}
	return agentCtx, nil
}
