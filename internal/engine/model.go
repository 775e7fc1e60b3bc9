package engine

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// ModelClient is the LLM surface agent loops call: one request, one assistant
// message. Tool calls ride on the returned message.
type ModelClient interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*openai.ChatCompletionMessage, error)
}

// ModelConfig configures the OpenAI-compatible chat client.
type ModelConfig struct {
	Model   string
	APIKey  string
	BaseURL string
}

// OpenAIModel calls an OpenAI-compatible chat completion API.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel builds a client from config. BaseURL is optional and points
// the SDK at any OpenAI-compatible endpoint.
func NewOpenAIModel(cfg ModelConfig) *OpenAIModel {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIModel{client: &client, model: cfg.Model}
}

func (m *OpenAIModel) Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*openai.ChatCompletionMessage, error) {
	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    m.model,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentFailed, "model call: %s", err.Error()).WithCause(err)
	}
	if len(completion.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeAgentFailed, "model returned no choices")
	}
	return &completion.Choices[0].Message, nil
}

// ToolParams converts tool definitions into the SDK's function-tool params.
// A tool with no input schema is exposed with empty parameters.
func ToolParams(tools []brain.Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		var parameters openai.FunctionParameters
		if raw := t.InputSchema(); len(raw) > 0 {
			_ = json.Unmarshal(raw, &parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name(),
				Description: param.NewOpt(t.Description()),
				Parameters:  parameters,
			},
		})
	}
	return out
}

var _ ModelClient = (*OpenAIModel)(nil)
