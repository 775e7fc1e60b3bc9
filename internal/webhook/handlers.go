package webhook

import (
	"context"
	"encoding/json"

	"github.com/corvid-labs/axon/internal/expressions"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// DefaultIdentifierField is the form field FormHandler reads the resume
// identifier from when none is configured.
const DefaultIdentifierField = "identifier"

// FormHandler implements the default resume semantics: the identifier comes
// from a single body field and every remaining field is the response. It
// serves the built-in resume forms and any client POSTing a flat payload.
type FormHandler struct {
	// IdentifierField overrides the field holding the identifier.
	IdentifierField string
}

// HandleWebhook extracts {identifier, response} from a flat body.
func (h *FormHandler) HandleWebhook(_ context.Context, req *brain.WebhookRequest) (*brain.WebhookResult, error) {
	field := h.IdentifierField
	if field == "" {
		field = DefaultIdentifierField
	}

	id, _ := req.Body[field].(string)
	if id == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"webhook %q: missing identifier field %q", req.Slug, field)
	}

	rest := make(map[string]any, len(req.Body))
	for k, v := range req.Body {
		if k == field {
			continue
		}
		rest[k] = v
	}

	response, err := json.Marshal(rest)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"webhook %q: response not serializable: %s", req.Slug, err.Error()).WithCause(err)
	}

	return &brain.WebhookResult{Identifier: id, Response: response}, nil
}

// MappedConfig declares how to map an arbitrary provider payload onto the
// coordination protocol without writing a handler by hand.
type MappedConfig struct {
	// Filter is an optional CEL predicate over body/headers/query deciding
	// whether the delivery is relevant. False acknowledges and drops it.
	Filter string

	// Extract is a jq program producing {identifier, response} from the same
	// data. Required.
	Extract string

	// Challenge is an optional jq program; a non-null output is echoed back
	// verbatim as a verification response.
	Challenge string
}

// MappedHandler runs a MappedConfig: challenge first, then filter, then
// extraction. Programs are compiled on first use and cached per handler.
type MappedHandler struct {
	cfg MappedConfig
	cel *expressions.CELEngine
	jq  *expressions.GoJQEngine
}

// NewMappedHandler validates the config and builds the expression engines.
func NewMappedHandler(cfg MappedConfig) (*MappedHandler, error) {
	if cfg.Extract == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "mapped handler requires an extract program")
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &MappedHandler{
		cfg: cfg,
		cel: cel,
		jq:  expressions.NewGoJQEngine(),
	}, nil
}

// HandleWebhook maps the delivery. The data visible to all three programs is
// {body, headers, query} with first-value header and query maps.
func (h *MappedHandler) HandleWebhook(ctx context.Context, req *brain.WebhookRequest) (*brain.WebhookResult, error) {
	data := requestData(req)

	if h.cfg.Challenge != "" {
		out, err := h.jq.Evaluate(ctx, h.cfg.Challenge, data)
		if err != nil {
			return nil, err
		}
		if out != nil {
			challenge, ok := out.(string)
			if !ok {
				b, err := json.Marshal(out)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
						"webhook %q: challenge not serializable: %s", req.Slug, err.Error()).WithCause(err)
				}
				challenge = string(b)
			}
			return &brain.WebhookResult{Challenge: challenge}, nil
		}
	}

	if h.cfg.Filter != "" {
		relevant, err := h.cel.EvaluateBool(ctx, h.cfg.Filter, data)
		if err != nil {
			return nil, err
		}
		if !relevant {
			return &brain.WebhookResult{Skip: true, Reason: "filtered by handler"}, nil
		}
	}

	out, err := h.jq.Evaluate(ctx, h.cfg.Extract, data)
	if err != nil {
		return nil, err
	}
	extracted, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"webhook %q: extract program produced %T, want an object with identifier and response", req.Slug, out)
	}

	id, _ := extracted["identifier"].(string)
	if id == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"webhook %q: extract program produced no identifier", req.Slug)
	}

	response, err := json.Marshal(extracted["response"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"webhook %q: extracted response not serializable: %s", req.Slug, err.Error()).WithCause(err)
	}

	return &brain.WebhookResult{Identifier: id, Response: response}, nil
}

// requestData builds the expression input shared by CEL filters and jq
// programs. Headers and query collapse to their first value per name.
func requestData(req *brain.WebhookRequest) map[string]any {
	body := req.Body
	if body == nil {
		body = map[string]any{}
	}
	return map[string]any{
		"body":    body,
		"headers": firstValues(req.Headers),
		"query":   firstValues(req.Query),
	}
}

func firstValues[M ~map[string][]string](m M) map[string]any {
	out := make(map[string]any, len(m))
	for k, vs := range m {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

var (
	_ brain.WebhookHandler = (*FormHandler)(nil)
	_ brain.WebhookHandler = (*MappedHandler)(nil)
)
