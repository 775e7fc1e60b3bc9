// Package webhook implements the coordination protocol behind
// POST /webhooks/{slug}: body parsing, the CSRF token matrix, admission
// gating, atomic claim of the waiting registration, and the queued-delivery
// path for webhooks that arrive before any run is waiting.
package webhook

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/url"
	"strings"

	"github.com/corvid-labs/axon/pkg/schema"
)

// TokenField is the form field carrying the single-use resume token. The
// name is wire-compatible with resume forms generated by existing
// deployments, so stored pages keep working across the rewrite.
const TokenField = "__positronic_token"

// FoldForm converts parsed form values into a JSON-shaped map. Repeated keys
// fold into arrays, and the `name[]` suffix forces an array even for a single
// value. The token field is stripped and returned separately; it never
// reaches a handler.
func FoldForm(values url.Values) (map[string]any, string) {
	body := make(map[string]any, len(values))
	token := ""

	for key, vs := range values {
		if key == TokenField {
			if len(vs) > 0 {
				token = vs[0]
			}
			continue
		}

		if name, isArray := strings.CutSuffix(key, "[]"); isArray {
			arr := make([]any, len(vs))
			for i, v := range vs {
				arr[i] = v
			}
			body[name] = arr
			continue
		}

		switch len(vs) {
		case 0:
		case 1:
			body[key] = vs[0]
		default:
			arr := make([]any, len(vs))
			for i, v := range vs {
				arr[i] = v
			}
			body[key] = arr
		}
	}

	return body, token
}

// ParseBody parses an inbound request body into the map handed to handlers,
// extracting the resume token when one is present. Form bodies fold per
// FoldForm; JSON objects pass through (a top-level TokenField string is
// stripped for symmetry with forms). An empty body yields an empty map.
func ParseBody(contentType string, raw []byte) (map[string]any, string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, "", nil
	}

	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeInvalidInput,
				"malformed form body: %s", err.Error()).WithCause(err)
		}
		body, token := FoldForm(values)
		return body, token, nil

	case mediaType == "application/json", mediaType == "", looksLikeJSON(raw):
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeInvalidInput,
				"malformed JSON body: %s", err.Error()).WithCause(err)
		}
		if body == nil {
			body = map[string]any{}
		}
		token := ""
		if t, ok := body[TokenField].(string); ok {
			token = t
			delete(body, TokenField)
		}
		return body, token, nil

	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeInvalidInput,
			"unsupported webhook content type %q", contentType)
	}
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
