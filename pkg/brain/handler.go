package brain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// WebhookRequest is the transport-neutral view of one inbound delivery at
// POST /webhooks/{slug}. The server layer parses the body and strips the
// resume token before any handler sees it: Body holds a JSON object or form
// fields folded into arrays, Raw holds the unparsed bytes for handlers that
// verify provider signatures.
type WebhookRequest struct {
	Slug    string
	Method  string
	Headers http.Header
	Query   url.Values
	Body    map[string]any
	Raw     []byte

	// Token is the CSRF token extracted from the submission, when present.
	Token string
}

// WebhookResult is what a handler extracted from a delivery. Exactly one of
// three shapes: a resume ({Identifier, Response}), a verification echo
// (Challenge), or a drop (Skip).
type WebhookResult struct {
	// Identifier keys the waiting registration to resume.
	Identifier string

	// Response is delivered to the suspended step or agent tool call.
	Response json.RawMessage

	// Challenge, when non-empty, is echoed back to the caller without
	// touching the signal queue (provider handshake flows).
	Challenge string

	// Skip acknowledges the delivery without acting on it, with an optional
	// Reason (e.g. an event type the handler does not care about).
	Skip   bool
	Reason string
}

// WebhookHandler turns an inbound delivery into a WebhookResult. Built-in
// implementations cover resume forms and declarative provider mappings; any
// Go type can implement custom parsing (signature checks, exotic payloads).
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResult, error)
}
