package server

import (
	"io"
	"net/http"

	"github.com/corvid-labs/axon/internal/webhook"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// maxWebhookBody bounds inbound delivery payloads.
const maxWebhookBody = 1 << 20

// handleWebhook runs the coordination protocol for one delivery. Outcomes are
// always HTTP 200 with an Envelope; only malformed requests and internal
// failures get an error status.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, schema.ErrCodeInvalidInput,
			"webhook body too large")
		return
	}

	body, token, err := webhook.ParseBody(r.Header.Get("Content-Type"), raw)
	if err != nil {
		writeAxonError(w, err)
		return
	}

	env, err := s.deps.Coordinator.Deliver(r.Context(), &brain.WebhookRequest{
		Slug:    slug,
		Method:  r.Method,
		Headers: r.Header,
		Query:   r.URL.Query(),
		Body:    body,
		Raw:     raw,
		Token:   token,
	})
	if err != nil {
		writeAxonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}
