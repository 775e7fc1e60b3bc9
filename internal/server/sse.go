package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/corvid-labs/axon/internal/streaming"
)

// handleWatchRun streams a run's live events over Server-Sent Events. Each
// message is named by the event kind and carries the hydrated payload. The
// stream starts at subscription time; use the events endpoint to backfill.
func (s *Server) handleWatchRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeAxonError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), streaming.EventFilter{RunID: runID})
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "run_id", runID, "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}
