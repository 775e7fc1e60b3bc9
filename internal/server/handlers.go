package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/axon/internal/scheduler"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
)

// --- Brains and runs ---

func (s *Server) handleListBrains(w http.ResponseWriter, _ *http.Request) {
	type brainInfo struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
	}

	defs := s.deps.Brains.List()
	out := make([]brainInfo, 0, len(defs))
	for _, b := range defs {
		out = append(out, brainInfo{Title: b.Title, Description: b.Description, Steps: len(b.Steps)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"brains": out})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body struct {
		State json.RawMessage `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput, "invalid JSON: "+err.Error())
		return
	}

	runID, err := s.deps.Controller.StartRun(r.Context(), name, body.State)
	if err != nil {
		writeAxonError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"runId": runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Brain:  r.URL.Query().Get("brain"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeAxonError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAxonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeAxonError(w, err)
		return
	}

	afterSeq := queryInt64(r, "after_seq", 0)
	limit := queryInt(r, "limit", defaultEventPageSize)
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	events, err := s.deps.Loader.LoadPage(r.Context(), runID, afterSeq, limit)
	if err != nil {
		writeAxonError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var body struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput, "invalid JSON: "+err.Error())
		return
	}

	var sig *schema.Signal
	switch body.Type {
	case "kill":
		reason := body.Reason
		if reason == "" {
			reason = "killed via API"
		}
		sig = schema.KillSignal(reason)
	case "pause":
		sig = &schema.Signal{Kind: schema.SignalKindControl, Control: schema.ControlPause, Reason: body.Reason}
	case "resume":
		sig = &schema.Signal{Kind: schema.SignalKindControl, Control: schema.ControlResume, Reason: body.Reason}
	default:
		writeError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput,
			"signal type must be kill, pause or resume")
		return
	}

	if err := s.deps.Controller.Signal(r.Context(), runID, sig); err != nil {
		writeAxonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "run_id": runID, "type": body.Type})
}

// --- Pages ---

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	listed, err := s.deps.Pages.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAxonError(w, err)
		return
	}
	if listed == nil {
		listed = []*store.Page{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": listed})
}

// handleGetPage serves the stored blob verbatim with its recorded content
// type, so published pages render as the run intended.
func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.deps.Pages.Get(r.Context(), r.PathValue("id"), r.PathValue("slug"))
	if err != nil {
		writeAxonError(w, err)
		return
	}
	w.Header().Set("Content-Type", page.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page.Content)
}

// --- Schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context())
	if err != nil {
		writeAxonError(w, err)
		return
	}
	if schedules == nil {
		schedules = []*store.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Brain        string          `json:"brain"`
		CronExpr     string          `json:"cron_expression"`
		InitialState json.RawMessage `json:"initial_state"`
		Enabled      *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if body.Brain == "" || body.CronExpr == "" {
		writeError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput,
			"brain and cron_expression are required")
		return
	}
	if _, err := s.deps.Brains.Get(body.Brain); err != nil {
		writeAxonError(w, err)
		return
	}
	if err := scheduler.ValidateExpr(body.CronExpr); err != nil {
		writeAxonError(w, err)
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	sched := &store.Schedule{
		ID:           uuid.New().String(),
		Brain:        body.Brain,
		CronExpr:     body.CronExpr,
		InitialState: body.InitialState,
		Enabled:      enabled,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.CreateSchedule(r.Context(), sched); err != nil {
		writeAxonError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAxonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteSchedule(r.Context(), id); err != nil {
		writeAxonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}
