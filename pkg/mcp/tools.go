package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

// handleRunBrain starts a run of a registered brain.
func (s *AxonServer) handleRunBrain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	brainName, err := req.RequireString("brain")
	if err != nil {
		return mcp.NewToolResultError("brain is required"), nil
	}

	var initialState json.RawMessage
	if state := mcp.ParseStringMap(req, "state", nil); state != nil {
		raw, marshalErr := json.Marshal(state)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid state: %v", marshalErr)), nil
		}
		initialState = raw
	}

	runID, startErr := s.controller.StartRun(ctx, brainName, initialState)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	// Remember which session started the run so the notifier can push the
	// terminal status back to it.
	s.captureSession(ctx, runID)

	return marshalResult(map[string]any{
		"run_id": runID,
		"brain":  brainName,
	})
}

// handleRunStatus returns the queryable projection of a run.
func (s *AxonServer) handleRunStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(run)
}

// handleListRuns lists runs with optional status/brain filters.
func (s *AxonServer) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		Brain: req.GetString("brain", ""),
		Limit: req.GetInt("limit", 50),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleListBrains lists the registered brains.
func (s *AxonServer) handleListBrains(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type brainInfo struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
	}

	brains := s.brains.List()
	infos := make([]brainInfo, 0, len(brains))
	for _, b := range brains {
		infos = append(infos, brainInfo{
			Title:       b.Title,
			Description: b.Description,
			Steps:       len(b.Steps),
		})
	}
	return marshalResult(map[string]any{"brains": infos})
}

// handleSendSignal delivers a control signal through the engine's admission
// gate. A rejection (terminal run, redundant pause) comes back as a tool
// error with the gate's reason.
func (s *AxonServer) handleSendSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	signalType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	var sig *schema.Signal
	switch signalType {
	case "kill":
		reason := req.GetString("reason", "")
		if reason == "" {
			reason = "killed via MCP"
		}
		sig = schema.KillSignal(reason)
	case "pause":
		sig = &schema.Signal{Kind: schema.SignalKindControl, Control: schema.ControlPause}
	case "resume":
		sig = &schema.Signal{Kind: schema.SignalKindControl, Control: schema.ControlResume}
	default:
		return mcp.NewToolResultError("type must be kill, pause or resume"), nil
	}

	if sigErr := s.controller.Signal(ctx, runID, sig); sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", sigErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"type":   signalType,
	})
}

// handleListWaiting lists open webhook waits.
func (s *AxonServer) handleListWaiting(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	regs, err := s.store.ListWaiting(ctx, req.GetString("slug", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	// Tokens gate form resumes; never hand them to an agent.
	type waitInfo struct {
		Slug       string `json:"slug"`
		Identifier string `json:"identifier"`
		RunID      string `json:"run_id"`
		CreatedAt  string `json:"created_at"`
	}
	waits := make([]waitInfo, 0, len(regs))
	for _, reg := range regs {
		waits = append(waits, waitInfo{
			Slug:       reg.Slug,
			Identifier: reg.Identifier,
			RunID:      reg.RunID,
			CreatedAt:  reg.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return marshalResult(map[string]any{"waiting": waits})
}

// --- Internal helpers ---

// captureSession maps a run to the MCP session that started it.
func (s *AxonServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
