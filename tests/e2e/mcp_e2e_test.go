package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/axon/pkg/brain"
	axonmcp "github.com/corvid-labs/axon/pkg/mcp"
	"github.com/corvid-labs/axon/pkg/schema"
)

// mcpEnv runs the MCP server against a live harness, so tool calls hit the
// same engine the HTTP surface would.
type mcpEnv struct {
	h   *harness
	srv *axonmcp.AxonServer
}

func newMCPEnv(t *testing.T, brains ...*brain.Brain) *mcpEnv {
	t.Helper()
	h := newHarness(t, brains...)
	srv := axonmcp.NewAxonServer(axonmcp.AxonServerDeps{
		Controller: h.engine(),
		Store:      h.store,
		Brains:     h.brains,
		Logger:     discardLogger(),
	})
	return &mcpEnv{h: h, srv: srv}
}

// callTool invokes a tool through HandleMessage, a full JSON-RPC round-trip.
func (e *mcpEnv) callTool(t *testing.T, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	initMsg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "e2e-test", "version": "1.0.0"},
		},
	})
	require.NoError(t, err)

	callMsg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	mcpSrv := e.srv.MCPServer()

	require.NotNil(t, mcpSrv.HandleMessage(ctx, initMsg))
	resp := mcpSrv.HandleMessage(ctx, callMsg)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)

	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

// --- E2E Tests ---

// TestMCPRunLifecycle drives a run from start to completion through tools
// alone: run_brain, run_status, list_runs, list_brains.
func TestMCPRunLifecycle(t *testing.T) {
	greet := &brain.Brain{
		Title:       "greeter",
		Description: "Greets whoever is in the state",
		Steps: []brain.Step{{
			Title: "greet",
			Run: func(_ context.Context, s brain.State) (brain.State, error) {
				name, _ := s["name"].(string)
				s["greeting"] = "hello " + name
				return s, nil
			},
		}},
	}
	env := newMCPEnv(t, greet)

	runResult := env.callTool(t, "run_brain", map[string]any{
		"brain": "greeter",
		"state": map[string]any{"name": "ada"},
	})
	require.False(t, runResult.IsError, "run_brain should succeed")

	var runOut map[string]any
	extractJSON(t, runResult, &runOut)
	assert.Equal(t, "greeter", runOut["brain"])
	runID, ok := runOut["run_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, runID)

	env.h.waitForStatus(runID, schema.RunStatusComplete)

	statusResult := env.callTool(t, "run_status", map[string]any{"run_id": runID})
	require.False(t, statusResult.IsError)

	var statusOut map[string]any
	extractJSON(t, statusResult, &statusOut)
	assert.Equal(t, runID, statusOut["id"])
	assert.Equal(t, "complete", statusOut["status"])
	state, err := json.Marshal(statusOut["state"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada","greeting":"hello ada"}`, string(state))

	listResult := env.callTool(t, "list_runs", map[string]any{"status": "complete"})
	require.False(t, listResult.IsError)
	var listOut struct {
		Runs []map[string]any `json:"runs"`
	}
	extractJSON(t, listResult, &listOut)
	require.Len(t, listOut.Runs, 1)
	assert.Equal(t, runID, listOut.Runs[0]["id"])

	brainsResult := env.callTool(t, "list_brains", map[string]any{})
	require.False(t, brainsResult.IsError)
	var brainsOut struct {
		Brains []map[string]any `json:"brains"`
	}
	extractJSON(t, brainsResult, &brainsOut)
	require.Len(t, brainsOut.Brains, 1)
	assert.Equal(t, "greeter", brainsOut.Brains[0]["title"])
	assert.Equal(t, float64(1), brainsOut.Brains[0]["steps"])
}

// TestMCPSignalKill kills a blocked run via send_signal, then verifies the
// admission gate surfaces a rejection once the run is terminal.
func TestMCPSignalKill(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	stuck := &brain.Brain{Title: "stuck", Steps: []brain.Step{
		{Title: "block", Run: func(_ context.Context, s brain.State) (brain.State, error) {
			close(started)
			<-release
			return s, nil
		}},
		{Title: "after", Run: setField("after", true)},
	}}
	env := newMCPEnv(t, stuck)
	defer close(release)

	runResult := env.callTool(t, "run_brain", map[string]any{"brain": "stuck"})
	var runOut map[string]any
	extractJSON(t, runResult, &runOut)
	runID := runOut["run_id"].(string)
	<-started

	sigResult := env.callTool(t, "send_signal", map[string]any{
		"run_id": runID,
		"type":   "kill",
		"reason": "operator said stop",
	})
	require.False(t, sigResult.IsError, "kill should be accepted")

	var sigOut map[string]any
	extractJSON(t, sigResult, &sigOut)
	assert.Equal(t, true, sigOut["ok"])
	assert.Equal(t, "kill", sigOut["type"])

	env.h.waitForStatus(runID, schema.RunStatusCancelled)
	assert.Contains(t, env.h.cancelReason(runID), "operator said stop")

	// The run is terminal; the gate rejects a second kill.
	rejected := env.callTool(t, "send_signal", map[string]any{
		"run_id": runID,
		"type":   "kill",
	})
	assert.True(t, rejected.IsError)
	assert.Contains(t, extractText(t, rejected), "signal failed")
}

// TestMCPListWaiting surfaces an open webhook wait without leaking its resume
// token.
func TestMCPListWaiting(t *testing.T) {
	b := reviewBrain(time.Minute)
	b.Steps[1].Webhook.FormToken = true
	env := newMCPEnv(t, b)
	ctx := context.Background()

	runResult := env.callTool(t, "run_brain", map[string]any{"brain": "document-review"})
	var runOut map[string]any
	extractJSON(t, runResult, &runOut)
	runID := runOut["run_id"].(string)
	env.h.waitForStatus(runID, schema.RunStatusWaiting)

	reg, err := env.h.store.FindWaiting(ctx, "review", "doc-D-42")
	require.NoError(t, err)
	require.NotNil(t, reg)
	require.NotEmpty(t, reg.Token)

	waitResult := env.callTool(t, "list_waiting", map[string]any{})
	require.False(t, waitResult.IsError)

	text := extractText(t, waitResult)
	assert.NotContains(t, text, reg.Token, "resume tokens must not reach agents")

	var waitOut struct {
		Waiting []map[string]any `json:"waiting"`
	}
	extractJSON(t, waitResult, &waitOut)
	require.Len(t, waitOut.Waiting, 1)
	assert.Equal(t, "review", waitOut.Waiting[0]["slug"])
	assert.Equal(t, "doc-D-42", waitOut.Waiting[0]["identifier"])
	assert.Equal(t, runID, waitOut.Waiting[0]["run_id"])

	// Slug filter excludes other slugs.
	filtered := env.callTool(t, "list_waiting", map[string]any{"slug": "other"})
	var filteredOut struct {
		Waiting []map[string]any `json:"waiting"`
	}
	extractJSON(t, filtered, &filteredOut)
	assert.Empty(t, filteredOut.Waiting)
}

// TestMCPErrorHandling covers the tool-error paths.
func TestMCPErrorHandling(t *testing.T) {
	env := newMCPEnv(t, reviewBrain(time.Minute))

	t.Run("run_unknown_brain", func(t *testing.T) {
		result := env.callTool(t, "run_brain", map[string]any{"brain": "ghost"})
		assert.True(t, result.IsError)
		assert.Contains(t, extractText(t, result), "start failed")
	})

	t.Run("status_unknown_run", func(t *testing.T) {
		result := env.callTool(t, "run_status", map[string]any{"run_id": "nope"})
		assert.True(t, result.IsError)
	})

	t.Run("signal_invalid_type", func(t *testing.T) {
		result := env.callTool(t, "send_signal", map[string]any{
			"run_id": "whatever",
			"type":   "detonate",
		})
		assert.True(t, result.IsError)
		assert.Contains(t, extractText(t, result), "kill, pause or resume")
	})

	t.Run("run_brain_missing_name", func(t *testing.T) {
		result := env.callTool(t, "run_brain", map[string]any{})
		assert.True(t, result.IsError)
		assert.Contains(t, extractText(t, result), "brain is required")
	})
}

// TestMCPToolsListViaJSONRPC verifies tools/list exposes the full surface.
func TestMCPToolsListViaJSONRPC(t *testing.T) {
	env := newMCPEnv(t)
	ctx := context.Background()

	initMsg, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 0, "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "1.0.0"},
		},
	})
	env.srv.MCPServer().HandleMessage(ctx, initMsg)

	listMsg, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
		"params": map[string]any{},
	})
	resp := env.srv.MCPServer().HandleMessage(ctx, listMsg)
	require.NotNil(t, resp)

	respBytes, _ := json.Marshal(resp)
	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	toolNames := make([]string, len(rpcResp.Result.Tools))
	for i, tool := range rpcResp.Result.Tools {
		toolNames[i] = tool.Name
	}

	assert.Contains(t, toolNames, "run_brain")
	assert.Contains(t, toolNames, "run_status")
	assert.Contains(t, toolNames, "list_runs")
	assert.Contains(t, toolNames, "list_brains")
	assert.Contains(t, toolNames, "send_signal")
	assert.Contains(t, toolNames, "list_waiting")
	assert.Len(t, toolNames, 6)
}

// TestMCPNotifierLifecycle runs the terminal-status notifier against the live
// hub. HandleMessage calls carry no client session, so there is nothing to
// push to; the loop must still consume terminal events cleanly.
func TestMCPNotifierLifecycle(t *testing.T) {
	b := &brain.Brain{Title: "quick", Steps: []brain.Step{
		{Title: "only", Run: setField("done", true)},
	}}
	env := newMCPEnv(t, b)

	notifier := axonmcp.NewNotifier(env.srv, env.h.hub, discardLogger())
	require.NoError(t, notifier.Start())
	defer notifier.Stop()

	runResult := env.callTool(t, "run_brain", map[string]any{"brain": "quick"})
	require.False(t, runResult.IsError)
	var runOut map[string]any
	extractJSON(t, runResult, &runOut)
	runID := runOut["run_id"].(string)

	env.h.waitForStatus(runID, schema.RunStatusComplete)

	// No session was captured, so nothing is tracked for the run.
	_, ok := env.srv.Sessions().SessionFor(runID)
	assert.False(t, ok)
}
