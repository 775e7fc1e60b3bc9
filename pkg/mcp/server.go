// Package mcp exposes run control over the Model Context Protocol so agent
// tooling can start brains, inspect runs and deliver signals without going
// through the HTTP API. The stdio transport is the primary one; completion
// notifications are pushed back to the session that started a run.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// Controller is the slice of the engine the tools need; satisfied by
// engine.Engine.
type Controller interface {
	StartRun(ctx context.Context, brainName string, initialState json.RawMessage) (string, error)
	Signal(ctx context.Context, runID string, sig *schema.Signal) error
}

// AxonServerDeps holds the dependencies for creating an AxonServer.
type AxonServerDeps struct {
	Controller Controller
	Store      store.Store
	Brains     *brain.Registry
	Logger     *slog.Logger
}

// AxonServer wraps an MCP server with the run-control tool handlers.
type AxonServer struct {
	controller Controller
	store      store.Store
	brains     *brain.Registry
	logger     *slog.Logger
	sessions   *SessionRegistry
	mcpServer  *server.MCPServer
}

// NewAxonServer creates a new AxonServer with all 6 tools registered.
func NewAxonServer(deps AxonServerDeps) *AxonServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AxonServer{
		controller: deps.Controller,
		store:      deps.Store,
		brains:     deps.Brains,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"axon",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Axon runs long-lived AI workflow brains that suspend on webhooks and survive restarts. Use run_brain to start a run, run_status and list_runs to inspect progress, send_signal to pause, resume or kill a run, list_brains to discover registered brains, and list_waiting to see suspended webhook waits. The session that starts a run is notified when it reaches a terminal status."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AxonServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AxonServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the run-to-session registry the notifier pushes through.
func (s *AxonServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *AxonServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runBrainTool(), Handler: s.handleRunBrain},
		{Tool: runStatusTool(), Handler: s.handleRunStatus},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
		{Tool: listBrainsTool(), Handler: s.handleListBrains},
		{Tool: sendSignalTool(), Handler: s.handleSendSignal},
		{Tool: listWaitingTool(), Handler: s.handleListWaiting},
	}
}

// --- Tool definitions ---

func runBrainTool() mcp.Tool {
	return mcp.NewTool("run_brain",
		mcp.WithDescription("Start a run of a registered brain. Returns the run ID immediately; the run executes in the background and this session is notified on completion"),
		mcp.WithString("brain", mcp.Required(), mcp.Description("Title of the brain to run")),
		mcp.WithObject("state", mcp.Description("Initial run state (default: empty object)")),
	)
}

func runStatusTool() mcp.Tool {
	return mcp.NewTool("run_status",
		mcp.WithDescription("Get the current status of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("list_runs",
		mcp.WithDescription("List runs, optionally filtered by status or brain"),
		mcp.WithString("status", mcp.Description("Filter by run status"),
			mcp.Enum("pending", "running", "waiting", "paused", "complete", "error", "cancelled"),
		),
		mcp.WithString("brain", mcp.Description("Filter by brain title")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default: 50)")),
	)
}

func listBrainsTool() mcp.Tool {
	return mcp.NewTool("list_brains",
		mcp.WithDescription("List the brains registered with this engine"),
	)
}

func sendSignalTool() mcp.Tool {
	return mcp.NewTool("send_signal",
		mcp.WithDescription("Send a control signal to a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("kill", "pause", "resume"),
			mcp.Description("Type of signal to send"),
		),
		mcp.WithString("reason", mcp.Description("Reason recorded with a kill signal")),
	)
}

func listWaitingTool() mcp.Tool {
	return mcp.NewTool("list_waiting",
		mcp.WithDescription("List webhook waits: (slug, identifier) pairs suspended runs are waiting on"),
		mcp.WithString("slug", mcp.Description("Filter by webhook slug")),
	)
}
