package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tidewater-labs/flotilla/internal/engine"
	"github.com/tidewater-labs/flotilla/internal/loader"
	"github.com/tidewater-labs/flotilla/internal/store"
	"github.com/tidewater-labs/flotilla/internal/streaming"
)

// FlotillaServerDeps holds the dependencies for creating a FlotillaServer.
type FlotillaServerDeps struct {
	Engine *engine.Engine
	Store  store.Store
	Loader *loader.Loader
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// FlotillaServer wraps an MCP server with flotilla-specific tool handlers.
// It is the agent control surface: run, status, resume, cancel, events.
type FlotillaServer struct {
	engine    *engine.Engine
	store     store.Store
	loader    *loader.Loader
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer

	// active maps run IDs to their cancel functions so a second session can
	// cancel a run started by the first.
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewFlotillaServer creates a new FlotillaServer with all 5 tools registered.
func NewFlotillaServer(deps FlotillaServerDeps) *FlotillaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlotillaServer{
		engine: deps.Engine,
		store:  deps.Store,
		loader: deps.Loader,
		hub:    deps.Hub,
		logger: logger,
		active: make(map[string]context.CancelFunc),
	}

	mcpSrv := server.NewMCPServer(
		"flotilla",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flotilla orchestrates multi-step agent workflows over a dependency graph. Use flotilla.run to execute a workflow definition, flotilla.status to inspect a run, flotilla.resume to continue an interrupted run from its checkpoint, flotilla.cancel to stop a run, and flotilla.events to read a run's event log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlotillaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlotillaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *FlotillaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: eventsTool(), Handler: s.handleEvents},
	}
}

// track registers a run's cancel function while it executes.
func (s *FlotillaServer) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()
}

func (s *FlotillaServer) untrack(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
}

func (s *FlotillaServer) cancelRun(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flotilla.run",
		mcp.WithDescription("Execute a workflow definition and return the run summary"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: steps, dependencies, outputs")),
		mcp.WithObject("inputs", mcp.Description("Initial variables for the run context")),
		mcp.WithString("run_id", mcp.Description("Run ID override (default: generated UUID)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flotilla.status",
		mcp.WithDescription("Get the stored state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flotilla.resume",
		mcp.WithDescription("Resume an interrupted run from its latest checkpoint; completed steps are not re-executed"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("The workflow definition the run was started with")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flotilla.cancel",
		mcp.WithDescription("Cancel an executing run; in-flight steps get a grace period to wind down"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("flotilla.events",
		mcp.WithDescription("Read a run's event log in sequence order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Return only events after this sequence number")),
	)
}
