// Package mcp exposes the workflow engine to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// defaultWatchTimeout bounds how long an async run is watched for its
// completion notification.
const defaultWatchTimeout = 30 * time.Minute

// DefinitionChecker validates a definition and reports every issue.
type DefinitionChecker interface {
	Validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Engine    engine.Engine
	Store     store.Store
	Validator DefinitionChecker
	Catalog   *identity.Catalog
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with the workflow tool handlers.
type FlowServer struct {
	engine       engine.Engine
	store        store.Store
	validator    DefinitionChecker
	catalog      *identity.Catalog
	hub          streaming.EventHub
	logger       *slog.Logger
	sessions     *SessionRegistry
	notifier     AgentNotifier
	watchTimeout time.Duration
	mcpServer    *server.MCPServer
}

// NewFlowServer creates a FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	catalog := deps.Catalog
	if catalog == nil {
		catalog = identity.NewCatalog(deps.Store)
	}

	s := &FlowServer{
		engine:       deps.Engine,
		store:        deps.Store,
		validator:    deps.Validator,
		catalog:      catalog,
		hub:          deps.Hub,
		logger:       logger,
		sessions:     NewSessionRegistry(),
		watchTimeout: defaultWatchTimeout,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"opflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Opflow runs sequential agent workflows. Use flow.define to store a workflow definition, flow.run to execute it, flow.status and flow.query to inspect runs and their events, flow.cancel to stop a run, flow.register_agent to declare which actions an agent may perform, and flow.diagram to draw a workflow or run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: registerAgentTool(), Handler: s.handleRegisterAgent},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Create or replace a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: id, name, trigger, trigger_config and ordered steps")),
		mcp.WithString("agent_id", mcp.Description("ID of the defining agent")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Execute a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithObject("input", mcp.Description("Run input, referenced by steps as {input.*}")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the run ID and notify the agent when the run finishes")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent starting the run")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get a run, or the status of a workflow definition"),
		mcp.WithString("run_id", mcp.Description("ID of the run to fetch")),
		mcp.WithString("workflow_id", mcp.Description("ID of the definition whose status to compute")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel an in-flight run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is being cancelled")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query definitions, runs, run events, or agents"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("definitions", "runs", "events", "agents"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (trigger, include_inactive, workflow_id, status, since, run_id, limit, offset)")),
	)
}

func registerAgentTool() mcp.Tool {
	return mcp.NewTool("flow.register_agent",
		mcp.WithDescription("Register or update an agent and the action types it may perform"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Agent ID")),
		mcp.WithString("name", mcp.Description("Display name (default: the ID)")),
		mcp.WithString("type", mcp.Enum("llm", "system", "human", "service"), mcp.Description("Agent type (default: llm)")),
		mcp.WithArray("capabilities", mcp.WithStringItems(), mcp.Description("Action types the agent accepts; empty accepts all")),
		mcp.WithObject("metadata", mcp.Description("Free-form agent metadata")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Draw a workflow, or one run of it with step outcomes, as Mermaid, ASCII, or a PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow definition to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw; overlays each step's outcome")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "ascii", "png"),
			mcp.Description("Output format"),
		),
	)
}
