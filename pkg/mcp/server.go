package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/entityflow/internal/diagram"
	"github.com/rendis/entityflow/internal/engine"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// FlowEngine is the part of the engine exposed to operators.
// Satisfied by *engine.Engine.
type FlowEngine interface {
	Transition(ctx context.Context, req engine.TransitionRequest) (*engine.TransitionResult, error)
	AvailableTransitions(ctx context.Context, key store.EntityKey, actor engine.Actor) ([]engine.Availability, error)
	History(ctx context.Context, key store.EntityKey) ([]schema.HistoryEntry, error)
	Approve(ctx context.Context, req engine.ApproveRequest) (int, error)
	Diagram(ctx context.Context, key store.EntityKey) (*diagram.DiagramModel, error)
}

// JobAdmin inspects and requeues dispatch jobs. Satisfied by *notify.Dispatcher.
type JobAdmin interface {
	Jobs(ctx context.Context, filter store.JobFilter) ([]schema.DispatchJob, error)
	Requeue(ctx context.Context, tenantID, jobID string) (*schema.DispatchJob, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine   FlowEngine
	Jobs     JobAdmin
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// Server wraps an MCP server with the entityflow operator tools.
type Server struct {
	engine    FlowEngine
	jobs      JobAdmin
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every flow.* tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		engine:   deps.Engine,
		jobs:     deps.Jobs,
		sessions: sessions,
		logger:   logger.With("component", "mcp"),
	}

	mcpSrv := server.NewMCPServer(
		"entityflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Entityflow runs tenant workflows over business entities. Use flow.available to see which transitions an actor may take, flow.transition to move an entity, flow.approve to sign off a gated transition, flow.history for the audit trail, and flow.jobs / flow.requeue to inspect and retry notification deliveries. flow.diagram draws the state machine."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user-to-session registry fed by tool calls.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: transitionTool(), Handler: s.handleTransition},
		{Tool: availableTool(), Handler: s.handleAvailable},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: jobsTool(), Handler: s.handleJobs},
		{Tool: requeueTool(), Handler: s.handleRequeue},
	}
}

// --- Tool definitions ---

func entityArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the entity")),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type, e.g. deal")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity ID")),
	}
}

func actorArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("User performing the action")),
		mcp.WithString("actor_role", mcp.Description("Role of the actor (default: first directory role)")),
	}
}

func transitionTool() mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription("Move an entity through its workflow")}
	opts = append(opts, entityArgs()...)
	opts = append(opts, actorArgs()...)
	opts = append(opts,
		mcp.WithString("transition_id", mcp.Description("Transition to take")),
		mcp.WithString("to_state", mcp.Description("Target state, when no transition_id is given")),
		mcp.WithString("comment", mcp.Description("Comment recorded in history")),
	)
	return mcp.NewTool("flow.transition", opts...)
}

func availableTool() mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription("List transitions leaving the entity's state with their eligibility")}
	opts = append(opts, entityArgs()...)
	opts = append(opts, actorArgs()...)
	return mcp.NewTool("flow.available", opts...)
}

func historyTool() mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription("Get the state history of an entity")}
	opts = append(opts, entityArgs()...)
	return mcp.NewTool("flow.history", opts...)
}

func approveTool() mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription("Approve a transition gated by an approval condition")}
	opts = append(opts, entityArgs()...)
	opts = append(opts, actorArgs()...)
	opts = append(opts, mcp.WithString("transition_id", mcp.Required(), mcp.Description("Transition to approve")))
	return mcp.NewTool("flow.approve", opts...)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Render the workflow state diagram of an entity type, optionally overlaid with one entity's progress"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the workflow")),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type, e.g. deal")),
		mcp.WithString("entity_id", mcp.Description("Entity whose current state and history are overlaid")),
		mcp.WithString("format", mcp.Description("Output format: mermaid (default), ascii or svg")),
	)
}

func jobsTool() mcp.Tool {
	return mcp.NewTool("flow.jobs",
		mcp.WithDescription("List notification dispatch jobs"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant to query")),
		mcp.WithString("rule_id", mcp.Description("Only jobs created by this rule")),
		mcp.WithString("entity_type", mcp.Description("Only jobs for this entity type")),
		mcp.WithString("entity_id", mcp.Description("Only jobs for this entity")),
		mcp.WithString("status", mcp.Description("Comma-separated statuses: pending, sending, sent, retrying, failed, cancelled")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 50)")),
	)
}

func requeueTool() mcp.Tool {
	return mcp.NewTool("flow.requeue",
		mcp.WithDescription("Requeue a permanently failed dispatch job"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the job")),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Failed job to retry")),
	)
}
