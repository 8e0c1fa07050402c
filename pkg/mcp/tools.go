package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/entityflow/internal/diagram"
	"github.com/rendis/entityflow/internal/engine"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

const defaultJobLimit = 50

// handleTransition runs one workflow transition.
func (s *Server) handleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, errRes := requireKey(req)
	if errRes != nil {
		return errRes, nil
	}
	actor, errRes := s.requireActor(ctx, req, key.TenantID)
	if errRes != nil {
		return errRes, nil
	}
	tr := engine.TransitionRequest{
		Key:          key,
		TransitionID: req.GetString("transition_id", ""),
		ToState:      req.GetString("to_state", ""),
		Actor:        actor,
		Comment:      req.GetString("comment", ""),
	}
	if tr.TransitionID == "" && tr.ToState == "" {
		return mcp.NewToolResultError("one of transition_id or to_state is required"), nil
	}

	res, err := s.engine.Transition(ctx, tr)
	if err != nil {
		return toolError("transition failed", err), nil
	}
	return marshalResult(res)
}

// handleAvailable lists transitions and their eligibility for the actor.
func (s *Server) handleAvailable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, errRes := requireKey(req)
	if errRes != nil {
		return errRes, nil
	}
	actor, errRes := s.requireActor(ctx, req, key.TenantID)
	if errRes != nil {
		return errRes, nil
	}
	avail, err := s.engine.AvailableTransitions(ctx, key, actor)
	if err != nil {
		return toolError("availability query failed", err), nil
	}
	return marshalResult(map[string]any{"transitions": avail})
}

// handleHistory returns the entity's committed state changes.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, errRes := requireKey(req)
	if errRes != nil {
		return errRes, nil
	}
	entries, err := s.engine.History(ctx, key)
	if err != nil {
		return toolError("history query failed", err), nil
	}
	return marshalResult(map[string]any{"history": entries})
}

// handleApprove records the actor's approval of a transition.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, errRes := requireKey(req)
	if errRes != nil {
		return errRes, nil
	}
	transitionID, err := req.RequireString("transition_id")
	if err != nil {
		return mcp.NewToolResultError("transition_id is required"), nil
	}
	actor, errRes := s.requireActor(ctx, req, key.TenantID)
	if errRes != nil {
		return errRes, nil
	}
	n, err := s.engine.Approve(ctx, engine.ApproveRequest{Key: key, TransitionID: transitionID, Actor: actor})
	if err != nil {
		return toolError("approval failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":            true,
		"transition_id": transitionID,
		"approvals":     n,
	})
}

// handleDiagram renders the workflow diagram as text.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var key store.EntityKey
	var err error
	if key.TenantID, err = req.RequireString("tenant_id"); err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	if key.EntityType, err = req.RequireString("entity_type"); err != nil {
		return mcp.NewToolResultError("entity_type is required"), nil
	}
	key.EntityID = req.GetString("entity_id", "")

	format := req.GetString("format", "mermaid")
	switch format {
	case "mermaid", "ascii", diagram.FormatSVG:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}

	model, err := s.engine.Diagram(ctx, key)
	if err != nil {
		return toolError("diagram failed", err), nil
	}
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case diagram.FormatSVG:
		svg, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			return toolError("diagram render failed", err), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// handleJobs lists dispatch jobs matching the filter.
func (s *Server) handleJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	filter := store.JobFilter{
		TenantID:   tenantID,
		RuleID:     req.GetString("rule_id", ""),
		EntityType: req.GetString("entity_type", ""),
		EntityID:   req.GetString("entity_id", ""),
		Limit:      extractInt(req.GetArguments(), "limit", defaultJobLimit),
	}
	statuses, err := parseStatuses(req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter.Statuses = statuses

	jobs, err := s.jobs.Jobs(ctx, filter)
	if err != nil {
		return toolError("job query failed", err), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

// handleRequeue moves a failed job back to pending.
func (s *Server) handleRequeue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	job, err := s.jobs.Requeue(ctx, tenantID, jobID)
	if err != nil {
		return toolError("requeue failed", err), nil
	}
	return marshalResult(job)
}

// --- Internal helpers ---

func requireKey(req mcp.CallToolRequest) (store.EntityKey, *mcp.CallToolResult) {
	var key store.EntityKey
	for _, arg := range []struct {
		name string
		dst  *string
	}{
		{"tenant_id", &key.TenantID},
		{"entity_type", &key.EntityType},
		{"entity_id", &key.EntityID},
	} {
		v, err := req.RequireString(arg.name)
		if err != nil || v == "" {
			return key, mcp.NewToolResultError(arg.name + " is required")
		}
		*arg.dst = v
	}
	return key, nil
}

// requireActor reads the actor arguments and maps the actor to the calling
// session so in-app notifications can reach it.
func (s *Server) requireActor(ctx context.Context, req mcp.CallToolRequest, tenantID string) (engine.Actor, *mcp.CallToolResult) {
	actorID, err := req.RequireString("actor_id")
	if err != nil || actorID == "" {
		return engine.Actor{}, mcp.NewToolResultError("actor_id is required")
	}
	s.captureSession(ctx, tenantID, actorID)
	return engine.Actor{ID: actorID, Role: req.GetString("actor_role", "")}, nil
}

// captureSession maps the user to its current MCP session.
func (s *Server) captureSession(ctx context.Context, tenantID, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(tenantID, userID, session.SessionID())
	}
}

func parseStatuses(raw string) ([]schema.DispatchStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []schema.DispatchStatus
	for _, part := range strings.Split(raw, ",") {
		st := schema.DispatchStatus(strings.TrimSpace(part))
		switch st {
		case schema.DispatchPending, schema.DispatchSending, schema.DispatchSent,
			schema.DispatchRetrying, schema.DispatchFailed, schema.DispatchCancelled:
			out = append(out, st)
		case "":
		default:
			return nil, fmt.Errorf("unknown status %q", st)
		}
	}
	return out, nil
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError reports an engine failure as a tool error carrying its code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if ee, ok := schema.AsEngineError(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %s", prefix, ee.Code, ee.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
