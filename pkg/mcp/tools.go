package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// handleDefine validates and stores a workflow definition.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	var def schema.WorkflowDefinition
	if err := remarshal(defRaw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if agentID := req.GetString("agent_id", ""); agentID != "" {
		if err := s.ensureAgent(ctx, agentID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to register agent: %v", err)), nil
		}
		s.captureSession(ctx, agentID)
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.Validate(ctx, &def)
		if err := result.ToError(); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		warnings = result.Warnings
	}

	if err := s.store.SaveDefinition(ctx, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", err)), nil
	}

	out := map[string]any{
		"workflow_id": def.ID,
		"steps":       len(def.Steps),
	}
	if len(warnings) > 0 {
		out["warnings"] = warnings
	}
	return marshalResult(out)
}

// handleRun executes a workflow. Sync runs return the finished run; async
// runs return the run ID and notify the calling agent when the run ends.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	var input any
	if in := mcp.ParseStringMap(req, "input", nil); in != nil {
		input = in
	}
	agentID := req.GetString("agent_id", "")

	if agentID != "" {
		if err := s.ensureAgent(ctx, agentID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to register agent: %v", err)), nil
		}
		s.captureSession(ctx, agentID)
	}

	if !req.GetBool("async", false) {
		runID, err := s.engine.StartRun(ctx, workflowID, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", err)), nil
		}
		run, err := s.engine.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		return marshalResult(run)
	}

	// Subscribe before submitting; the run may finish before Submit returns.
	var (
		events <-chan streaming.RunEvent
		stop   func()
	)
	if agentID != "" && s.hub != nil {
		ch, cancel, err := s.watchWorkflow(ctx, workflowID)
		if err != nil {
			s.logger.Warn("run watch unavailable", "workflow_id", workflowID, "error", err)
		} else {
			events, stop = ch, cancel
		}
	}

	runID, err := s.engine.Submit(ctx, workflowID, input)
	if err != nil {
		if stop != nil {
			stop()
		}
		if runID == "" {
			return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("run %s not scheduled: %v", runID, err)), nil
	}
	if stop != nil {
		go s.notifyOnFinish(agentID, runID, events, stop)
	}

	return marshalResult(map[string]any{
		"run_id":      runID,
		"workflow_id": workflowID,
		"status":      schema.RunStatusRunning,
		"notify":      stop != nil,
	})
}

// handleStatus returns a run when run_id is given, otherwise the computed
// status of the workflow_id definition.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.engine.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		return marshalResult(run)
	}
	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		st, err := s.engine.DefinitionStatus(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		return marshalResult(st)
	}
	return mcp.NewToolResultError("one of run_id or workflow_id is required"), nil
}

func (s *FlowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled by agent")

	if err := s.engine.Cancel(ctx, runID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"reason": reason,
	})
}

// handleQuery lists definitions, runs, events, or agents based on filters.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "agents":
		return s.queryAgents(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *FlowServer) handleRegisterAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	agent := &store.Agent{
		ID:           id,
		Name:         req.GetString("name", id),
		Type:         req.GetString("type", identity.AgentTypeLLM),
		Capabilities: req.GetStringSlice("capabilities", nil),
	}
	if meta := mcp.ParseStringMap(req, "metadata", nil); meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid metadata: %v", err)), nil
		}
		agent.Metadata = raw
	}

	saved, err := s.catalog.Register(ctx, agent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("register failed: %v", err)), nil
	}
	s.captureSession(ctx, id)
	return marshalResult(saved)
}

// handleDiagram renders a workflow or run diagram.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	model, err := diagram.Load(ctx, s.store, req.GetString("workflow_id", ""), req.GetString("run_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram failed: %v", err)), nil
	}
	out, err := diagram.Render(ctx, model, diagram.Format(format))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram failed: %v", err)), nil
	}

	if diagram.Format(format) == diagram.FormatPNG {
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(out), "image/png"), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// --- Query helpers ---

func (s *FlowServer) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	df := store.DefinitionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if trigger, ok := filter["trigger"].(string); ok {
		df.Trigger = schema.TriggerType(trigger)
	}
	if inactive, ok := filter["include_inactive"].(bool); ok {
		df.IncludeInactive = inactive
	}

	defs, err := s.store.ListDefinitions(ctx, df)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *FlowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = schema.RunStatus(status)
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := store.NewEventLog(s.store).GetEvents(ctx, runID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *FlowServer) queryAgents(ctx context.Context) (*mcp.CallToolResult, error) {
	agents, err := s.catalog.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"agents": agents})
}

// --- Internal helpers ---

// ensureAgent registers an unknown calling agent as an llm agent with no
// capability restrictions, and refreshes last-seen for a known one.
func (s *FlowServer) ensureAgent(ctx context.Context, agentID string) error {
	_, err := identity.EnsureRegistered(ctx, s.store, &store.Agent{
		ID:   agentID,
		Name: agentID,
		Type: identity.AgentTypeLLM,
	})
	return err
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// remarshal converts a decoded JSON map into a typed value.
func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
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

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
