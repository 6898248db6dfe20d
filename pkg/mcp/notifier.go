package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// notificationMethod is the MCP method used for run notifications.
const notificationMethod = "notifications/message"

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier over the agent's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the agent's session. An agent with no live session
// is skipped without error.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

var terminalEvents = []string{
	schema.EventRunCompleted,
	schema.EventRunFailed,
	schema.EventRunCancelled,
}

// watchWorkflow subscribes to the terminal events of workflowID. It must be
// called before the run is submitted so a fast run cannot finish unobserved.
func (s *FlowServer) watchWorkflow(ctx context.Context, workflowID string) (<-chan streaming.RunEvent, func(), error) {
	return s.hub.Subscribe(ctx, streaming.EventFilter{
		WorkflowID: workflowID,
		EventTypes: terminalEvents,
	})
}

// notifyOnFinish waits for runID's terminal event on ch and notifies agentID.
// It owns cancel and always releases the subscription.
func (s *FlowServer) notifyOnFinish(agentID, runID string, ch <-chan streaming.RunEvent, cancel func()) {
	defer cancel()

	timer := time.NewTimer(s.watchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.logger.Warn("run notification watch expired", "run_id", runID, "agent_id", agentID)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.RunID != runID {
				continue
			}
			ctx := context.Background()
			payload := map[string]any{
				"type":        "run_finished",
				"run_id":      runID,
				"workflow_id": ev.WorkflowID,
				"event":       ev.Type,
			}
			if run, err := s.engine.GetRun(ctx, runID); err == nil {
				payload["status"] = run.Status
				if run.Error != nil {
					payload["error"] = run.Error
				}
			}
			if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
				s.logger.Warn("run notification failed", "run_id", runID, "agent_id", agentID, "error", err)
			}
			return
		}
	}
}
