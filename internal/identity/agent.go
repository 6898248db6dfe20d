package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Agent type constants.
const (
	AgentTypeLLM     = "llm"
	AgentTypeSystem  = "system"
	AgentTypeHuman   = "human"
	AgentTypeService = "service"
)

var validAgentTypes = map[string]bool{
	AgentTypeLLM:     true,
	AgentTypeSystem:  true,
	AgentTypeHuman:   true,
	AgentTypeService: true,
}

// ValidateAgentType checks that typ is one of the valid agent types.
func ValidateAgentType(typ string) error {
	if !validAgentTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent type %q: must be one of llm, system, human, service", typ)
	}
	return nil
}

// ValidateAgent checks required fields and the capability list of an Agent.
func ValidateAgent(agent *store.Agent) error {
	if agent.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if agent.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	seen := make(map[string]bool, len(agent.Capabilities))
	for i, c := range agent.Capabilities {
		if strings.TrimSpace(c) == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent %q capability %d is empty", agent.ID, i)
		}
		if seen[c] {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent %q lists capability %q twice", agent.ID, c)
		}
		seen[c] = true
	}
	return ValidateAgentType(agent.Type)
}

// Catalog is the registry of agents that steps may target.
type Catalog struct {
	store store.Store
}

// NewCatalog creates a Catalog backed by s.
func NewCatalog(s store.Store) *Catalog {
	return &Catalog{store: s}
}

// Register validates and upserts an agent.
func (c *Catalog) Register(ctx context.Context, agent *store.Agent) (*store.Agent, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if err := c.store.RegisterAgent(ctx, agent); err != nil {
		return nil, err
	}
	return c.store.GetAgent(ctx, agent.ID)
}

// Get returns the agent with id.
func (c *Catalog) Get(ctx context.Context, id string) (*store.Agent, error) {
	return c.store.GetAgent(ctx, id)
}

// List returns every registered agent.
func (c *Catalog) List(ctx context.Context) ([]*store.Agent, error) {
	return c.store.ListAgents(ctx)
}

// Authorize checks that agentID exists and declares actionType.
// Unknown agents yield NOT_FOUND; undeclared actions yield ACTION_UNAVAILABLE.
func (c *Catalog) Authorize(ctx context.Context, agentID, actionType string) (*store.Agent, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Allows(actionType) {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"agent %q does not declare capability %q", agentID, actionType).
			WithDetails(map[string]any{
				"agent_id":     agentID,
				"action_type":  actionType,
				"capabilities": agent.Capabilities,
			})
	}
	return agent, nil
}

// Touch records that the agent was just used.
func (c *Catalog) Touch(ctx context.Context, agentID string) error {
	return c.store.UpdateAgentSeen(ctx, agentID)
}

// EnsureRegistered retrieves an existing agent or registers a new one.
// If the agent exists, it updates last_seen_at and returns the stored record.
func EnsureRegistered(ctx context.Context, s store.Store, agent *store.Agent) (*store.Agent, error) {
	existing, err := s.GetAgent(ctx, agent.ID)
	if err == nil {
		_ = s.UpdateAgentSeen(ctx, agent.ID)
		return existing, nil
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) || fe.Code != schema.ErrCodeNotFound {
		return nil, fmt.Errorf("lookup agent %q: %w", agent.ID, err)
	}

	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if err := s.RegisterAgent(ctx, agent); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, agent.ID)
}
