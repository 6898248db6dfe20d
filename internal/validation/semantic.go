package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// ActionLookup checks whether an action type has a registered handler.
type ActionLookup interface {
	Has(actionType string) bool
}

// AgentLookup resolves agents from the catalog.
type AgentLookup interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
}

type agentLookup struct {
	agent *store.Agent
	err   error
}

var referenceableKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateSemantic performs checks JSON Schema cannot express. Either lookup
// may be nil, in which case the corresponding existence checks are skipped.
func validateSemantic(ctx context.Context, def *schema.WorkflowDefinition, actions ActionLookup, agents AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTrigger(def, result)

	stepIDs := make(map[string]int, len(def.Steps))
	outputKeys := make(map[string]int, len(def.Steps))
	agentCache := make(map[string]agentLookup)

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if first, dup := stepIDs[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first used by steps[%d])", step.ID, first))
		} else {
			stepIDs[step.ID] = i
		}

		key := step.OutputKey()
		if first, dup := outputKeys[key]; dup {
			result.AddError(path+".output_mapping", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate output key %q (first produced by steps[%d])", key, first))
		}
		if !referenceableKey.MatchString(key) {
			result.AddWarning(path+".output_mapping", schema.ErrCodeValidation,
				fmt.Sprintf("output key %q cannot be referenced by a placeholder", key))
		}

		validateStepTarget(ctx, step, path, actions, agents, agentCache, result)
		validateStepCondition(step, path, result)
		validateStepTimeout(step, path, result)

		// References are checked against the keys produced before this step.
		validateReferences(step.Input, path+".input", outputKeys, result)
		if step.Condition != nil {
			validateReferences(step.Condition.Expression, path+".condition.expression", outputKeys, result)
		}

		if _, dup := outputKeys[key]; !dup {
			outputKeys[key] = i
		}
	}

	return result
}

func validateTrigger(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	switch def.Trigger {
	case schema.TriggerScheduled:
		raw, present := def.TriggerConfig[scheduler.CronKey]
		expr, ok := raw.(string)
		if !present || !ok || strings.TrimSpace(expr) == "" {
			result.AddError("trigger_config.cron", schema.ErrCodeValidation,
				"scheduled trigger requires a trigger_config.cron expression")
			return
		}
		if _, err := scheduler.Parse(expr); err != nil {
			result.AddError("trigger_config.cron", schema.ErrCodeValidation, err.Error())
		}
	case schema.TriggerEvent:
		if _, ok := scheduler.EventName(def); !ok {
			result.AddError("trigger_config.event", schema.ErrCodeValidation,
				"event trigger requires a non-empty trigger_config.event")
		}
	}
}

func validateStepTarget(ctx context.Context, step *schema.StepDefinition, path string, actions ActionLookup, agents AgentLookup, cache map[string]agentLookup, result *schema.ValidationResult) {
	if actions != nil && step.ActionType != "" && !actions.Has(step.ActionType) {
		result.AddError(path+".action_type", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("action type %q is not registered", step.ActionType))
	}

	if agents == nil || step.AgentID == "" {
		return
	}
	lookup, seen := cache[step.AgentID]
	if !seen {
		lookup.agent, lookup.err = agents.Get(ctx, step.AgentID)
		cache[step.AgentID] = lookup
	}
	agent := lookup.agent
	if err := lookup.err; err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			result.AddError(path+".agent_id", schema.ErrCodeNotFound,
				fmt.Sprintf("agent %q is not registered", step.AgentID))
		} else {
			result.AddError(path+".agent_id", schema.ErrCodeStore,
				fmt.Sprintf("lookup agent %q: %v", step.AgentID, err))
		}
		return
	}
	if agent != nil && step.ActionType != "" && !agent.Allows(step.ActionType) {
		result.AddError(path+".action_type", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("agent %q does not declare capability %q", step.AgentID, step.ActionType))
	}
}

func validateStepCondition(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	cond := step.Condition
	if cond == nil {
		return
	}
	switch cond.Type {
	case schema.ConditionAlways:
		if cond.Expression != "" {
			result.AddWarning(path+".condition.expression", schema.ErrCodeCondition,
				"expression is ignored for condition type \"always\"")
		}
	case schema.ConditionIf, schema.ConditionIfElse:
		if err := expressions.ParseCondition(cond.Expression); err != nil {
			result.AddError(path+".condition.expression", schema.ErrCodeCondition, err.Error())
		}
		if cond.Type == schema.ConditionIfElse {
			result.AddWarning(path+".condition.type", schema.ErrCodeCondition,
				"if-else only gates the step; no else branch is executed")
		}
	}
}

func validateStepTimeout(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if step.Timeout == "" {
		return
	}
	d, err := time.ParseDuration(step.Timeout)
	if err != nil {
		result.AddError(path+".timeout", schema.ErrCodeValidation,
			fmt.Sprintf("invalid timeout %q: %v", step.Timeout, err))
		return
	}
	if d <= 0 {
		result.AddError(path+".timeout", schema.ErrCodeValidation,
			fmt.Sprintf("timeout %q must be positive", step.Timeout))
	}
}

// validateReferences warns about placeholders that cannot resolve: unknown
// namespaces and step references no earlier step produces. They never block a
// definition; resolution fails them inside the run.
func validateReferences(raw any, path string, earlier map[string]int, result *schema.ValidationResult) {
	for _, ref := range expressions.References(raw) {
		segments := strings.Split(ref, ".")
		switch segments[0] {
		case expressions.NamespaceInput:
		case expressions.NamespaceSteps:
			if len(segments) < 2 {
				result.AddWarning(path, schema.ErrCodeResolution,
					fmt.Sprintf("reference {%s} names no step output", ref))
				continue
			}
			if _, ok := earlier[segments[1]]; !ok {
				result.AddWarning(path, schema.ErrCodeResolution,
					fmt.Sprintf("reference {%s} does not match the output of an earlier step", ref))
			}
		default:
			result.AddWarning(path, schema.ErrCodeResolution,
				fmt.Sprintf("reference {%s} uses unknown namespace %q (available: %s, %s)",
					ref, segments[0], expressions.NamespaceInput, expressions.NamespaceSteps))
		}
	}
}
