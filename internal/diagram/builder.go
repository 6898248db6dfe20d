package diagram

import (
	"context"
	"fmt"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// maxEdgeLabel bounds the condition text shown on an edge.
const maxEdgeLabel = 40

// Build constructs a Model from a definition and, optionally, the step traces
// of one of its runs (see store.EventLog.ReplaySteps). runStatus, when set,
// colours the end node.
func Build(def *schema.WorkflowDefinition, traces []*store.StepTrace, runStatus schema.RunStatus) (*Model, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: definition is nil")
	}

	byStep := make(map[string]*store.StepTrace, len(traces))
	for _, tr := range traces {
		byStep[tr.StepID] = tr
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	edges := make([]Edge, 0, len(def.Steps)+1)
	prev := startID
	for i := range def.Steps {
		step := &def.Steps[i]
		node := stepNode(step)
		if tr, ok := byStep[step.ID]; ok {
			node.Status = &StatusOverlay{
				Status:     tr.Status,
				DurationMs: tr.DurationMs,
				Error:      tr.Error,
			}
		}
		nodes = append(nodes, node)
		edges = append(edges, Edge{From: prev, To: step.ID, Label: gateLabel(step.Condition)})
		prev = step.ID
	}

	end := &Node{ID: endID, Label: "End", Kind: NodeKindEnd}
	if runStatus.IsTerminal() {
		end.Status = &StatusOverlay{Status: string(runStatus)}
	}
	nodes = append(nodes, end)
	edges = append(edges, Edge{From: prev, To: endID})

	return &Model{Title: title(def), Nodes: nodes, Edges: edges}, nil
}

func stepNode(step *schema.StepDefinition) *Node {
	kind := NodeKindStep
	if step.Condition != nil && step.Condition.Type != "" && step.Condition.Type != schema.ConditionAlways {
		kind = NodeKindConditional
	}
	label := step.ID
	if step.Name != "" {
		label = step.Name
	}
	return &Node{
		ID:     step.ID,
		Label:  label,
		Detail: fmt.Sprintf("%s @ %s", step.ActionType, step.AgentID),
		Kind:   kind,
	}
}

func gateLabel(c *schema.Condition) string {
	if c == nil || c.Type == "" || c.Type == schema.ConditionAlways {
		return ""
	}
	expr := c.Expression
	if len(expr) > maxEdgeLabel {
		expr = expr[:maxEdgeLabel-3] + "..."
	}
	return "if " + expr
}

func title(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}

// Render builds the model output in the requested format.
func Render(ctx context.Context, model *Model, format Format) ([]byte, error) {
	switch format {
	case FormatMermaid:
		return []byte(RenderMermaid(model)), nil
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatPNG:
		return RenderImage(ctx, model)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown diagram format %q: must be mermaid, ascii or png", format)
	}
}

// Load builds the model of workflowID. When runID is set the run's definition
// is used instead, overlaid with the step traces replayed from its events.
func Load(ctx context.Context, s store.Store, workflowID, runID string) (*Model, error) {
	var (
		traces []*store.StepTrace
		status schema.RunStatus
	)
	if runID != "" {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if workflowID != "" && workflowID != run.WorkflowID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"run %q belongs to workflow %q, not %q", runID, run.WorkflowID, workflowID)
		}
		workflowID, status = run.WorkflowID, run.Status
		if traces, err = store.NewEventLog(s).ReplaySteps(ctx, runID); err != nil {
			return nil, err
		}
	}
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "one of workflow_id or run_id is required")
	}

	def, err := s.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return Build(def, traces, status)
}
