// Package diagram renders a workflow definition, optionally overlaid with the
// step outcomes of one run, as Mermaid, ASCII or a PNG image.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep        NodeKind = "step"
	NodeKindConditional NodeKind = "conditional"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Format names an output format accepted by Render.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
	FormatPNG     Format = "png"
)

// Model is the intermediate representation used by all renderers.
// Nodes are in execution order, start first and end last.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step, or the virtual start and end of the workflow.
type Node struct {
	ID     string
	Label  string
	Detail string // action type and agent
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime outcome of a step.
type StatusOverlay struct {
	Status     string // started, completed, failed, skipped
	DurationMs int64
	Error      string
}

// Edge connects two consecutive nodes. Label holds the gate of a conditional target.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)
