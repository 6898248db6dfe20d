package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// mermaidClasses styles the overlay statuses, in the order classDefs are emitted.
var mermaidClasses = []struct{ status, style string }{
	{"completed", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"started", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"skipped", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

// RenderMermaid renders model as a top-down Mermaid flowchart. Status classes
// are declared only for statuses that occur in the overlay.
func RenderMermaid(model *Model) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString("    ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	b.WriteString("graph TD\n")
	if model.Title != "" {
		line("%%%% %s", model.Title)
	}

	byStatus := map[string][]string{}
	for _, n := range model.Nodes {
		line("%s", mermaidNode(n))
		if n.Status != nil {
			byStatus[n.Status.Status] = append(byStatus[n.Status.Status], mermaidID(n.ID))
		}
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += fmt.Sprintf("|%q|", e.Label)
		}
		line("%s %s %s", mermaidID(e.From), arrow, mermaidID(e.To))
	}

	for _, c := range mermaidClasses {
		ids := byStatus[c.status]
		if len(ids) == 0 {
			continue
		}
		line("classDef %s %s", c.status, c.style)
		line("class %s %s", strings.Join(ids, ","), c.status)
	}
	return b.String()
}

func mermaidNode(n *Node) string {
	text := n.Label
	if n.Detail != "" {
		text += "<br/>" + n.Detail
	}
	left, right := "[", "]"
	switch n.Kind {
	case NodeKindConditional:
		left, right = "{", "}"
	case NodeKindStart, NodeKindEnd:
		left, right = "((", "))"
	}
	return fmt.Sprintf("%s%s%q%s", mermaidID(n.ID), left, text, right)
}

func mermaidID(id string) string {
	return mermaidIDReplacer.Replace(id)
}
