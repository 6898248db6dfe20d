package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "started":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	default:
		return ""
	}
}

// RenderASCII renders a Model as a vertical chain of boxes.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	labels := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		labels[e.To] = e.Label
	}

	for i, node := range model.Nodes {
		if i > 0 {
			b.WriteString("       │")
			if l := labels[node.ID]; l != "" {
				b.WriteString(" " + l)
			}
			b.WriteString("\n       ▼\n")
		}
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// makeBox returns the lines of a box for node.
func makeBox(node *Node) []string {
	content := []string{node.Label}
	if node.Detail != "" {
		content = append(content, node.Detail)
	}
	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if tag == "" {
			tag = "[" + strings.ToUpper(node.Status.Status) + "]"
		}
		if node.Status.DurationMs > 0 {
			tag += fmt.Sprintf(" %dms", node.Status.DurationMs)
		}
		content = append(content, tag)
		if node.Status.Error != "" {
			content = append(content, node.Status.Error)
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", maxLen+2)+"┐")
	for _, line := range content {
		pad := maxLen - len([]rune(line))
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", maxLen+2)+"┘")
	return lines
}
