package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

type fill struct {
	color, font string
}

// statusFills colors nodes by trace or run status. Unknown statuses stay unfilled.
var statusFills = map[string]fill{
	"completed": {"#2d6a2d", "white"},
	"failed":    {"#8b1a1a", "white"},
	"started":   {"#1a5276", "white"},
	"running":   {"#1a5276", "white"},
	"skipped":   {"#e8e8e8", "#888888"},
}

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindStep:        cgraph.BoxShape,
	NodeKindConditional: cgraph.DiamondShape,
	NodeKindStart:       cgraph.CircleShape,
	NodeKindEnd:         cgraph.DoubleCircleShape,
}

// RenderImage lays the model out top to bottom with dot and encodes it as PNG.
func RenderImage(ctx context.Context, model *Model) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: init graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := graph.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		styleNode(gn, n)
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
			ge.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render png: %w", err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	label := n.Label
	if n.Detail != "" {
		label += "\n" + n.Detail
	}
	gn.SetLabel(label)

	shape, ok := kindShapes[n.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gn.SetShape(shape)
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.4)
		gn.SetHeight(0.4)
	}

	if n.Status == nil {
		return
	}
	f, ok := statusFills[n.Status.Status]
	if !ok {
		return
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	gn.SetFillColor(f.color)
	gn.SetFontColor(f.font)
}
