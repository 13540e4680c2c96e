package depgraph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matijazezelj/stackmend/pkg/models"
)

// GraphData holds a graph snapshot for export.
type GraphData struct {
	Nodes []string                `json:"nodes"`
	Edges []models.DependencyEdge `json:"edges"`
}

// ExportJSON returns the graph as a JSON string.
func ExportJSON(g *Graph) (string, error) {
	data := GraphData{Nodes: g.Nodes, Edges: g.Edges}
	if data.Nodes == nil {
		data.Nodes = []string{}
	}
	if data.Edges == nil {
		data.Edges = []models.DependencyEdge{}
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExportDOT returns the graph in Graphviz DOT format.
func ExportDOT(g *Graph) (string, error) {
	var b strings.Builder
	b.WriteString("digraph stackmend {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=filled, fillcolor=lightyellow];\n\n")

	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "  %q;\n", n)
	}
	b.WriteString("\n")

	for _, e := range g.Edges {
		style := "solid"
		if e.Kind == models.DepImplicit {
			style = "dashed"
		}
		fmt.Fprintf(&b, "  %q -> %q [style=%s, label=%q];\n", e.From, e.To, style, e.Kind)
	}

	b.WriteString("}\n")
	return b.String(), nil
}

// ExportMermaid returns the graph as a Mermaid flowchart.
func ExportMermaid(g *Graph) (string, error) {
	var b strings.Builder
	b.WriteString("graph LR\n")

	ids := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		id := fmt.Sprintf("n%d", i)
		ids[n] = id
		fmt.Fprintf(&b, "  %s[%q]\n", id, n)
	}

	for _, e := range g.Edges {
		from, ok := ids[e.From]
		if !ok {
			continue
		}
		to, ok := ids[e.To]
		if !ok {
			// Dangling edges render against a shared sentinel node.
			to = "missing"
			b.WriteString("  missing[\"(missing)\"]\n")
			ids[e.To] = to
		}
		arrow := "-->"
		if e.Kind == models.DepImplicit {
			arrow = "-.->"
		}
		fmt.Fprintf(&b, "  %s %s %s\n", from, arrow, to)
	}

	return b.String(), nil
}
