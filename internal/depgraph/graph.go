// Package depgraph builds and inspects the resource dependency graph
// of a parsed template. The graph is always recomputed from scratch
// after fix application; a single edit can add or remove arbitrarily
// many edges, so incremental patching is not worth the risk.
package depgraph

import (
	"sort"
	"strings"

	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// DanglingTarget is the sentinel node that unresolvable references
// point at, so cycle detection always terminates. The missing target
// itself is reported by the dependency rules, not here.
const DanglingTarget = "<unresolved>"

// Graph is the directed depends-on graph of one template.
type Graph struct {
	// Nodes holds logical ids in declaration order, including
	// synthetic nodes for referenced conditions.
	Nodes []string
	Edges []models.DependencyEdge

	adjacency map[string][]string
	declared  map[string]bool
}

// Build walks every resource entry and collects explicit (DependsOn)
// and implicit (Ref/GetAtt/Sub/Condition) edges.
func Build(doc *template.Document) *Graph {
	g := &Graph{
		adjacency: make(map[string][]string),
		declared:  make(map[string]bool),
	}

	res := doc.Resources()
	for _, id := range res.Keys() {
		g.declared[id] = true
	}
	// Parameters and conditions are valid reference targets but not
	// graph participants; references to them resolve without edges.
	valid := make(map[string]bool, len(g.declared))
	for id := range g.declared {
		valid[id] = true
	}

	for _, id := range res.Keys() {
		g.Nodes = append(g.Nodes, id)
		entry := doc.Resource(id)
		if entry == nil {
			continue
		}

		for _, dep := range entry.DependsOn() {
			g.addEdge(g.edge(id, dep, models.DepExplicit, "DependsOn"))
		}

		if cond := entry.ConditionName(); cond != "" {
			conds := doc.Section(template.SectionConditions)
			if conds != nil && conds.Kind == template.KindMapping && conds.Map.Has(cond) {
				g.addConditionNode(cond)
				g.addEdge(models.DependencyEdge{
					From: id, To: conditionNode(cond), Kind: models.DepImplicit, Path: "Condition",
				})
			} else {
				g.addEdge(models.DependencyEdge{
					From: id, To: DanglingTarget, Kind: models.DepImplicit, Path: "Condition", Target: cond,
				})
			}
		}

		if props := entry.Properties(); props != nil {
			g.collectReferences(doc, id, props)
		}
	}

	return g
}

// collectReferences walks a property bag and adds one implicit edge
// per reference-style intrinsic found.
func (g *Graph) collectReferences(doc *template.Document, owner string, props *template.Mapping) {
	params := doc.Section(template.SectionParameters)

	template.Walk(template.MapValue(props), func(v *template.Value, path string) {
		if v.Kind != template.KindIntrinsic {
			return
		}
		var target string
		switch v.Fn {
		case template.FnRef:
			target = v.Arg.StringVal()
			if template.IsPseudoParameter(target) {
				return
			}
			// References to declared parameters are resolved values,
			// not resource dependencies.
			if params != nil && params.Map.Has(target) {
				return
			}
		case template.FnGetAtt:
			if v.Arg.Kind == template.KindSequence && len(v.Arg.Seq) > 0 {
				target = v.Arg.Seq[0].StringVal()
			}
		case template.FnSub:
			for _, ref := range subReferences(v.Arg) {
				if params != nil && params.Map.Has(ref) {
					continue
				}
				g.addEdge(g.edge(owner, ref, models.DepImplicit, "Properties."+path))
			}
			return
		default:
			return
		}
		if target == "" {
			return
		}
		g.addEdge(g.edge(owner, target, models.DepImplicit, "Properties."+path))
	})
}

// subReferences extracts ${Name} and ${Name.Attr} references from a
// Fn::Sub argument, skipping ${!literal} escapes and pseudo parameters.
func subReferences(arg *template.Value) []string {
	text := ""
	switch arg.Kind {
	case template.KindScalar:
		text = arg.Raw
	case template.KindSequence:
		if len(arg.Seq) > 0 {
			text = arg.Seq[0].StringVal()
		}
	}
	var out []string
	for {
		start := strings.Index(text, "${")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], "}")
		if end < 0 {
			break
		}
		ref := text[start+2 : start+end]
		text = text[start+end+1:]
		if strings.HasPrefix(ref, "!") || template.IsPseudoParameter(ref) {
			continue
		}
		if dot := strings.IndexByte(ref, '.'); dot >= 0 {
			ref = ref[:dot]
		}
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// edge builds an edge to target, routing undeclared names to the
// dangling sentinel while preserving the name itself.
func (g *Graph) edge(from, target string, kind models.DependencyKind, path string) models.DependencyEdge {
	if g.declared[target] {
		return models.DependencyEdge{From: from, To: target, Kind: kind, Path: path}
	}
	return models.DependencyEdge{From: from, To: DanglingTarget, Kind: kind, Path: path, Target: target}
}

// DanglingReferences returns edges whose target could not be resolved,
// keyed by the original owning resource and path.
func (g *Graph) DanglingReferences() []models.DependencyEdge {
	var out []models.DependencyEdge
	for _, e := range g.Edges {
		if e.To == DanglingTarget {
			out = append(out, e)
		}
	}
	return out
}

func conditionNode(name string) string {
	return "Condition:" + name
}

func (g *Graph) addConditionNode(name string) {
	id := conditionNode(name)
	if !g.declared[id] {
		g.declared[id] = true
		g.Nodes = append(g.Nodes, id)
	}
}

func (g *Graph) addEdge(e models.DependencyEdge) {
	// One edge per (from, to, kind); repeated references from the
	// same property bag collapse. Dangling edges share the sentinel
	// target, so they also compare the referenced name.
	for _, ex := range g.adjacencyEdges(e.From) {
		if ex.To == e.To && ex.Kind == e.Kind && ex.Target == e.Target {
			return
		}
	}
	g.Edges = append(g.Edges, e)
	if e.To != DanglingTarget {
		g.adjacency[e.From] = append(g.adjacency[e.From], e.To)
	}
}

func (g *Graph) adjacencyEdges(from string) []models.DependencyEdge {
	var out []models.DependencyEdge
	for _, e := range g.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// DependenciesOf returns the direct targets of a node.
func (g *Graph) DependenciesOf(id string) []string {
	return g.adjacency[id]
}

// Cycles returns every distinct reference cycle, deduplicated by the
// cycle's sorted node set rather than by traversal order.
func (g *Graph) Cycles() [][]string {
	var cycles [][]string
	seen := make(map[string]bool)

	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	var stack []string

	var dfs func(node string)
	dfs = func(node string) {
		state[node] = 1
		stack = append(stack, node)

		for _, next := range g.adjacency[node] {
			switch state[next] {
			case 0:
				dfs(next)
			case 1:
				// Back edge: the cycle is the stack suffix from next.
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				key := cycleKey(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = 2
	}

	for _, n := range g.Nodes {
		if state[n] == 0 {
			dfs(n)
		}
	}
	return cycles
}

func cycleKey(cycle []string) string {
	sorted := append([]string(nil), cycle...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
