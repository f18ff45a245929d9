// Package taskgraph builds the dependency DAG over decomposed subtasks and
// plans its staged execution.
package taskgraph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dirigent-run/dirigent/internal/taskengine"
	"github.com/dirigent-run/dirigent/internal/taskerr"
)

// Graph is the dependency DAG over one task's subtasks. Edges point from a
// prerequisite to its dependents.
type Graph struct {
	order    []string // emission order of the decomposer
	subtasks map[string]taskengine.Subtask
	edges    map[string][]string
	prereqs  map[string][]string
}

// requiresRe finds explicit cross-references in subtask descriptions.
var requiresRe = regexp.MustCompile(`(?i)\brequires\s+([A-Za-z0-9_\-]+)`)

// Build constructs the DAG. Edges come from the decomposer's chains plus
// "requires <id>" cross-references in descriptions. A cycle or an empty
// decomposition fails with a decomposition error.
func Build(subtasks []taskengine.Subtask) (*Graph, error) {
	if len(subtasks) == 0 {
		return nil, taskerr.New(taskerr.CodeDecomposition, "empty decomposition")
	}

	g := &Graph{
		order:    make([]string, 0, len(subtasks)),
		subtasks: make(map[string]taskengine.Subtask, len(subtasks)),
		edges:    make(map[string][]string),
		prereqs:  make(map[string][]string),
	}
	for _, sub := range subtasks {
		if _, dup := g.subtasks[sub.ID]; dup {
			return nil, taskerr.New(taskerr.CodeDecomposition, "duplicate subtask id %s", sub.ID)
		}
		g.subtasks[sub.ID] = sub
		g.order = append(g.order, sub.ID)
	}

	for _, sub := range subtasks {
		for _, dep := range sub.DependsOn {
			if err := g.addEdge(dep, sub.ID); err != nil {
				return nil, err
			}
		}
		for _, ref := range crossReferences(sub, g.subtasks) {
			if err := g.addEdge(ref, sub.ID); err != nil {
				return nil, err
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, taskerr.New(taskerr.CodeDecomposition,
			"cyclic dependency: %s", strings.Join(cycle, " -> "))
	}
	return g, nil
}

func (g *Graph) addEdge(from, to string) error {
	if _, ok := g.subtasks[from]; !ok {
		return taskerr.New(taskerr.CodeDecomposition, "subtask %s depends on unknown %s", to, from)
	}
	if from == to {
		return taskerr.New(taskerr.CodeDecomposition, "subtask %s depends on itself", to)
	}
	for _, existing := range g.edges[from] {
		if existing == to {
			return nil
		}
	}
	g.edges[from] = append(g.edges[from], to)
	g.prereqs[to] = append(g.prereqs[to], from)
	return nil
}

// crossReferences resolves "requires X" mentions against subtask ids. The
// short tail of an id ("sub-2") resolves within the same task.
func crossReferences(sub taskengine.Subtask, all map[string]taskengine.Subtask) []string {
	matches := requiresRe.FindAllStringSubmatch(sub.Description, -1)
	if len(matches) == 0 {
		return nil
	}
	var refs []string
	for _, m := range matches {
		token := m[1]
		if _, ok := all[token]; ok && token != sub.ID {
			refs = append(refs, token)
			continue
		}
		// Allow the unscoped suffix form.
		full := fmt.Sprintf("%s-%s", sub.TaskID, token)
		if _, ok := all[full]; ok && full != sub.ID {
			refs = append(refs, full)
		}
	}
	return refs
}

// findCycle returns one cycle as an id path, or nil for a DAG.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var stack []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range g.edges[node] {
			switch color[next] {
			case white:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			case gray:
				// Slice the stack from the first occurrence of next.
				for i, id := range stack {
					if id == next {
						return append(append([]string{}, stack[i:]...), next)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopoOrder returns the subtask ids in a topological order that respects the
// decomposer's emission order among ready nodes.
func (g *Graph) TopoOrder() []string {
	indeg := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indeg[id] = len(g.prereqs[id])
	}

	var queue []string
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		out = append(out, node)
		for _, next := range g.edges[node] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return out
}

// Layers groups subtasks by dependency depth: layer 0 has no prerequisites,
// layer k+1 depends only on layers <= k. Emission order is preserved within
// a layer.
func (g *Graph) Layers() [][]string {
	depth := make(map[string]int, len(g.order))
	for _, id := range g.TopoOrder() {
		d := 0
		for _, p := range g.prereqs[id] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[id] = d
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]string, maxDepth+1)
	for _, id := range g.order {
		layers[depth[id]] = append(layers[depth[id]], id)
	}
	return layers
}

// Prerequisites returns the direct prerequisites of a subtask.
func (g *Graph) Prerequisites(id string) []string {
	out := make([]string, len(g.prereqs[id]))
	copy(out, g.prereqs[id])
	return out
}

// Dependents returns the direct dependents of a subtask.
func (g *Graph) Dependents(id string) []string {
	out := make([]string, len(g.edges[id]))
	copy(out, g.edges[id])
	return out
}

// TransitiveDependents returns every subtask downstream of id.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(string)
	walk = func(node string) {
		for _, next := range g.edges[node] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				walk(next)
			}
		}
	}
	walk(id)
	return out
}

// Subtask returns the subtask carried under id.
func (g *Graph) Subtask(id string) (taskengine.Subtask, bool) {
	sub, ok := g.subtasks[id]
	return sub, ok
}

// Order returns the decomposer's emission order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of subtasks.
func (g *Graph) Len() int { return len(g.order) }
