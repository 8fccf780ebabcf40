package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/lofi/internal/ir"
)

// CycleWarning represents a reference cycle between tables.
//
// Cycles are warnings, not errors, because they are often intentional:
//   - Trees (a category's parent is a category)
//   - Back references that are filled in after both rows exist
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["a", "b", "a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles finds reference cycles in a schema.
//
// The algorithm:
//  1. Build table -> referenced table graph from relations
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or self-loops as a cycle
//
// A cycle is a "warning" when every relation along it is required
// (non-nullable and non-optional): no row of the cycle can be inserted
// first. Otherwise it is "info". An acyclic schema returns an empty list.
func AnalyzeCycles(s *ir.Schema) []CycleWarning {
	if s == nil || len(s.Tables) == 0 {
		return []CycleWarning{}
	}

	graph := buildReferenceGraph(s)
	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return warnings
}

// edge is one relation from a table to the table it references.
type edge struct {
	to       string
	relation string
	required bool
}

// referenceGraph maps table -> outgoing references, sorted by target.
type referenceGraph map[string][]edge

func buildReferenceGraph(s *ir.Schema) referenceGraph {
	graph := make(referenceGraph)
	for _, name := range s.TableNames() {
		t := s.Tables[name]
		graph[name] = []edge{}
		for _, r := range t.Relations {
			if _, ok := s.Tables[r.Table]; !ok {
				continue
			}
			col := t.Columns[r.Field]
			graph[name] = append(graph[name], edge{
				to:       r.Table,
				relation: r.Name,
				required: !col.Nullable && !col.Optional,
			})
		}
		slices.SortStableFunc(graph[name], func(a, b edge) int { return strings.Compare(a.to, b.to) })
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph referenceGraph) bool {
	for _, e := range graph[node] {
		if e.to == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so results are deterministic.
func tarjanSCC(graph referenceGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range graph[v] {
			w := e.to
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

func cycleSCCToWarning(scc []string, graph referenceGraph) CycleWarning {
	path, edges := reconstructCyclePath(scc, graph)

	level := "warning"
	for _, e := range edges {
		if !e.required {
			level = "info"
			break
		}
	}

	if len(scc) == 1 {
		return CycleWarning{
			Path:    path,
			Message: fmt.Sprintf("Self-referencing table: %s -> %s via %s", path[0], path[0], edges[0].relation),
			Level:   level,
		}
	}
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Reference cycle detected: %s", strings.Join(path, " -> ")),
		Level:   level,
	}
}

// reconstructCyclePath follows edges inside the SCC from its first node
// until it returns there.
func reconstructCyclePath(scc []string, graph referenceGraph) ([]string, []edge) {
	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	var edges []edge
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next *edge
		for i, e := range graph[current] {
			if sccSet[e.to] && (!visited[e.to] || e.to == start) {
				next = &graph[current][i]
				break
			}
		}
		if next == nil {
			break
		}

		path = append(path, next.to)
		edges = append(edges, *next)
		if next.to == start {
			break
		}
		current = next.to
	}

	return path, edges
}
