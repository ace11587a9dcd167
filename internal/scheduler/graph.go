package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCycleDetected is returned when a submission would make the
	// dependency graph cyclic.
	ErrCycleDetected = errors.New("dependency cycle detected")
	// ErrUnknownDependency is returned for dependencies on tasks the
	// scheduler has never seen.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Graph tracks task dependencies. It is not safe for concurrent use; the
// Scheduler guards it with its own lock.
type Graph struct {
	deps       map[string][]string
	dependents map[string][]string
	completed  map[string]bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
	}
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.deps[id]
	return ok
}

// AddBatch adds nodes (id → dependencies) atomically. Dependencies must
// be existing nodes or members of the batch, and the batch must not close
// a cycle; otherwise the graph is left unchanged.
func (g *Graph) AddBatch(nodes map[string][]string) error {
	for id, deps := range nodes {
		if g.Has(id) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
		for _, d := range deps {
			if _, inBatch := nodes[d]; !inBatch && !g.Has(d) {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, id, d)
			}
		}
	}
	if cycle := findCycle(nodes); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
	}
	for id, deps := range nodes {
		uniq := dedupe(deps)
		g.deps[id] = uniq
		for _, d := range uniq {
			g.dependents[d] = append(g.dependents[d], id)
		}
	}
	return nil
}

// Add adds a single node.
func (g *Graph) Add(id string, deps []string) error {
	return g.AddBatch(map[string][]string{id: deps})
}

// Ready reports whether every dependency of id has completed.
func (g *Graph) Ready(id string) bool {
	for _, d := range g.deps[id] {
		if !g.completed[d] {
			return false
		}
	}
	return true
}

// Pending returns the dependencies of id that have not completed.
func (g *Graph) Pending(id string) []string {
	var out []string
	for _, d := range g.deps[id] {
		if !g.completed[d] {
			out = append(out, d)
		}
	}
	return out
}

// MarkCompleted records id as completed and returns the dependents that
// became ready as a result, sorted.
func (g *Graph) MarkCompleted(id string) []string {
	if g.completed[id] {
		return nil
	}
	g.completed[id] = true
	var ready []string
	for _, dep := range g.dependents[id] {
		if !g.completed[dep] && g.Ready(dep) {
			ready = append(ready, dep)
		}
	}
	sort.Strings(ready)
	return ready
}

// Remove drops id from the graph. Used to roll back a rejected submission.
func (g *Graph) Remove(id string) {
	for _, d := range g.deps[id] {
		list := g.dependents[d]
		for i, x := range list {
			if x == id {
				g.dependents[d] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	delete(g.deps, id)
	delete(g.completed, id)
}

// TopologicalOrder returns ids ordered so every node follows its
// in-batch dependencies. Ties are broken by id.
func TopologicalOrder(nodes map[string][]string) ([]string, error) {
	indeg := make(map[string]int, len(nodes))
	out := make(map[string][]string)
	for id, deps := range nodes {
		if _, ok := indeg[id]; !ok {
			indeg[id] = 0
		}
		for _, d := range dedupe(deps) {
			if _, inBatch := nodes[d]; inBatch {
				indeg[id]++
				out[d] = append(out[d], id)
			}
		}
	}
	var queue []string
	for id, n := range indeg {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		next := out[id]
		sort.Strings(next)
		for _, n := range next {
			indeg[n]--
			if indeg[n] == 0 {
				queue = append(queue, n)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, ErrCycleDetected
	}
	return order, nil
}

// findCycle returns one cycle among nodes' in-batch edges, or nil.
func findCycle(nodes map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, d := range nodes[id] {
			if _, inBatch := nodes[d]; !inBatch {
				continue
			}
			switch color[d] {
			case grey:
				for i, s := range stack {
					if s == d {
						cycle = append(append([]string(nil), stack[i:]...), d)
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
