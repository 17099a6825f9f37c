package depgraph

import (
	"fmt"
	"strings"
)

// Order computes the evaluation order with Kahn's algorithm.
//
// Determinism: ties between zero-in-degree nodes are broken by original
// declaration order, so unchanged configuration always yields an identical
// order across runs.
//
// If the produced order is shorter than the node count, a cycle exists;
// Order fails with a CircularDependencyError naming exactly the
// strongly-connected remainder. No guessed partial order is exposed.
func (g *Graph) Order() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n.ID] = 0
	}
	for _, consumers := range g.dependents {
		for _, c := range consumers {
			inDegree[c]++
		}
	}

	order := make([]string, 0, len(g.nodes))
	emitted := make(map[string]bool, len(g.nodes))

	for len(order) < len(g.nodes) {
		progressed := false
		// Scan in declaration order so equal in-degree resolves by
		// position, not map iteration.
		for _, n := range g.nodes {
			if emitted[n.ID] || inDegree[n.ID] != 0 {
				continue
			}
			emitted[n.ID] = true
			order = append(order, n.ID)
			for _, c := range g.dependents[n.ID] {
				inDegree[c]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(order) < len(g.nodes) {
		var leftover []string
		for _, n := range g.nodes {
			if !emitted[n.ID] {
				leftover = append(leftover, n.ID)
			}
		}
		return nil, newCircularDependencyError(g, leftover)
	}

	return order, nil
}

// CircularDependencyError reports a dependency cycle. Remainder holds the
// nodes belonging to cyclic strongly connected components, not every
// unprocessed node, and never the full graph. Path is one reconstructed
// traversal through a cycle for the error message.
type CircularDependencyError struct {
	Remainder []string
	Path      []string
}

// Error implements the error interface.
func (e *CircularDependencyError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("CIRCULAR_DEPENDENCY: cycle among [%s]: %s",
			strings.Join(e.Remainder, ", "), strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("CIRCULAR_DEPENDENCY: cycle among [%s]", strings.Join(e.Remainder, ", "))
}

// newCircularDependencyError narrows the Kahn leftover (which includes
// nodes merely downstream of a cycle) to the cyclic SCC members, and
// reconstructs one cycle path for diagnostics.
func newCircularDependencyError(g *Graph, leftover []string) *CircularDependencyError {
	inLeftover := make(map[string]bool, len(leftover))
	for _, id := range leftover {
		inLeftover[id] = true
	}

	// Subgraph restricted to the leftover nodes.
	sub := make(map[string][]string, len(leftover))
	for _, id := range leftover {
		for _, c := range g.dependents[id] {
			if inLeftover[c] {
				sub[id] = append(sub[id], c)
			}
		}
		if sub[id] == nil {
			sub[id] = []string{}
		}
	}

	sccs := tarjanSCC(sub)

	var remainder []string
	var firstCycle []string
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], sub)) {
			remainder = append(remainder, scc...)
			if firstCycle == nil {
				firstCycle = scc
			}
		}
	}
	if remainder == nil {
		// Defensive: Kahn found no progress, so a cycle must exist.
		remainder = leftover
		firstCycle = leftover
	}

	// Keep declaration order in the report.
	remainder = sortByDeclaration(g, remainder)

	return &CircularDependencyError{
		Remainder: remainder,
		Path:      reconstructCyclePath(sortByDeclaration(g, firstCycle), sub),
	}
}

// sortByDeclaration orders node IDs by their declaration index.
func sortByDeclaration(g *Graph, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, n := range g.nodes {
		for _, id := range ids {
			if id == n.ID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
