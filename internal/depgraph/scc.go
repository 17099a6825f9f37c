package depgraph

// tarjanSCC finds strongly connected components of a node→successors map.
// Single-node components without a self-loop are not cycles; callers filter.
func tarjanSCC(graph map[string][]string) [][]string {
	var (
		counter int
		stack   []string
		index   = make(map[string]int, len(graph))
		lowlink = make(map[string]int, len(graph))
		onStack = make(map[string]bool, len(graph))
		sccs    [][]string
	)

	var visit func(string)
	visit = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := index[w]; !seen {
				visit(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
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
			sccs = append(sccs, scc)
		}
	}

	for node := range graph {
		if _, seen := index[node]; !seen {
			visit(node)
		}
	}
	return sccs
}

// hasSelfLoop reports whether a node has an edge to itself.
func hasSelfLoop(node string, graph map[string][]string) bool {
	for _, succ := range graph[node] {
		if succ == node {
			return true
		}
	}
	return false
}

// reconstructCyclePath walks edges inside one SCC from its first member
// back around to itself, producing a closed path like [a, b, a] for the
// error message. Best effort: if the walk cannot close, the open path is
// returned.
func reconstructCyclePath(scc []string, graph map[string][]string) []string {
	if len(scc) == 0 {
		return nil
	}
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}

	start := scc[0]
	path := []string{start}
	visited := map[string]bool{}
	current := start

	for {
		visited[current] = true
		next := ""
		for _, succ := range graph[current] {
			if members[succ] && (succ == start || !visited[succ]) {
				next = succ
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		current = next
	}
}
