package backlog

import "fmt"

// computePhases runs Kahn's algorithm over the dependency graph: phase 1 is
// every task with in-degree zero; removing it exposes phase 2, and so on,
// per spec.md §4.2. Tasks within a phase carry no ordering relation.
func computePhases(records []Record) ([][]string, error) {
	inDegree := make(map[string]int, len(records))
	downstream := make(map[string][]string, len(records))
	order := make([]string, 0, len(records))

	for _, rec := range records {
		inDegree[rec.ID] = len(rec.Dependencies)
		order = append(order, rec.ID)
	}
	for _, rec := range records {
		for _, dep := range rec.Dependencies {
			downstream[dep] = append(downstream[dep], rec.ID)
		}
	}

	var phases [][]string
	remaining := len(records)

	for remaining > 0 {
		var frontier []string
		for _, id := range order {
			if inDegree[id] == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return nil, cycleError(records, inDegree)
		}

		// Mark consumed so they don't reappear in the next frontier scan,
		// then peel their downstream edges.
		for _, id := range frontier {
			inDegree[id] = -1
		}
		for _, id := range frontier {
			for _, next := range downstream[id] {
				if inDegree[next] > 0 {
					inDegree[next]--
				}
			}
		}

		phases = append(phases, frontier)
		remaining -= len(frontier)
	}

	return phases, nil
}

// cycleError enumerates the task ids still blocked (every remaining node is
// part of some cycle, directly or by depending on one) and walks a BFS
// parent-pointer tree from an arbitrary participant to report the shortest
// cycle path back to itself.
func cycleError(records []Record, inDegree map[string]int) error {
	var stuck []string
	deps := make(map[string][]string, len(records))
	for _, rec := range records {
		if inDegree[rec.ID] > 0 {
			stuck = append(stuck, rec.ID)
		}
		deps[rec.ID] = rec.Dependencies
	}

	path := shortestCycle(stuck, deps)
	return fmt.Errorf("backlog: dependency cycle detected among tasks %v, shortest cycle: %v", stuck, path)
}

// shortestCycle performs a BFS from each stuck node following dependency
// edges (child -> its deps) until it revisits its own start, returning the
// shortest such loop found. stuck is assumed non-empty.
func shortestCycle(stuck []string, deps map[string][]string) []string {
	inStuck := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		inStuck[id] = true
	}

	var best []string
	for _, start := range stuck {
		parent := map[string]string{start: ""}
		queue := []string{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, dep := range deps[cur] {
				if !inStuck[dep] {
					continue
				}
				if dep == start {
					path := []string{start}
					walk := cur
					for walk != start && walk != "" {
						path = append([]string{walk}, path...)
						walk = parent[walk]
					}
					if best == nil || len(path) < len(best) {
						best = append(path, start)
					}
					continue
				}
				if _, visited := parent[dep]; !visited {
					parent[dep] = cur
					queue = append(queue, dep)
				}
			}
		}
	}
	if best == nil {
		return stuck
	}
	return best
}
