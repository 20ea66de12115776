package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// validateGraph rejects duplicate or empty ids, dependencies on unknown
// tasks and cycles. It runs Kahn's algorithm and reports the tasks left
// over when the graph is cyclic.
func validateGraph(specs []TaskSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidPlan)
	}

	ids := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return fmt.Errorf("%w: task without id", ErrInvalidPlan)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidPlan, s.ID)
		}
		ids[s.ID] = true
	}

	inDegree := make(map[string]int, len(specs))
	edges := make(map[string][]string)
	for _, s := range specs {
		inDegree[s.ID] += 0
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidPlan, s.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			edges[dep] = append(edges[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	queue := make([]string, 0, len(specs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range edges[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(specs) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("%w: dependency cycle among %s", ErrInvalidPlan, strings.Join(cyclic, ", "))
	}
	return nil
}
