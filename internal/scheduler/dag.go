package scheduler

import (
	"fmt"
	"sort"

	"github.com/rote-mux/rote/internal/model"
)

// buildOrder validates the requires graph over specs and returns a single
// admission order: a DFS topological sort that starts from each task in
// alphabetical order and visits each node's dependencies in alphabetical
// order, so every task appears after all of its dependencies. The order does
// not by itself put simultaneously startable tasks in alphabetical order (a
// dependency is emitted just before its first dependent); Admit sorts each
// pass's admitted tasks by name for spec.md §4.5's tie-break.
//
// Grounded on the teacher's absence of any DAG logic (the teacher has none);
// the DFS-with-recursion-stack shape follows the standard textbook
// recursive-DFS cycle detector, adapted to report the offending cycle by name
// per spec.md §4.5 ("reported as a fatal configuration error naming the
// cycle").
func buildOrder(specs map[string]*model.TaskSpec) ([]string, error) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range specs[name].Requires {
			if _, ok := specs[dep]; !ok {
				return nil, model.NewError(model.ErrConfig,
					fmt.Sprintf("task %q requires undefined task %q", name, dep), nil)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	order := make([]string, 0, len(names))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			cycle := append(append([]string{}, path...), name)
			return model.NewError(model.ErrConfig,
				fmt.Sprintf("dependency cycle: %s", joinCycle(cycle)), nil)
		}

		state[name] = visiting
		path = append(path, name)

		deps := append([]string{}, specs[name].Requires...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}

func joinCycle(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += " -> "
		}
		out += n
	}
	return out
}

// dependents returns, for each task, the set of tasks that directly require
// it (the reverse edges of the requires graph).
func dependents(specs map[string]*model.TaskSpec) map[string][]string {
	out := make(map[string][]string, len(specs))
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range specs[name].Requires {
			out[dep] = append(out[dep], name)
		}
	}
	return out
}
