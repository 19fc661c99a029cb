package plugins

import (
	"slices"
)

// graph is a snapshot of the dependency edges between registered plugins.
type graph struct {
	deps map[string][]string
}

func newGraph(manifests map[string]Manifest) *graph {
	g := &graph{deps: make(map[string][]string, len(manifests))}
	for name, m := range manifests {
		g.deps[name] = slices.Clone(m.Dependencies)
	}
	return g
}

// order returns names sorted so every plugin comes after the dependencies
// it declares. Dependencies outside the graph are ignored here and reported
// in missing. Siblings keep alphabetical order so the result is stable.
func (g *graph) order(names []string) (sorted []string, missing map[string][]string, err error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	missing = make(map[string][]string)
	var stack []string

	var visit func(n string) error
	visit = func(n string) error {
		switch state[n] {
		case done:
			return nil
		case visiting:
			start := slices.Index(stack, n)
			cycle := append(slices.Clone(stack[start:]), n)
			return &CyclicDependencyError{Cycle: cycle}
		}
		state[n] = visiting
		stack = append(stack, n)
		for _, dep := range g.deps[n] {
			if _, ok := g.deps[dep]; !ok {
				missing[n] = append(missing[n], dep)
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		sorted = append(sorted, n)
		return nil
	}

	roots := slices.Clone(names)
	slices.Sort(roots)
	for _, n := range roots {
		if _, ok := g.deps[n]; !ok {
			continue
		}
		if err := visit(n); err != nil {
			return nil, nil, err
		}
	}
	return sorted, missing, nil
}

// dependents lists registered plugins that declare name as a dependency.
func (g *graph) dependents(name string) []string {
	var out []string
	for n, deps := range g.deps {
		if slices.Contains(deps, name) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
