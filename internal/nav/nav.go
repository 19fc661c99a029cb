// Package nav keeps the admin navigation categories contributed by bundles
// and plugins.
package nav

import (
	"cmp"
	"slices"
	"sync"
)

// Category is one admin navigation group.
type Category struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
	Icon  string `json:"icon,omitempty" yaml:"icon"`
	Order int    `json:"order" yaml:"order"`
}

type Registry struct {
	mu         sync.RWMutex
	categories map[string]Category
}

func NewRegistry() *Registry {
	return &Registry{categories: make(map[string]Category)}
}

// Register adds or replaces categories by ID.
func (r *Registry) Register(cats ...Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cats {
		r.categories[c.ID] = c
	}
}

// Unregister removes categories by ID. Unknown IDs are ignored.
func (r *Registry) Unregister(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.categories, id)
	}
}

func (r *Registry) Get(id string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.categories[id]
	return c, ok
}

// List returns categories ordered by Order then ID.
func (r *Registry) List() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Category) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.ID, b.ID))
	})
	return out
}
