// Package discovery finds plugins, themes and bundles that are not
// registered explicitly at bootstrap.
//
// A Source yields Candidates for a named group. Loading a candidate is
// deferred to Candidate.Load so a consumer can log and skip one broken
// entry without losing the rest.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Discovery groups.
const (
	GroupPlugins = "plugins"
	GroupThemes  = "themes"
	GroupBundles = "bundles"
)

// Candidate is one discoverable entry.
type Candidate struct {
	Group  string
	Name   string
	Origin string // source name, for logs
	Load   func() (any, error)
}

// Source yields candidates for a group.
type Source interface {
	Name() string
	Candidates(ctx context.Context, group string) ([]Candidate, error)
}

// Factory builds a plugin, theme or bundle value.
type Factory func() (any, error)

// Catalog holds the factories compiled into the binary, keyed by group and
// factory key.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]map[string]Factory)}
}

// Provide registers a factory. Keys are unique per group.
func (c *Catalog) Provide(group, key string, f Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKey := c.factories[group]
	if byKey == nil {
		byKey = make(map[string]Factory)
		c.factories[group] = byKey
	}
	if _, exists := byKey[key]; exists {
		return fmt.Errorf("factory %s/%s already provided", group, key)
	}
	byKey[key] = f
	return nil
}

// MustProvide is Provide for package init code.
func (c *Catalog) MustProvide(group, key string, f Factory) {
	if err := c.Provide(group, key, f); err != nil {
		panic(err)
	}
}

func (c *Catalog) Lookup(group, key string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[group][key]
	return f, ok
}

// Keys returns the sorted factory keys of a group.
func (c *Catalog) Keys(group string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.factories[group]))
}

// CatalogSource offers every factory of the catalog. It is the dynamic
// counterpart of StaticSource: anything compiled in is discoverable.
type CatalogSource struct {
	catalog *Catalog
}

func NewCatalogSource(c *Catalog) *CatalogSource {
	return &CatalogSource{catalog: c}
}

func (s *CatalogSource) Name() string { return "catalog" }

func (s *CatalogSource) Candidates(_ context.Context, group string) ([]Candidate, error) {
	var out []Candidate
	for _, key := range s.catalog.Keys(group) {
		f, _ := s.catalog.Lookup(group, key)
		out = append(out, Candidate{Group: group, Name: key, Origin: s.Name(), Load: f})
	}
	return out, nil
}

// ListSource serves a fixed list of candidates.
type ListSource struct {
	name       string
	candidates []Candidate
}

func NewListSource(name string, candidates ...Candidate) *ListSource {
	return &ListSource{name: name, candidates: candidates}
}

func (s *ListSource) Name() string { return s.name }

func (s *ListSource) Candidates(_ context.Context, group string) ([]Candidate, error) {
	var out []Candidate
	for _, c := range s.candidates {
		if c.Group == group {
			c.Origin = s.name
			out = append(out, c)
		}
	}
	return out, nil
}

// Value wraps an already built value as a Candidate loader.
func Value(v any) func() (any, error) {
	return func() (any, error) { return v, nil }
}
