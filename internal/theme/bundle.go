package theme

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/discovery"
	"github.com/modhost/modhost/internal/events"
	"github.com/modhost/modhost/internal/nav"
)

// Bundle pairs a theme with the plugins it expects.
type Bundle struct {
	Name               string
	Theme              string
	RequiredPlugins    []string
	RecommendedPlugins []string
	AdminCategories    []nav.Category
	OnActivate         func(a *app.App) error
}

// BundleNotFoundError means no bundle is registered under Name.
type BundleNotFoundError struct {
	Name string
}

func (e *BundleNotFoundError) Error() string {
	return fmt.Sprintf("bundle %q is not registered", e.Name)
}

// BundleValidationError lists every required plugin that is not active.
type BundleValidationError struct {
	Bundle  string
	Missing []string
}

func (e *BundleValidationError) Error() string {
	return fmt.Sprintf("bundle %q requires inactive plugins: %s", e.Bundle, strings.Join(e.Missing, ", "))
}

// ActivePluginLister reports the names of active plugins.
type ActivePluginLister interface {
	ActiveNames(ctx context.Context) ([]string, error)
}

// BundleResult describes a successful activation.
type BundleResult struct {
	Bundle             string   `json:"bundle"`
	Theme              string   `json:"theme"`
	MissingRecommended []string `json:"missing_recommended,omitempty"`
}

// BundleRegistry holds the available bundles.
type BundleRegistry struct {
	mu         sync.RWMutex
	bundles    map[string]Bundle
	active     string
	themes     *Registry
	sources    []discovery.Source
	discovered bool
	events     events.Publisher
	logger     *slog.Logger
}

// NewBundleRegistry activates bundle themes through themes. pub may be nil.
func NewBundleRegistry(themes *Registry, pub events.Publisher, logger *slog.Logger, sources ...discovery.Source) *BundleRegistry {
	return &BundleRegistry{
		bundles: make(map[string]Bundle),
		themes:  themes,
		sources: sources,
		events:  pub,
		logger:  logger.With("component", "bundles"),
	}
}

func (r *BundleRegistry) Register(b Bundle) error {
	if b.Name == "" {
		return fmt.Errorf("bundle name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bundles[b.Name]; exists {
		return fmt.Errorf("bundle %q is already registered", b.Name)
	}
	r.bundles[b.Name] = b
	return nil
}

// Discover loads the bundles group of every source once.
func (r *BundleRegistry) Discover(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	done := r.discovered
	r.mu.RUnlock()
	if !done {
		err := discoverGroup(ctx, r.sources, discovery.GroupBundles, r.logger, func(name string, v any) error {
			b, ok := v.(Bundle)
			if p, isPtr := v.(*Bundle); isPtr && p != nil {
				b, ok = *p, true
			}
			if !ok {
				return fmt.Errorf("unexpected type %T", v)
			}
			if b.Name != name {
				return fmt.Errorf("bundle declares name %q", b.Name)
			}
			return r.Register(b)
		})
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.discovered = true
		r.mu.Unlock()
	}
	return r.Names(), nil
}

func (r *BundleRegistry) Get(name string) (Bundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[name]
	return b, ok
}

func (r *BundleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Active returns the activated bundle name, or "".
func (r *BundleRegistry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Activate applies a bundle as one unit. Every required plugin must be
// active and the theme must exist, otherwise nothing changes. On success
// the theme is activated, the admin categories registered and OnActivate
// called. A failing OnActivate undoes the theme and the categories.
func (r *BundleRegistry) Activate(ctx context.Context, name string, a *app.App, lister ActivePluginLister) (*BundleResult, error) {
	b, ok := r.Get(name)
	if !ok {
		return nil, &BundleNotFoundError{Name: name}
	}

	active, err := lister.ActiveNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active plugins: %w", err)
	}
	if missing := absent(b.RequiredPlugins, active); len(missing) > 0 {
		return nil, &BundleValidationError{Bundle: name, Missing: missing}
	}
	if b.Theme != "" {
		if _, ok := r.themes.Get(b.Theme); !ok {
			return nil, &ThemeNotFoundError{Name: b.Theme}
		}
	}

	restoreTheme := func() {}
	if b.Theme != "" {
		undo, err := r.themes.activate(b.Theme, a)
		if err != nil {
			return nil, err
		}
		restoreTheme = undo
	}

	added := newCategories(a.Nav, b.AdminCategories)
	a.Nav.Register(b.AdminCategories...)

	if b.OnActivate != nil {
		if err := safeCall(func() error { return b.OnActivate(a) }); err != nil {
			a.Nav.Unregister(added...)
			restoreTheme()
			return nil, fmt.Errorf("bundle %s activation hook: %w", name, err)
		}
	}

	r.mu.Lock()
	r.active = name
	r.mu.Unlock()

	result := &BundleResult{Bundle: name, Theme: b.Theme, MissingRecommended: absent(b.RecommendedPlugins, active)}
	if len(result.MissingRecommended) > 0 {
		r.logger.Warn("Bundle recommends inactive plugins", "bundle", name, "plugins", result.MissingRecommended)
	}
	r.logger.Info("Bundle activated", "bundle", name, "theme", b.Theme)
	if r.events != nil {
		r.events.Publish(events.New(events.BundleActivated, name, "").With("theme", b.Theme))
	}
	return result, nil
}

// absent returns the names in want that are not in have, in want's order.
func absent(want, have []string) []string {
	var out []string
	for _, n := range want {
		if !slices.Contains(have, n) {
			out = append(out, n)
		}
	}
	return out
}

// newCategories returns the ids of cats not yet in reg, so a rollback
// leaves pre-existing categories alone.
func newCategories(reg *nav.Registry, cats []nav.Category) []string {
	var ids []string
	for _, c := range cats {
		if _, exists := reg.Get(c.ID); !exists {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
