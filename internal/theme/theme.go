// Package theme composes themes and bundles into the host App: a theme
// contributes a template layer and static assets, a bundle pairs a theme
// with the plugins it needs and the admin categories it adds.
package theme

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"

	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/discovery"
	"github.com/modhost/modhost/internal/events"
)

// Descriptor declares a theme. Templates and Static may be nil.
type Descriptor struct {
	Name      string
	Version   string
	Templates fs.FS
	Static    fs.FS
	Init      func(a *app.App) error
}

// StaticPath is where a theme's assets are served.
func StaticPath(name string) string {
	return app.StaticPrefix + "themes/" + name + "/"
}

// ThemeNotFoundError means no theme is registered under Name.
type ThemeNotFoundError struct {
	Name string
}

func (e *ThemeNotFoundError) Error() string {
	return fmt.Sprintf("theme %q is not registered", e.Name)
}

// Registry holds the available themes and remembers the active one.
type Registry struct {
	mu         sync.RWMutex
	themes     map[string]Descriptor
	active     string
	sources    []discovery.Source
	discovered bool
	events     events.Publisher
	logger     *slog.Logger
}

// NewRegistry creates an empty theme registry. pub may be nil.
func NewRegistry(pub events.Publisher, logger *slog.Logger, sources ...discovery.Source) *Registry {
	return &Registry{
		themes:  make(map[string]Descriptor),
		sources: sources,
		events:  pub,
		logger:  logger.With("component", "themes"),
	}
}

// Register adds d. A later registration of the same name is rejected.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("theme name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.themes[d.Name]; exists {
		return fmt.Errorf("theme %q is already registered", d.Name)
	}
	r.themes[d.Name] = d
	return nil
}

// Discover loads the themes group of every source once.
func (r *Registry) Discover(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	done := r.discovered
	r.mu.RUnlock()
	if !done {
		err := discoverGroup(ctx, r.sources, discovery.GroupThemes, r.logger, func(name string, v any) error {
			d, ok := v.(Descriptor)
			if p, isPtr := v.(*Descriptor); isPtr && p != nil {
				d, ok = *p, true
			}
			if !ok {
				return fmt.Errorf("unexpected type %T", v)
			}
			if d.Name != name {
				return fmt.Errorf("theme declares name %q", d.Name)
			}
			return r.Register(d)
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

// Get returns the theme registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.themes[name]
	return d, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.themes))
	for name := range r.themes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Active returns the active theme name, or "".
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Activate installs the theme into a: its templates become the theme layer
// of the chain, its assets are served under StaticPath, then Init runs. If
// Init fails the previous theme is restored.
func (r *Registry) Activate(name string, a *app.App) error {
	_, err := r.activate(name, a)
	return err
}

// activate returns a func that restores the previous theme.
func (r *Registry) activate(name string, a *app.App) (func(), error) {
	d, ok := r.Get(name)
	if !ok {
		return nil, &ThemeNotFoundError{Name: name}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prevName := r.active
	prevLayer := a.Templates.SetTheme(name, d.Templates)
	if prevName != "" && prevName != name {
		a.UnmountStatic(StaticPath(prevName))
	}
	if d.Static != nil {
		a.MountStatic(StaticPath(name), d.Static)
	}

	undo := func() {
		a.Templates.RestoreTheme(prevLayer)
		a.UnmountStatic(StaticPath(name))
		if prev, ok := r.themes[prevName]; ok && prev.Static != nil {
			a.MountStatic(StaticPath(prevName), prev.Static)
		}
		r.active = prevName
	}

	if d.Init != nil {
		if err := safeCall(func() error { return d.Init(a) }); err != nil {
			undo()
			return nil, fmt.Errorf("theme %s init: %w", name, err)
		}
	}

	r.active = name
	r.logger.Info("Theme activated", "theme", name, "previous", prevName)
	if r.events != nil {
		r.events.Publish(events.New(events.ThemeActivated, name, ""))
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		undo()
	}, nil
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// discoverGroup loads every candidate of group and hands it to add. Broken
// candidates are logged and skipped.
func discoverGroup(ctx context.Context, sources []discovery.Source, group string, logger *slog.Logger, add func(name string, v any) error) error {
	for _, src := range sources {
		cands, err := src.Candidates(ctx, group)
		if err != nil {
			logger.Warn("Discovery source failed", "source", src.Name(), "group", group, "error", err)
			continue
		}
		for _, c := range cands {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := safeCall(func() error {
				v, err := c.Load()
				if err != nil {
					return err
				}
				return add(c.Name, v)
			})
			if err != nil {
				logger.Warn("Skipping candidate", "group", group, "name", c.Name, "source", c.Origin, "error", err)
			}
		}
	}
	return nil
}
