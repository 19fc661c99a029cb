package plugins

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modhost/modhost/internal/discovery"
	"github.com/modhost/modhost/internal/events"
	"github.com/modhost/modhost/internal/status"
	"github.com/modhost/modhost/internal/store"
)

// InstallChecker is implemented by plugins with install requirements beyond
// their template folder.
type InstallChecker interface {
	CheckInstalled() error
}

// Registry indexes plugins by name and owns their activation state.
type Registry struct {
	mu         sync.RWMutex
	plugins    map[string]Plugin
	origins    map[string]string
	sources    []discovery.Source
	discovered bool

	store  store.Store
	events events.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithSources sets the discovery sources scanned by Discover.
func WithSources(sources ...discovery.Source) Option {
	return func(r *Registry) { r.sources = append(r.sources, sources...) }
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry backed by st.
func NewRegistry(st store.Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		plugins: make(map[string]Plugin),
		origins: make(map[string]string),
		store:   st,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds p under its manifest name.
func (r *Registry) Register(p Plugin) error {
	return r.register(p, "explicit")
}

func (r *Registry) register(p Plugin, origin string) error {
	m := p.Manifest()
	if err := m.Validate(); err != nil {
		return &InvalidManifestError{Name: m.Name, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[m.Name]; exists {
		return &DuplicateManifestError{Name: m.Name, Existing: r.origins[m.Name], Rejected: origin}
	}
	r.plugins[m.Name] = p
	r.origins[m.Name] = origin
	return nil
}

// Discover scans the configured sources once and registers every valid
// plugin they yield. Broken candidates are logged and skipped. Later calls
// return the registered names without scanning again.
func (r *Registry) Discover(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	done := r.discovered
	r.mu.RUnlock()
	if done {
		return r.Names(), nil
	}

	for _, src := range r.sources {
		candidates, err := src.Candidates(ctx, discovery.GroupPlugins)
		if err != nil {
			r.logger.Warn("Plugin source failed", "source", src.Name(), "error", err)
			continue
		}
		for _, c := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.loadCandidate(c)
		}
	}

	r.mu.Lock()
	r.discovered = true
	r.mu.Unlock()

	return r.Names(), nil
}

func (r *Registry) loadCandidate(c discovery.Candidate) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Plugin candidate panicked", "plugin", c.Name, "source", c.Origin, "panic", rec)
		}
	}()
	v, err := c.Load()
	if err != nil {
		r.logger.Warn("Failed to load plugin", "plugin", c.Name, "source", c.Origin, "error", err)
		return
	}
	p, ok := v.(Plugin)
	if !ok {
		r.logger.Warn("Candidate is not a plugin", "plugin", c.Name, "source", c.Origin, "type", fmt.Sprintf("%T", v))
		return
	}
	if name := p.Manifest().Name; c.Name != "" && name != c.Name {
		r.logger.Warn("Manifest name does not match declared name", "declared", c.Name, "manifest", name, "source", c.Origin)
		return
	}
	if err := r.register(p, c.Origin); err != nil {
		r.logger.Warn("Skipping plugin", "plugin", c.Name, "source", c.Origin, "error", err)
		return
	}
	m := p.Manifest()
	r.logger.Info("Loaded plugin", "name", m.Name, "version", m.Version, "source", c.Origin)
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns every registered plugin name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) graph() *graph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	manifests := make(map[string]Manifest, len(r.plugins))
	for name, p := range r.plugins {
		manifests[name] = p.Manifest()
	}
	return newGraph(manifests)
}

// ValidateGraph checks that every declared dependency is registered and
// that there are no cycles. It returns all plugins in dependency order.
func (r *Registry) ValidateGraph() ([]string, error) {
	order, missing, err := r.graph().order(r.Names())
	if err != nil {
		return nil, err
	}
	for _, name := range order {
		if deps := missing[name]; len(deps) > 0 {
			return order, &DependencyNotActivatedError{Plugin: name, Dependency: deps[0]}
		}
	}
	return order, nil
}

// checkInstalled verifies the resources a plugin declares exist.
func checkInstalled(p Plugin) error {
	name := p.Manifest().Name
	if dir := p.TemplateFolder(); dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return &PluginNotInstalledError{Name: name, Resource: "template folder " + dir}
		}
	}
	if ic, ok := p.(InstallChecker); ok {
		if err := ic.CheckInstalled(); err != nil {
			return &PluginNotInstalledError{Name: name, Resource: err.Error()}
		}
	}
	return nil
}

// Activate marks a plugin active. The checks run in a fixed order: the
// plugin must be registered, installed, and every dependency must already
// be active. Its route prefixes must then be free of host routes and of
// other active plugins. Activating an active plugin returns its record
// unchanged.
func (r *Registry) Activate(ctx context.Context, name, actor string) (store.ActivationRecord, error) {
	p, ok := r.Get(name)
	if !ok {
		return store.ActivationRecord{}, &PluginNotFoundError{Name: name}
	}
	if err := checkInstalled(p); err != nil {
		return store.ActivationRecord{}, err
	}

	var (
		rec     store.ActivationRecord
		changed bool
	)
	err := r.store.InTx(ctx, func(q store.Querier) error {
		current, err := q.GetActivation(ctx, name)
		switch {
		case err == nil && current.IsActive:
			rec = current
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("failed to load activation for %s: %w", name, err)
		}

		for _, dep := range p.Manifest().Dependencies {
			_, registered := r.Get(dep)
			depRec, err := q.GetActivation(ctx, dep)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("failed to load activation for %s: %w", dep, err)
			}
			if !registered || !depRec.IsActive {
				return &DependencyNotActivatedError{Plugin: name, Dependency: dep, Registered: registered}
			}
		}
		if err := r.checkRouteClaims(ctx, q, p); err != nil {
			return err
		}

		now := r.now().UTC()
		rec = store.ActivationRecord{
			PluginName:    name,
			IsActive:      true,
			ActivatedAt:   &now,
			ActivatedBy:   actor,
			DeactivatedAt: current.DeactivatedAt,
			UpdatedAt:     now,
		}
		if err := q.UpsertActivation(ctx, rec); err != nil {
			return fmt.Errorf("failed to save activation: %w", err)
		}
		flags := status.New(q)
		if err := flags.SetRestartRequired(ctx, true); err != nil {
			return err
		}
		if err := flags.AddPendingMigration(ctx, name); err != nil {
			return err
		}
		if err := q.InsertActivationEvent(ctx, store.ActivationEvent{
			ID:         uuid.New(),
			PluginName: name,
			Action:     store.ActionActivate,
			Actor:      actor,
			At:         now,
		}); err != nil {
			return fmt.Errorf("failed to record activation: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return store.ActivationRecord{}, err
	}

	if changed {
		r.logger.Info("Plugin activated", "plugin", name, "actor", actor)
		r.publish(events.New(events.PluginActivated, name, actor))
	}
	return rec, nil
}

// Deactivate marks a plugin inactive. It reports false when the plugin was
// not active. Active dependents are not refused, only logged.
func (r *Registry) Deactivate(ctx context.Context, name, actor string) (bool, error) {
	if _, ok := r.Get(name); !ok {
		return false, &PluginNotFoundError{Name: name}
	}

	var changed bool
	err := r.store.InTx(ctx, func(q store.Querier) error {
		current, err := q.GetActivation(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load activation for %s: %w", name, err)
		}
		if !current.IsActive {
			return nil
		}

		now := r.now().UTC()
		current.IsActive = false
		current.DeactivatedAt = &now
		current.UpdatedAt = now
		if err := q.UpsertActivation(ctx, current); err != nil {
			return fmt.Errorf("failed to save activation: %w", err)
		}
		if err := status.New(q).SetRestartRequired(ctx, true); err != nil {
			return err
		}
		if err := q.InsertActivationEvent(ctx, store.ActivationEvent{
			ID:         uuid.New(),
			PluginName: name,
			Action:     store.ActionDeactivate,
			Actor:      actor,
			At:         now,
		}); err != nil {
			return fmt.Errorf("failed to record deactivation: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return false, err
	}

	if dependents := r.activeDependents(ctx, name); len(dependents) > 0 {
		r.logger.Warn("Deactivated plugin still has active dependents", "plugin", name, "dependents", dependents)
	}
	r.logger.Info("Plugin deactivated", "plugin", name, "actor", actor)
	r.publish(events.New(events.PluginDeactivated, name, actor))
	return true, nil
}

func (r *Registry) activeDependents(ctx context.Context, name string) []string {
	active, err := r.activeSet(ctx)
	if err != nil {
		return nil
	}
	var out []string
	for _, d := range r.graph().dependents(name) {
		if active[d] {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) publish(ev events.Event) {
	if r.events == nil {
		return
	}
	if !r.events.Publish(ev) {
		r.logger.Warn("Lifecycle event dropped", "type", ev.Type, "subject", ev.Subject)
	}
}

// activeSet maps every plugin name the store marks active. Names that are
// no longer registered are included.
func (r *Registry) activeSet(ctx context.Context) (map[string]bool, error) {
	recs, err := r.store.ListActivations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	active := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.IsActive {
			active[rec.PluginName] = true
		}
	}
	return active, nil
}

// ActivePlugins returns registered plugins the store marks active, sorted
// by name.
func (r *Registry) ActivePlugins(ctx context.Context) ([]Plugin, error) {
	active, err := r.activeSet(ctx)
	if err != nil {
		return nil, err
	}
	var out []Plugin
	for _, name := range r.Names() {
		if !active[name] {
			continue
		}
		if p, ok := r.Get(name); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ActiveNames is ActivePlugins reduced to names.
func (r *Registry) ActiveNames(ctx context.Context) ([]string, error) {
	plugins, err := r.ActivePlugins(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Manifest().Name
	}
	return names, nil
}

// PluginStatus is the admin view of one registered plugin.
type PluginStatus struct {
	Manifest            Manifest                `json:"manifest"`
	Origin              string                  `json:"origin"`
	Active              bool                    `json:"active"`
	Record              *store.ActivationRecord `json:"record,omitempty"`
	Installed           bool                    `json:"installed"`
	InstallError        string                  `json:"install_error,omitempty"`
	MissingDependencies []string                `json:"missing_dependencies,omitempty"`
	Dependents          []string                `json:"dependents,omitempty"`
	MigrationPending    bool                    `json:"migration_pending"`
}

// PluginsWithStatus joins every registered manifest with its stored state.
func (r *Registry) PluginsWithStatus(ctx context.Context) ([]PluginStatus, error) {
	recs, err := r.store.ListActivations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	byName := make(map[string]store.ActivationRecord, len(recs))
	for _, rec := range recs {
		byName[rec.PluginName] = rec
	}
	pending, err := status.New(r.store).PendingMigrations(ctx)
	if err != nil {
		return nil, err
	}

	g := r.graph()
	var out []PluginStatus
	for _, name := range r.Names() {
		p, ok := r.Get(name)
		if !ok {
			continue
		}
		m := p.Manifest()
		st := PluginStatus{
			Manifest:         m,
			Origin:           r.origin(name),
			Installed:        true,
			Dependents:       g.dependents(name),
			MigrationPending: slices.Contains(pending, name),
		}
		if rec, ok := byName[name]; ok {
			st.Record = &rec
			st.Active = rec.IsActive
		}
		if err := checkInstalled(p); err != nil {
			st.Installed = false
			st.InstallError = err.Error()
		}
		for _, dep := range m.Dependencies {
			if rec, ok := byName[dep]; !ok || !rec.IsActive {
				st.MissingDependencies = append(st.MissingDependencies, dep)
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *Registry) origin(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origins[name]
}

// PluginContribution is a Contribution tagged with the plugin that made it.
type PluginContribution struct {
	Plugin string `json:"plugin"`
	Contribution
}

// Contributions collects the UI contributions of kind from active plugins,
// ordered by Order then plugin name.
func (r *Registry) Contributions(ctx context.Context, kind SlotKind) ([]PluginContribution, error) {
	active, err := r.ActivePlugins(ctx)
	if err != nil {
		return nil, err
	}
	var out []PluginContribution
	for _, p := range active {
		m := p.Manifest()
		for _, c := range m.UISlots[kind] {
			out = append(out, PluginContribution{Plugin: m.Name, Contribution: c})
		}
	}
	slices.SortStableFunc(out, func(a, b PluginContribution) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Plugin, b.Plugin))
	})
	return out, nil
}

// IsRestartRequired reports the persisted restart flag.
func (r *Registry) IsRestartRequired(ctx context.Context) (bool, error) {
	return status.New(r.store).RestartRequired(ctx)
}

// PendingMigrations lists plugins activated since the last migration run.
func (r *Registry) PendingMigrations(ctx context.Context) ([]string, error) {
	return status.New(r.store).PendingMigrations(ctx)
}

// ClearPendingMigrations empties the pending list.
func (r *Registry) ClearPendingMigrations(ctx context.Context) error {
	return status.New(r.store).ClearPendingMigrations(ctx)
}

// History returns the activation history of a plugin, newest first.
func (r *Registry) History(ctx context.Context, name string, limit int) ([]store.ActivationEvent, error) {
	if _, ok := r.Get(name); !ok {
		return nil, &PluginNotFoundError{Name: name}
	}
	return r.store.ListActivationEvents(ctx, name, limit)
}
