package plugins

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/events"
	"github.com/modhost/modhost/internal/status"
)

// MountFailure records a plugin that could not be mounted.
type MountFailure struct {
	Plugin string `json:"plugin"`
	Reason string `json:"reason"`
}

// MountReport summarizes a startup mount.
type MountReport struct {
	Order   []string          `json:"order"`
	Mounted []string          `json:"mounted"`
	Skipped []MountFailure    `json:"skipped,omitempty"`
	Failed  []MountFailure    `json:"failed,omitempty"`
	Models  []ModelDescriptor `json:"-"`
}

// Mount wires every active plugin into a, dependencies first. A plugin
// whose dependencies are not all mounted is skipped. A plugin whose routes
// conflict, or whose OnInit fails, is reported as failed and none of its
// routes or templates are installed; the rest still mount. Only a cyclic
// graph aborts.
func (r *Registry) Mount(ctx context.Context, a *app.App) (*MountReport, error) {
	active, err := r.activeSet(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range r.Names() {
		if active[name] {
			names = append(names, name)
		}
	}

	order, missing, err := r.graph().order(names)
	if err != nil {
		return nil, err
	}

	report := &MountReport{Order: order}
	mounted := make(map[string]bool, len(order))
	claims := routeClaims{}
	for _, name := range order {
		p, _ := r.Get(name)
		m := p.Manifest()

		if deps := missing[name]; len(deps) > 0 {
			r.skip(report, name, fmt.Sprintf("dependency %s is not registered", deps[0]))
			continue
		}
		if dep, ok := firstUnmounted(m.Dependencies, active, mounted); !ok {
			r.skip(report, name, fmt.Sprintf("dependency %s is not active", dep))
			continue
		}
		if err := checkInstalled(p); err != nil {
			r.skip(report, name, err.Error())
			continue
		}

		if err := r.mountOne(p, a, claims); err != nil {
			r.logger.Error("Plugin mount failed", "plugin", name, "error", err)
			report.Failed = append(report.Failed, MountFailure{Plugin: name, Reason: err.Error()})
			continue
		}

		mounted[name] = true
		report.Mounted = append(report.Mounted, name)
		report.Models = append(report.Models, p.Models()...)
		r.logger.Info("Plugin mounted", "plugin", name, "version", m.Version)
	}
	return report, nil
}

// mountOne installs a single plugin. Routes are built off the host router
// and attached, together with the template layer, only after OnInit
// succeeds.
func (r *Registry) mountOne(p Plugin, a *app.App, claims routeClaims) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while mounting: %v", rec)
		}
	}()
	name := p.Manifest().Name
	groups := p.Routes()
	if err := claims.check(name, groups); err != nil {
		return err
	}
	staged, err := stageRoutes(groups)
	if err != nil {
		return err
	}
	if err := initPlugin(p, a); err != nil {
		return err
	}
	if err := attachRoutes(a.Router, staged); err != nil {
		return err
	}
	claims.claim(name, groups)
	if fsys := templateFS(p); fsys != nil {
		a.Templates.AddPlugin(name, fsys)
	}
	return nil
}

func (r *Registry) skip(report *MountReport, name, reason string) {
	r.logger.Warn("Skipping plugin", "plugin", name, "reason", reason)
	report.Skipped = append(report.Skipped, MountFailure{Plugin: name, Reason: reason})
}

func firstUnmounted(deps []string, active, mounted map[string]bool) (string, bool) {
	for _, dep := range deps {
		if !active[dep] || !mounted[dep] {
			return dep, false
		}
	}
	return "", true
}

func templateFS(p Plugin) fs.FS {
	if e, ok := p.(EmbeddedTemplates); ok {
		if fsys := e.TemplateFS(); fsys != nil {
			return fsys
		}
	}
	if dir := p.TemplateFolder(); dir != "" {
		return os.DirFS(dir)
	}
	return nil
}

func initPlugin(p Plugin, a *app.App) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in OnInit: %v", rec)
		}
	}()
	return p.OnInit(a)
}

// Migrator applies one set of goose migrations, tracked in versionTable.
type Migrator interface {
	Migrate(ctx context.Context, versionTable string, fsys fs.FS) (int, error)
}

// MigrationResult is the outcome of RunMigrations.
type MigrationResult struct {
	Migrated []string `json:"migrated"`
	Applied  int      `json:"applied"`
	Failed   []string `json:"failed,omitempty"`
}

// VersionTableKey names the goose version table for one plugin model.
func VersionTableKey(plugin, model string) string {
	return plugin + "_" + model
}

// RunMigrations applies the model migrations of every plugin in the
// pending list. Plugins that migrate cleanly leave the list. With a nil
// migrator there is no SQL database and the list is simply cleared.
func (r *Registry) RunMigrations(ctx context.Context, m Migrator) (*MigrationResult, error) {
	flags := status.New(r.store)
	pending, err := flags.PendingMigrations(ctx)
	if err != nil {
		return nil, err
	}
	result := &MigrationResult{}
	if len(pending) == 0 {
		return result, nil
	}
	if m == nil {
		r.logger.Info("No database configured, clearing pending migrations", "plugins", pending)
		result.Migrated = pending
		return result, flags.ClearPendingMigrations(ctx)
	}

	var errs []error
	for _, name := range pending {
		p, ok := r.Get(name)
		if !ok {
			r.logger.Warn("Pending migration for unknown plugin", "plugin", name)
			result.Migrated = append(result.Migrated, name)
			continue
		}
		n, err := migratePlugin(ctx, m, name, p.Models())
		result.Applied += n
		if err != nil {
			errs = append(errs, err)
			result.Failed = append(result.Failed, name)
			continue
		}
		result.Migrated = append(result.Migrated, name)
	}

	if err := flags.RemovePendingMigrations(ctx, result.Migrated...); err != nil {
		errs = append(errs, err)
	}
	if len(result.Migrated) > 0 {
		r.publish(events.New(events.MigrationsApplied, "", "").With("plugins", fmt.Sprint(result.Migrated)))
	}
	slices.Sort(result.Failed)
	return result, errors.Join(errs...)
}

func migratePlugin(ctx context.Context, m Migrator, name string, models []ModelDescriptor) (int, error) {
	total := 0
	for _, model := range models {
		if model.Migrations == nil {
			continue
		}
		n, err := m.Migrate(ctx, VersionTableKey(name, model.Name), model.Migrations)
		total += n
		if err != nil {
			return total, fmt.Errorf("plugin %s model %s: %w", name, model.Name, err)
		}
	}
	return total, nil
}
