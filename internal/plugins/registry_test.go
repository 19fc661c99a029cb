package plugins

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/discovery"
	"github.com/modhost/modhost/internal/events"
	"github.com/modhost/modhost/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPlugin struct {
	Base
	manifest  Manifest
	templates string
	routes    []RouteGroup
	models    []ModelDescriptor
	initErr   error
	initPanic bool
	inits     int
}

func (p *testPlugin) Manifest() Manifest        { return p.manifest }
func (p *testPlugin) TemplateFolder() string    { return p.templates }
func (p *testPlugin) Routes() []RouteGroup      { return p.routes }
func (p *testPlugin) Models() []ModelDescriptor { return p.models }

func (p *testPlugin) OnInit(*app.App) error {
	p.inits++
	if p.initPanic {
		panic("boom")
	}
	return p.initErr
}

func newPlugin(name string, deps ...string) *testPlugin {
	return &testPlugin{manifest: Manifest{Name: name, Version: "1.0.0", Dependencies: deps}}
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) bool {
	p.events = append(p.events, ev)
	return true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, plugins ...Plugin) (*Registry, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	r := NewRegistry(st, quietLogger(), WithPublisher(pub))
	for _, p := range plugins {
		require.NoError(t, r.Register(p))
	}
	return r, st, pub
}

func TestActivateDependencyOrder(t *testing.T) {
	ctx := context.Background()
	r, _, pub := newTestRegistry(t,
		newPlugin("base"),
		newPlugin("crm", "base"),
		newPlugin("pim", "base"),
		newPlugin("pricing", "pim", "crm"),
	)

	_, err := r.Activate(ctx, "pricing", "admin")
	var depErr *DependencyNotActivatedError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "pim", depErr.Dependency)
	assert.True(t, depErr.Registered)

	required, err := r.IsRestartRequired(ctx)
	require.NoError(t, err)
	assert.False(t, required)

	for _, name := range []string{"base", "pim", "crm"} {
		_, err := r.Activate(ctx, name, "admin")
		require.NoError(t, err)
	}
	rec, err := r.Activate(ctx, "pricing", "admin")
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Equal(t, "admin", rec.ActivatedBy)

	required, err = r.IsRestartRequired(ctx)
	require.NoError(t, err)
	assert.True(t, required)

	pending, err := r.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "crm", "pim", "pricing"}, pending)
	assert.Len(t, pub.events, 4)
}

func TestActivateCheckOrder(t *testing.T) {
	ctx := context.Background()
	missing := newPlugin("ghost-ui", "base")
	missing.templates = filepath.Join(t.TempDir(), "nope")
	r, _, _ := newTestRegistry(t, newPlugin("base"), missing)

	_, err := r.Activate(ctx, "unknown", "admin")
	var nf *PluginNotFoundError
	require.ErrorAs(t, err, &nf)

	// Installation is checked before dependencies.
	_, err = r.Activate(ctx, "ghost-ui", "admin")
	var ni *PluginNotInstalledError
	require.ErrorAs(t, err, &ni)
	assert.Equal(t, "ghost-ui", ni.Name)
}

func TestActivateUnregisteredDependency(t *testing.T) {
	r, _, _ := newTestRegistry(t, newPlugin("orphan", "absent"))

	_, err := r.Activate(context.Background(), "orphan", "admin")
	var depErr *DependencyNotActivatedError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "absent", depErr.Dependency)
	assert.False(t, depErr.Registered)
}

func TestActivateIdempotent(t *testing.T) {
	ctx := context.Background()
	r, st, pub := newTestRegistry(t, newPlugin("base"))

	first, err := r.Activate(ctx, "base", "alice")
	require.NoError(t, err)
	second, err := r.Activate(ctx, "base", "bob")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	history, err := st.ListActivationEvents(ctx, "base", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, pub.events, 1)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	r := NewRegistry(st, quietLogger(), WithClock(func() time.Time { return clock }))
	require.NoError(t, r.Register(newPlugin("base")))
	require.NoError(t, r.Register(newPlugin("crm", "base")))

	changed, err := r.Deactivate(ctx, "base", "admin")
	require.NoError(t, err)
	assert.False(t, changed, "never activated")

	_, err = r.Deactivate(ctx, "missing", "admin")
	var nf *PluginNotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = r.Activate(ctx, "base", "admin")
	require.NoError(t, err)
	_, err = r.Activate(ctx, "crm", "admin")
	require.NoError(t, err)
	require.NoError(t, r.store.SetStatus(ctx, "restart_required", "false"))

	clock = clock.Add(time.Hour)
	changed, err = r.Deactivate(ctx, "base", "admin")
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := st.GetActivation(ctx, "base")
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	require.NotNil(t, rec.ActivatedAt)
	require.NotNil(t, rec.DeactivatedAt)
	assert.True(t, rec.DeactivatedAt.After(*rec.ActivatedAt))

	required, err := r.IsRestartRequired(ctx)
	require.NoError(t, err)
	assert.True(t, required)

	changed, err = r.Deactivate(ctx, "base", "admin")
	require.NoError(t, err)
	assert.False(t, changed)

	history, err := r.History(ctx, "base", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.ActionDeactivate, history[0].Action)
}

func TestRegisterDuplicateAndInvalid(t *testing.T) {
	r, _, _ := newTestRegistry(t, newPlugin("crm"))

	var dup *DuplicateManifestError
	require.ErrorAs(t, r.Register(newPlugin("crm")), &dup)

	var invalid *InvalidManifestError
	require.ErrorAs(t, r.Register(&testPlugin{manifest: Manifest{Name: "Bad Name", Version: "1.0.0"}}), &invalid)
	require.ErrorAs(t, r.Register(&testPlugin{manifest: Manifest{Name: "ok", Version: "one"}}), &invalid)
	require.ErrorAs(t, r.Register(newPlugin("loop", "loop")), &invalid)
}

func TestDiscoverSkipsBrokenCandidates(t *testing.T) {
	src := discovery.NewListSource("test",
		discovery.Candidate{Group: discovery.GroupPlugins, Name: "crm", Load: discovery.Value(newPlugin("crm"))},
		discovery.Candidate{Group: discovery.GroupPlugins, Name: "broken", Load: func() (any, error) { return nil, errors.New("no factory") }},
		discovery.Candidate{Group: discovery.GroupPlugins, Name: "wrong", Load: discovery.Value("not a plugin")},
		discovery.Candidate{Group: discovery.GroupPlugins, Name: "alias", Load: discovery.Value(newPlugin("pim"))},
		discovery.Candidate{Group: discovery.GroupPlugins, Name: "crm", Load: discovery.Value(newPlugin("crm"))},
	)
	st := store.NewMemoryStore()
	r := NewRegistry(st, quietLogger(), WithSources(src))

	names, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"crm"}, names)

	again, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, names, again)
}

func TestValidateGraph(t *testing.T) {
	r, _, _ := newTestRegistry(t,
		newPlugin("pricing", "pim", "crm"),
		newPlugin("crm", "base"),
		newPlugin("pim", "base"),
		newPlugin("base"),
	)
	order, err := r.ValidateGraph()
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "crm", "pim", "pricing"}, order)

	require.NoError(t, r.Register(newPlugin("a", "b")))
	require.NoError(t, r.Register(newPlugin("b", "a")))
	_, err = r.ValidateGraph()
	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"a", "b", "a"}, cyc.Cycle)
}

func TestValidateGraphMissingDependency(t *testing.T) {
	r, _, _ := newTestRegistry(t, newPlugin("pricing", "pim"))
	_, err := r.ValidateGraph()
	var depErr *DependencyNotActivatedError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "pim", depErr.Dependency)
}

func TestContributionsOrder(t *testing.T) {
	ctx := context.Background()
	crm := newPlugin("crm")
	crm.manifest.UISlots = map[SlotKind][]Contribution{
		SlotMenu: {{ID: "contacts", Label: "Contacts", Order: 20}, {ID: "deals", Label: "Deals", Order: 10}},
	}
	pim := newPlugin("pim")
	pim.manifest.UISlots = map[SlotKind][]Contribution{
		SlotMenu: {{ID: "products", Label: "Products", Order: 10}},
	}
	idle := newPlugin("idle")
	idle.manifest.UISlots = map[SlotKind][]Contribution{
		SlotMenu: {{ID: "hidden", Label: "Hidden", Order: 1}},
	}
	r, _, _ := newTestRegistry(t, crm, pim, idle)
	for _, name := range []string{"crm", "pim"} {
		_, err := r.Activate(ctx, name, "admin")
		require.NoError(t, err)
	}

	got, err := r.Contributions(ctx, SlotMenu)
	require.NoError(t, err)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.Plugin+"/"+c.ID)
	}
	assert.Equal(t, []string{"crm/deals", "pim/products", "crm/contacts"}, ids)
}

func TestPluginsWithStatus(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t, newPlugin("base"), newPlugin("crm", "base"))
	_, err := r.Activate(ctx, "base", "admin")
	require.NoError(t, err)

	list, err := r.PluginsWithStatus(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	base, crm := list[0], list[1]
	assert.True(t, base.Active)
	assert.True(t, base.MigrationPending)
	assert.Equal(t, []string{"crm"}, base.Dependents)
	assert.Equal(t, "explicit", base.Origin)
	assert.False(t, crm.Active)
	assert.Nil(t, crm.Record)
	assert.Empty(t, crm.MissingDependencies)
}

func TestMount(t *testing.T) {
	ctx := context.Background()
	tmplDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "crm.html"), []byte("crm page"), 0o644))

	base := newPlugin("base")
	crm := newPlugin("crm", "base")
	crm.templates = tmplDir
	crm.routes = []RouteGroup{{Prefix: "/crm", Mount: func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("pong")) })
	}}}
	crm.models = []ModelDescriptor{{Name: "contact", Table: "crm_contacts"}}
	broken := newPlugin("broken", "base")
	broken.initErr = errors.New("init failed")
	panicky := newPlugin("panicky")
	panicky.initPanic = true
	reports := newPlugin("reports", "crm", "broken")

	r, _, _ := newTestRegistry(t, base, crm, broken, panicky, reports)
	for _, name := range []string{"base", "crm", "broken", "panicky", "reports"} {
		_, err := r.Activate(ctx, name, "admin")
		require.NoError(t, err)
	}

	router := chi.NewRouter()
	a := app.New(router, quietLogger())
	report, err := r.Mount(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, []string{"base", "crm"}, report.Mounted)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "broken", report.Failed[0].Plugin)
	assert.Equal(t, "panicky", report.Failed[1].Plugin)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "reports", report.Skipped[0].Plugin)
	assert.Len(t, report.Models, 1)
	assert.Equal(t, 1, crm.inits)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/crm/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())

	layer, err := a.Templates.Resolve("crm.html")
	require.NoError(t, err)
	assert.Equal(t, "crm", layer.Name)
}

func TestMountSkipsInactiveDependency(t *testing.T) {
	ctx := context.Background()
	base := newPlugin("base")
	crm := newPlugin("crm", "base")
	r, _, _ := newTestRegistry(t, base, crm)
	_, err := r.Activate(ctx, "base", "admin")
	require.NoError(t, err)
	_, err = r.Activate(ctx, "crm", "admin")
	require.NoError(t, err)
	_, err = r.Deactivate(ctx, "base", "admin")
	require.NoError(t, err)

	report, err := r.Mount(ctx, app.New(chi.NewRouter(), quietLogger()))
	require.NoError(t, err)
	assert.Empty(t, report.Mounted)
	require.Len(t, report.Skipped, 1)
	assert.Contains(t, report.Skipped[0].Reason, "base")
	assert.Zero(t, crm.inits)
}

type fakeMigrator struct {
	tables []string
	fail   map[string]error
}

func (m *fakeMigrator) Migrate(_ context.Context, table string, _ fs.FS) (int, error) {
	m.tables = append(m.tables, table)
	if err := m.fail[table]; err != nil {
		return 0, err
	}
	return 1, nil
}

func TestRunMigrations(t *testing.T) {
	ctx := context.Background()
	migrations := fstest.MapFS{"00001_init.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")}}
	crm := newPlugin("crm")
	crm.models = []ModelDescriptor{{Name: "contact", Migrations: migrations}, {Name: "note"}}
	pim := newPlugin("pim")
	pim.models = []ModelDescriptor{{Name: "product", Migrations: migrations}}
	r, _, pub := newTestRegistry(t, crm, pim)
	for _, name := range []string{"crm", "pim"} {
		_, err := r.Activate(ctx, name, "admin")
		require.NoError(t, err)
	}

	m := &fakeMigrator{fail: map[string]error{"pim_product": errors.New("syntax error")}}
	result, err := r.RunMigrations(ctx, m)
	require.Error(t, err)
	assert.Equal(t, []string{"crm_contact", "pim_product"}, m.tables)
	assert.Equal(t, []string{"crm"}, result.Migrated)
	assert.Equal(t, []string{"pim"}, result.Failed)
	assert.Equal(t, 1, result.Applied)

	pending, err := r.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pim"}, pending)
	assert.Equal(t, events.MigrationsApplied, pub.events[len(pub.events)-1].Type)

	result, err = r.RunMigrations(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"pim"}, result.Migrated)
	pending, err = r.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDiscoverRecoversFromPanickingCandidate(t *testing.T) {
	src := discovery.NewListSource("test",
		discovery.Candidate{Group: discovery.GroupPlugins, Name: "bad", Load: func() (any, error) { panic("factory exploded") }},
		discovery.Candidate{Group: discovery.GroupPlugins, Name: "good", Load: discovery.Value(newPlugin("good"))},
	)
	r := NewRegistry(store.NewMemoryStore(), quietLogger(), WithSources(src))

	names, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, names)
}

func routeTo(body string) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(body)) })
	}
}

func serve(router http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMountFailedInitInstallsNothing(t *testing.T) {
	ctx := context.Background()
	tmplDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "crm.html"), []byte("crm page"), 0o644))

	crm := newPlugin("crm")
	crm.templates = tmplDir
	crm.routes = []RouteGroup{{Prefix: "/crm", Mount: routeTo("served")}}
	crm.initErr = errors.New("init failed")

	r, _, _ := newTestRegistry(t, crm)
	_, err := r.Activate(ctx, "crm", "admin")
	require.NoError(t, err)

	router := chi.NewRouter()
	a := app.New(router, quietLogger())
	report, err := r.Mount(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, report.Mounted)
	require.Len(t, report.Failed, 1)

	assert.Equal(t, http.StatusNotFound, serve(router, "/crm/").Code)
	_, err = a.Templates.Resolve("crm.html")
	assert.Error(t, err)
}

func TestMountRejectsRouteConflicts(t *testing.T) {
	ctx := context.Background()
	aaa := newPlugin("aaa")
	aaa.routes = []RouteGroup{{Prefix: "/shop", Mount: routeTo("aaa")}}
	bbb := newPlugin("bbb")
	bbb.routes = []RouteGroup{{Prefix: "/shop/", Mount: routeTo("bbb")}}
	admin := newPlugin("admin")
	admin.routes = []RouteGroup{{Prefix: "/admin/plugins", Mount: routeTo("admin")}}
	builder := newPlugin("builder")
	builder.routes = []RouteGroup{{Prefix: "/builder", Mount: func(chi.Router) { panic("bad routes") }}}

	r, st, _ := newTestRegistry(t, aaa, bbb, admin, builder)
	// Written directly: Activate refuses the conflicting ones.
	for _, name := range []string{"aaa", "bbb", "admin", "builder"} {
		require.NoError(t, st.UpsertActivation(ctx, store.ActivationRecord{PluginName: name, IsActive: true}))
	}

	router := chi.NewRouter()
	report, err := r.Mount(ctx, app.New(router, quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, []string{"aaa"}, report.Mounted)
	var failed []string
	for _, f := range report.Failed {
		failed = append(failed, f.Plugin)
	}
	assert.ElementsMatch(t, []string{"admin", "bbb", "builder"}, failed)
	assert.Zero(t, builder.inits)
	assert.Equal(t, "aaa", serve(router, "/shop/").Body.String())
}

func TestActivateRejectsRouteConflict(t *testing.T) {
	ctx := context.Background()
	aaa := newPlugin("aaa")
	aaa.routes = []RouteGroup{{Prefix: "/shop", Mount: routeTo("aaa")}}
	bbb := newPlugin("bbb")
	bbb.routes = []RouteGroup{{Prefix: "/shop/cart", Mount: routeTo("bbb")}}
	api := newPlugin("api")
	api.routes = []RouteGroup{{Prefix: "/api/v2", Mount: routeTo("api")}}

	r, st, _ := newTestRegistry(t, aaa, bbb, api)
	_, err := r.Activate(ctx, "aaa", "admin")
	require.NoError(t, err)

	_, err = r.Activate(ctx, "bbb", "admin")
	var clash *RouteConflictError
	require.ErrorAs(t, err, &clash)
	assert.Equal(t, "aaa", clash.Owner)
	_, err = st.GetActivation(ctx, "bbb")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.Activate(ctx, "api", "admin")
	require.ErrorAs(t, err, &clash)
	assert.Equal(t, "host", clash.Owner)

	_, err = r.Deactivate(ctx, "aaa", "admin")
	require.NoError(t, err)
	_, err = r.Activate(ctx, "bbb", "admin")
	assert.NoError(t, err)
}

func TestActivateCancelledLeavesNoTrace(t *testing.T) {
	r, st, pub := newTestRegistry(t, newPlugin("crm"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Activate(ctx, "crm", "admin")
	require.ErrorIs(t, err, context.Canceled)

	bg := context.Background()
	_, err = st.GetActivation(bg, "crm")
	assert.ErrorIs(t, err, store.ErrNotFound)
	required, err := r.IsRestartRequired(bg)
	require.NoError(t, err)
	assert.False(t, required)
	assert.Empty(t, pub.events)
}
