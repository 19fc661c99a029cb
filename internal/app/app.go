// Package app defines the host application context handed to plugin,
// theme and bundle hooks.
package app

import (
	"cmp"
	"io/fs"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/nav"
	"github.com/modhost/modhost/internal/slots"
	"github.com/modhost/modhost/internal/templates"
)

// StaticPrefix is where every static mount lives.
const StaticPrefix = "/static/"

// App is constructed once at bootstrap and passed explicitly to hooks.
type App struct {
	Router    chi.Router
	Slots     *slots.Dispatcher
	Templates *templates.Chain
	Nav       *nav.Registry
	Logger    *slog.Logger

	mu     sync.RWMutex
	static map[string]fs.FS
}

// New wires a fresh App around router.
func New(router chi.Router, logger *slog.Logger) *App {
	return &App{
		Router:    router,
		Slots:     slots.NewDispatcher(logger),
		Templates: templates.NewChain(),
		Nav:       nav.NewRegistry(),
		Logger:    logger,
		static:    make(map[string]fs.FS),
	}
}

// MountStatic serves fsys under prefix, which must start with StaticPrefix.
// Mounting the same prefix again replaces the previous filesystem.
func (a *App) MountStatic(prefix string, fsys fs.FS) {
	prefix = normalizePrefix(prefix)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.static[prefix] = fsys
}

// UnmountStatic removes a static mount and reports whether it existed.
func (a *App) UnmountStatic(prefix string) bool {
	prefix = normalizePrefix(prefix)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.static[prefix]
	delete(a.static, prefix)
	return ok
}

// StaticMounts lists the mounted prefixes, longest first.
func (a *App) StaticMounts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	prefixes := slices.Collect(maps.Keys(a.static))
	slices.SortFunc(prefixes, func(x, y string) int {
		return cmp.Or(cmp.Compare(len(y), len(x)), cmp.Compare(x, y))
	})
	return prefixes
}

// ServeStatic dispatches StaticPrefix requests to the longest matching
// mount. Routers mount it once at StaticPrefix + "*".
func (a *App) ServeStatic(w http.ResponseWriter, r *http.Request) {
	for _, prefix := range a.StaticMounts() {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			continue
		}
		a.mu.RLock()
		fsys := a.static[prefix]
		a.mu.RUnlock()
		if fsys == nil {
			continue
		}
		http.StripPrefix(prefix, http.FileServerFS(fsys)).ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

// Render resolves name through the template chain with the slot helper
// available.
func (a *App) Render(w http.ResponseWriter, r *http.Request, name string, data any) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return a.Templates.Render(w, name, data, a.Slots.FuncMap(r.Context()))
}

func normalizePrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
