package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/store"
)

// CodeRouteConflict is returned by RouteConflictError.Code.
const CodeRouteConflict = "ROUTE_CONFLICT"

// reservedPrefixes belong to the host router. Plugins may not mount on them
// or below them.
var reservedPrefixes = []string{"/admin", "/api", "/static", "/health", "/ready"}

// RouteConflictError rejects a route prefix that is reserved by the host or
// already claimed by another plugin.
type RouteConflictError struct {
	Plugin string
	Prefix string
	Owner  string // "host" for reserved prefixes
}

func (e *RouteConflictError) Error() string {
	if e.Owner == "host" {
		return fmt.Sprintf("plugin %q cannot mount routes on reserved prefix %s", e.Plugin, e.Prefix)
	}
	return fmt.Sprintf("plugin %q route prefix %s overlaps routes of plugin %q", e.Plugin, e.Prefix, e.Owner)
}

func (e *RouteConflictError) Code() string { return CodeRouteConflict }

func normalizePrefix(prefix string) string {
	return "/" + strings.Trim(prefix, "/")
}

// overlaps reports whether one prefix is the other or a path ancestor of it.
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// routeClaims maps normalized prefixes to the plugin that mounts them.
type routeClaims map[string]string

// check verifies every group of plugin name against the reserved prefixes
// and the existing claims. It does not record anything.
func (c routeClaims) check(name string, groups []RouteGroup) error {
	seen := make(map[string]bool, len(groups))
	for _, rg := range groups {
		if rg.Mount == nil {
			continue
		}
		prefix := normalizePrefix(rg.Prefix)
		if prefix == "/" {
			return &RouteConflictError{Plugin: name, Prefix: prefix, Owner: "host"}
		}
		for _, reserved := range reservedPrefixes {
			if overlaps(prefix, reserved) {
				return &RouteConflictError{Plugin: name, Prefix: prefix, Owner: "host"}
			}
		}
		for claimed, owner := range c {
			if owner != name && overlaps(prefix, claimed) {
				return &RouteConflictError{Plugin: name, Prefix: prefix, Owner: owner}
			}
		}
		for other := range seen {
			if overlaps(prefix, other) {
				return &RouteConflictError{Plugin: name, Prefix: prefix, Owner: name}
			}
		}
		seen[prefix] = true
	}
	return nil
}

func (c routeClaims) claim(name string, groups []RouteGroup) {
	for _, rg := range groups {
		if rg.Mount != nil {
			c[normalizePrefix(rg.Prefix)] = name
		}
	}
}

// checkRouteClaims rejects p when its prefixes collide with the host or with
// a plugin that is currently active.
func (r *Registry) checkRouteClaims(ctx context.Context, q store.Querier, p Plugin) error {
	name := p.Manifest().Name
	recs, err := q.ListActivations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list activations: %w", err)
	}
	claims := routeClaims{}
	for _, rec := range recs {
		if !rec.IsActive || rec.PluginName == name {
			continue
		}
		if other, ok := r.Get(rec.PluginName); ok {
			claims.claim(rec.PluginName, other.Routes())
		}
	}
	return claims.check(name, p.Routes())
}

// stagedRoute is a route group already built into its own router, ready to
// be attached to the host.
type stagedRoute struct {
	prefix string
	router chi.Router
}

// stageRoutes builds each group on a fresh router so a panicking Mount
// func never touches the host router.
func stageRoutes(groups []RouteGroup) (staged []stagedRoute, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			staged, err = nil, fmt.Errorf("panic while building routes: %v", rec)
		}
	}()
	for _, rg := range groups {
		if rg.Mount == nil {
			continue
		}
		sub := chi.NewRouter()
		rg.Mount(sub)
		staged = append(staged, stagedRoute{prefix: normalizePrefix(rg.Prefix), router: sub})
	}
	return staged, nil
}

func attachRoutes(host chi.Router, staged []stagedRoute) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while mounting routes: %v", rec)
		}
	}()
	for _, s := range staged {
		host.Mount(s.prefix, s.router)
	}
	return nil
}
