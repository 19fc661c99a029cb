package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/modhost/modhost/internal/middleware"
	"github.com/modhost/modhost/internal/plugins"
	"github.com/modhost/modhost/internal/templates"
)

var validate = validator.New()

// Handler serves the /admin/plugins surface and the home page.
type Handler struct {
	deps   *Dependencies
	logger *slog.Logger
}

func NewHandler(d *Dependencies) *Handler {
	return &Handler{deps: d, logger: d.Logger.With("component", "admin_api")}
}

// ActivationResponse is returned by activate and deactivate.
type ActivationResponse struct {
	Plugin          string `json:"plugin"`
	Active          bool   `json:"active"`
	Changed         bool   `json:"changed,omitempty"`
	RestartRequired bool   `json:"restart_required"`
	Record          any    `json:"record,omitempty"`
}

// List handles GET /admin/plugins
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Plugins.PluginsWithStatus(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendListResponse(w, list, len(list))
}

// Activate handles POST /admin/plugins/{name}/activate
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	rec, err := h.deps.Plugins.Activate(ctx, name, middleware.Username(ctx))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	required, err := h.deps.Plugins.IsRestartRequired(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, ActivationResponse{
		Plugin:          name,
		Active:          true,
		RestartRequired: required,
		Record:          rec,
	})
}

// Deactivate handles POST /admin/plugins/{name}/deactivate
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	changed, err := h.deps.Plugins.Deactivate(ctx, name, middleware.Username(ctx))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	required, err := h.deps.Plugins.IsRestartRequired(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, ActivationResponse{
		Plugin:          name,
		Active:          false,
		Changed:         changed,
		RestartRequired: required,
	})
}

// History handles GET /admin/plugins/{name}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}
	history, err := h.deps.Plugins.History(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendListResponse(w, history, len(history))
}

// Contributions handles GET /admin/plugins/contributions/{kind}
func (h *Handler) Contributions(w http.ResponseWriter, r *http.Request) {
	kind := plugins.SlotKind(chi.URLParam(r, "kind"))
	if !slices.Contains(plugins.SlotKinds, kind) {
		sendError(w, r, http.StatusBadRequest, "INVALID_SLOT_KIND", "Unknown contribution kind", plugins.SlotKinds)
		return
	}
	items, err := h.deps.Plugins.Contributions(r.Context(), kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendListResponse(w, items, len(items))
}

// RunMigrations handles POST /admin/plugins/migrations
func (h *Handler) RunMigrations(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Plugins.RunMigrations(r.Context(), h.deps.Migrator)
	if err != nil {
		h.logger.Error("Plugin migrations failed", "error", err)
		if result == nil {
			h.handleError(w, r, err)
			return
		}
		sendError(w, r, http.StatusInternalServerError, "MIGRATION_FAILED", err.Error(), result)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// GetSettings handles GET /admin/plugins/{name}/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	view, err := h.deps.Settings.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, view)
}

// SaveSettings handles POST /admin/plugins/{name}/settings. It accepts a
// JSON object or a form.
func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var values map[string]string
	if r.Header.Get("Content-Type") == "application/json" {
		v, ok := decodeJSON[map[string]string](w, r)
		if !ok {
			return
		}
		values = v
	} else {
		if err := r.ParseForm(); err != nil {
			sendError(w, r, http.StatusBadRequest, "INVALID_FORM", "Invalid form body", nil)
			return
		}
		values = make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			values[k] = r.PostForm.Get(k)
		}
	}

	if err := h.deps.Settings.Save(ctx, name, values, middleware.Username(ctx)); err != nil {
		h.handleError(w, r, err)
		return
	}
	view, err := h.deps.Settings.Get(ctx, name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, view)
}

// HomePage is the data the index template is rendered with.
type HomePage struct {
	Page    string
	Theme   string
	Menu    []plugins.PluginContribution
	Widgets []plugins.PluginContribution
	Footer  []plugins.PluginContribution
	Nav     any
}

// Home renders index.html through the template chain.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := HomePage{Page: "home", Theme: h.deps.App.Templates.Theme(), Nav: h.deps.App.Nav.List()}
	var err error
	if page.Menu, err = h.deps.Plugins.Contributions(ctx, plugins.SlotMenu); err == nil {
		if page.Widgets, err = h.deps.Plugins.Contributions(ctx, plugins.SlotDashboardWidget); err == nil {
			page.Footer, err = h.deps.Plugins.Contributions(ctx, plugins.SlotFooterLink)
		}
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.deps.App.Render(w, r, "index.html", page); err != nil {
		if errors.Is(err, templates.ErrTemplateNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("Failed to render home page", "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
	}
}
