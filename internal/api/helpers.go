package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/modhost/modhost/internal/middleware"
	"github.com/modhost/modhost/internal/plugins"
	"github.com/modhost/modhost/internal/restart"
	"github.com/modhost/modhost/internal/settings"
	"github.com/modhost/modhost/internal/theme"
)

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// sendListResponse sends a standardized list response
func sendListResponse(w http.ResponseWriter, data interface{}, total int) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"data":  data,
		"total": total,
	})
}

// sendError sends a standardized error response
func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}

	json.NewEncoder(w).Encode(response)
}

// decodeJSON decodes request body with error handling
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

// parseLimit reads an optional positive ?limit= query parameter.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		sendError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
		return 0, false
	}
	return n, true
}

type coded interface {
	Code() string
}

// handleError maps domain errors to HTTP statuses. Unknown errors become
// 500 and are not echoed to the client.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound     *plugins.PluginNotFoundError
		notInstalled *plugins.PluginNotInstalledError
		depInactive  *plugins.DependencyNotActivatedError
		cyclic       *plugins.CyclicDependencyError
		routeClash   *plugins.RouteConflictError
		invalid      *plugins.InvalidManifestError
		themeMissing *theme.ThemeNotFoundError
		bundleGone   *theme.BundleNotFoundError
		bundleReq    *theme.BundleValidationError
		settingsErr  *settings.ValidationError
		restartErr   *restart.RestartError
		c            coded
	)
	code := "INTERNAL_ERROR"
	if errors.As(err, &c) {
		code = c.Code()
	}

	switch {
	case errors.As(err, &notFound):
		sendError(w, r, http.StatusNotFound, code, err.Error(), nil)
	case errors.As(err, &themeMissing), errors.As(err, &bundleGone):
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.As(err, &notInstalled), errors.As(err, &cyclic):
		sendError(w, r, http.StatusConflict, code, err.Error(), nil)
	case errors.As(err, &depInactive):
		sendError(w, r, http.StatusConflict, code, err.Error(), map[string]string{"dependency": depInactive.Dependency})
	case errors.As(err, &routeClash):
		sendError(w, r, http.StatusConflict, code, err.Error(), map[string]string{"prefix": routeClash.Prefix, "owner": routeClash.Owner})
	case errors.As(err, &invalid):
		sendError(w, r, http.StatusUnprocessableEntity, code, err.Error(), nil)
	case errors.As(err, &bundleReq):
		sendError(w, r, http.StatusUnprocessableEntity, "BUNDLE_INVALID", err.Error(), map[string][]string{"missing": bundleReq.Missing})
	case errors.As(err, &settingsErr):
		sendError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid settings", settingsErr.Fields)
	case errors.As(err, &restartErr):
		sendError(w, r, http.StatusBadGateway, "RESTART_FAILED", err.Error(), map[string]any{
			"strategy":         restartErr.Strategy,
			"restart_required": true,
		})
	default:
		h.logger.Error("Request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
