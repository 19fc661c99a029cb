package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ScheduleRequest is the form posted to /admin/plugins/restart/schedule.
type ScheduleRequest struct {
	Type  string `validate:"required,oneof=hours datetime"`
	Value string `validate:"required"`
}

const localDateTime = "2006-01-02T15:04"

var errScheduleInPast = errors.New("restart time must be in the future")

// parseSchedule turns a schedule request into an absolute UTC time.
func parseSchedule(req ScheduleRequest, now time.Time) (time.Time, error) {
	switch req.Type {
	case "hours":
		hours, err := strconv.ParseFloat(req.Value, 64)
		if err != nil || hours <= 0 {
			return time.Time{}, errors.New("hours must be a positive number")
		}
		return now.Add(time.Duration(hours * float64(time.Hour))).UTC(), nil
	default:
		at, err := time.Parse(time.RFC3339, req.Value)
		if err != nil {
			at, err = time.ParseInLocation(localDateTime, req.Value, time.UTC)
		}
		if err != nil {
			return time.Time{}, errors.New("datetime must be RFC 3339 or YYYY-MM-DDTHH:MM")
		}
		if !at.After(now) {
			return time.Time{}, errScheduleInPast
		}
		return at.UTC(), nil
	}
}

// RestartStatus handles GET /admin/plugins/restart
func (h *Handler) RestartStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Restart.Status(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}

// Restart handles POST /admin/plugins/restart
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Restart.RequestRestart(r.Context(), true); err != nil {
		h.handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{
		"status":   "restarting",
		"strategy": h.deps.Restart.Strategy().Name(),
	})
}

// ScheduleRestart handles POST /admin/plugins/restart/schedule
func (h *Handler) ScheduleRestart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_FORM", "Invalid form body", nil)
		return
	}
	req := ScheduleRequest{
		Type:  r.PostForm.Get("schedule_type"),
		Value: r.PostForm.Get("schedule_value"),
	}
	if err := validate.Struct(req); err != nil {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "schedule_type must be hours or datetime and schedule_value is required", err.Error())
		return
	}

	at, err := parseSchedule(req, time.Now())
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error(), nil)
		return
	}
	if err := h.deps.Restart.ScheduleRestart(r.Context(), at); err != nil {
		h.handleError(w, r, err)
		return
	}

	st, err := h.deps.Restart.Status(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}

// CancelRestart handles POST /admin/plugins/restart/cancel
func (h *Handler) CancelRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Restart.CancelScheduledRestart(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	st, err := h.deps.Restart.Status(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}
