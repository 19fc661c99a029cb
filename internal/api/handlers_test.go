package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/auth"
	"github.com/modhost/modhost/internal/config"
	"github.com/modhost/modhost/internal/middleware"
	"github.com/modhost/modhost/internal/plugins"
	"github.com/modhost/modhost/internal/restart"
	"github.com/modhost/modhost/internal/settings"
	"github.com/modhost/modhost/internal/status"
	"github.com/modhost/modhost/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	plugins.Base
	manifest plugins.Manifest
	schema   []plugins.FieldDescriptor
}

func (p *stubPlugin) Manifest() plugins.Manifest                { return p.manifest }
func (p *stubPlugin) SettingsSchema() []plugins.FieldDescriptor { return p.schema }

type fakeStrategy struct {
	err   error
	calls int
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Restart(context.Context) error {
	f.calls++
	return f.err
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type env struct {
	handler  http.Handler
	auth     *auth.Service
	store    *store.MemoryStore
	registry *plugins.Registry
	strategy *fakeStrategy
	token    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authService, err := auth.NewService(config.AuthConfig{
		AdminUsername:  "admin",
		AdminPassword:  "secret",
		AdminCaps:      []string{ManageCapability},
		JWTSecret:      "12345678901234567890123456789012",
		JWTExpiryHours: 1,
		EncryptionKey:  "12345678901234567890123456789012",
	})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	reg := plugins.NewRegistry(st, logger)
	for _, p := range []*stubPlugin{
		{manifest: plugins.Manifest{Name: "pim", Version: "1.0.0", UISlots: map[plugins.SlotKind][]plugins.Contribution{
			plugins.SlotMenu: {{ID: "pim", Label: "Products", URL: "/pim", Order: 20}},
		}}},
		{manifest: plugins.Manifest{Name: "crm", Version: "1.0.0", UISlots: map[plugins.SlotKind][]plugins.Contribution{
			plugins.SlotMenu: {{ID: "crm", Label: "Customers", URL: "/crm", Order: 10}},
		}}},
		{manifest: plugins.Manifest{Name: "pricing", Version: "1.0.0", Dependencies: []string{"pim", "crm"}}},
		{
			manifest: plugins.Manifest{Name: "mailer", Version: "1.0.0"},
			schema: []plugins.FieldDescriptor{
				{Name: "sender", Type: plugins.FieldEmail, Required: true},
				{Name: "api_key", Type: plugins.FieldSecret},
			},
		},
	} {
		require.NoError(t, reg.Register(p))
	}

	strategy := &fakeStrategy{}
	router := chi.NewRouter()
	a := app.New(router, logger)
	a.Templates.AddDefault("default", fstest.MapFS{
		"index.html": {Data: []byte(`{{range .Menu}}[{{.Contribution.Label}}]{{end}}`)},
	})

	Register(router, &Dependencies{
		Config:   &config.Config{},
		Auth:     authService,
		Plugins:  reg,
		Restart:  restart.NewCoordinator(st, strategy, nil, logger),
		Settings: settings.NewService(reg, st, authService, nil, logger),
		Store:    st,
		App:      a,
		Logger:   logger,
	})

	login, err := authService.Login("admin", "secret")
	require.NoError(t, err)

	return &env{
		handler:  router,
		auth:     authService,
		store:    st,
		registry: reg,
		strategy: strategy,
		token:    login.Token,
	}
}

func (e *env) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *env) form(t *testing.T, path string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, path, strings.NewReader(values.Encode()), "application/x-www-form-urlencoded")
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorDetail {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return middleware.ErrorDetail{Code: resp.Error.Code, Message: resp.Error.Message, Details: resp.Error.Details}
}

func TestHealthHandler(t *testing.T) {
	t.Run("Health", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewHealthHandler(nil).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("ReadyStoreUp", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewHealthHandler(store.NewMemoryStore()).Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("ReadyStoreDown", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewHealthHandler(failingPinger{}).Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp ReadinessResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "not_ready", resp.Status)
		assert.Equal(t, "unavailable", resp.Checks["store"])
	})
}

func TestLogin(t *testing.T) {
	e := newEnv(t)

	t.Run("Success", func(t *testing.T) {
		body, _ := json.Marshal(auth.LoginRequest{Username: "admin", Password: "secret"})
		w := e.do(t, http.MethodPost, "/api/v1/login", bytes.NewReader(body), "application/json")
		require.Equal(t, http.StatusOK, w.Code)

		var resp auth.LoginResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Token)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		body, _ := json.Marshal(auth.LoginRequest{Username: "admin", Password: "nope"})
		w := e.do(t, http.MethodPost, "/api/v1/login", bytes.NewReader(body), "application/json")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("MissingFields", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/api/v1/login", strings.NewReader(`{"username":"admin"}`), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAdminRequiresCapability(t *testing.T) {
	e := newEnv(t)

	t.Run("NoToken", func(t *testing.T) {
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/plugins/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("MissingCapability", func(t *testing.T) {
		viewer, err := e.auth.IssueToken("viewer", []string{"reports.read"})
		require.NoError(t, err)
		e.token = viewer.Token

		w := e.do(t, http.MethodPost, "/admin/plugins/pim/activate", nil, "")
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "FORBIDDEN", decodeError(t, w).Code)

		active, err := e.registry.ActiveNames(context.Background())
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestActivateDependencyOrder(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/admin/plugins/pricing/activate", nil, "")
	require.Equal(t, http.StatusConflict, w.Code)
	detail := decodeError(t, w)
	assert.Equal(t, plugins.CodeDependencyInactive, detail.Code)
	assert.JSONEq(t, `{"dependency":"pim"}`, string(detail.Details.(json.RawMessage)))

	for _, name := range []string{"pim", "crm", "pricing"} {
		w = e.do(t, http.MethodPost, "/admin/plugins/"+name+"/activate", nil, "")
		require.Equal(t, http.StatusOK, w.Code, name)
	}

	var resp ActivationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Active)
	assert.True(t, resp.RestartRequired)

	w = e.do(t, http.MethodPost, "/admin/plugins/ghost/activate", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeactivateReportsChange(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/admin/plugins/pim/deactivate", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ActivationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Changed)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/admin/plugins/pim/activate", nil, "").Code)
	w = e.do(t, http.MethodPost, "/admin/plugins/pim/deactivate", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Changed)

	w = e.do(t, http.MethodGet, "/admin/plugins/pim/history?limit=10", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	assert.Equal(t, 2, history.Total)

	w = e.do(t, http.MethodGet, "/admin/plugins/pim/history?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndContributions(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"pim", "crm"} {
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/admin/plugins/"+name+"/activate", nil, "").Code)
	}

	w := e.do(t, http.MethodGet, "/admin/plugins/", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data  []plugins.PluginStatus `json:"data"`
		Total int                    `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, 4, list.Total)

	w = e.do(t, http.MethodGet, "/admin/plugins/contributions/menu", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var menu struct {
		Data []plugins.PluginContribution `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&menu))
	require.Len(t, menu.Data, 2)
	assert.Equal(t, "crm", menu.Data[0].Plugin)
	assert.Equal(t, "pim", menu.Data[1].Plugin)

	w = e.do(t, http.MethodGet, "/admin/plugins/contributions/sidebar", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHomeRendersActiveMenu(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/admin/plugins/pim/activate", nil, "").Code)

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[Products]", w.Body.String())
}

func TestScheduleRestart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	t.Run("Hours", func(t *testing.T) {
		w := e.form(t, "/admin/plugins/restart/schedule", url.Values{
			"schedule_type":  {"hours"},
			"schedule_value": {"2"},
		})
		require.Equal(t, http.StatusOK, w.Code)

		at, err := status.New(e.store).ScheduledAt(ctx)
		require.NoError(t, err)
		require.NotNil(t, at)
		assert.WithinDuration(t, time.Now().Add(2*time.Hour), *at, time.Minute)
	})

	t.Run("DatetimeReplacesEarlier", func(t *testing.T) {
		target := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Minute)
		w := e.form(t, "/admin/plugins/restart/schedule", url.Values{
			"schedule_type":  {"datetime"},
			"schedule_value": {target.Format("2006-01-02T15:04")},
		})
		require.Equal(t, http.StatusOK, w.Code)

		at, err := status.New(e.store).ScheduledAt(ctx)
		require.NoError(t, err)
		require.NotNil(t, at)
		assert.True(t, target.Equal(*at))
	})

	for name, values := range map[string]url.Values{
		"UnknownType":   {"schedule_type": {"weeks"}, "schedule_value": {"1"}},
		"MissingValue":  {"schedule_type": {"hours"}},
		"ZeroHours":     {"schedule_type": {"hours"}, "schedule_value": {"0"}},
		"BadDatetime":   {"schedule_type": {"datetime"}, "schedule_value": {"tomorrow"}},
		"PastDatetime":  {"schedule_type": {"datetime"}, "schedule_value": {"2001-01-01T00:00"}},
		"NegativeHours": {"schedule_type": {"hours"}, "schedule_value": {"-3"}},
	} {
		t.Run(name, func(t *testing.T) {
			w := e.form(t, "/admin/plugins/restart/schedule", values)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	t.Run("CancelKeepsRequired", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/admin/plugins/restart/cancel", nil, "")
		require.Equal(t, http.StatusOK, w.Code)

		var st restart.Status
		require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
		assert.Nil(t, st.ScheduledAt)
		assert.True(t, st.RestartRequired)
	})
}

func TestRestartFailureKeepsFlag(t *testing.T) {
	e := newEnv(t)
	e.strategy.err = errors.New("supervisor unreachable")

	w := e.do(t, http.MethodPost, "/admin/plugins/restart", nil, "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "RESTART_FAILED", decodeError(t, w).Code)
	assert.Equal(t, 1, e.strategy.calls)

	required, err := status.New(e.store).RestartRequired(context.Background())
	require.NoError(t, err)
	assert.True(t, required)

	e.strategy.err = nil
	w = e.do(t, http.MethodPost, "/admin/plugins/restart", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 2, e.strategy.calls)
}

func TestSettingsEndpoints(t *testing.T) {
	e := newEnv(t)

	w := e.form(t, "/admin/plugins/mailer/settings", url.Values{"sender": {"not-an-email"}})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)

	body := `{"sender":"shop@example.com","api_key":"k-1"}`
	w = e.do(t, http.MethodPost, "/admin/plugins/mailer/settings", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/admin/plugins/mailer/settings", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var view settings.View
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	require.Len(t, view.Fields, 2)
	assert.Equal(t, "shop@example.com", view.Fields[0].Value)
	assert.Equal(t, settings.Mask, view.Fields[1].Value)

	w = e.do(t, http.MethodGet, "/admin/plugins/ghost/settings", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunMigrationsWithoutDatabase(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/admin/plugins/pim/activate", nil, "").Code)

	w := e.do(t, http.MethodPost, "/admin/plugins/migrations", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	pending, err := e.registry.PendingMigrations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestParseSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	at, err := parseSchedule(ScheduleRequest{Type: "hours", Value: "1.5"}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Minute), at)

	at, err = parseSchedule(ScheduleRequest{Type: "datetime", Value: "2026-03-02T08:30:00+02:00"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC), at)

	_, err = parseSchedule(ScheduleRequest{Type: "datetime", Value: "2026-03-01T12:00"}, now)
	assert.ErrorIs(t, err, errScheduleInPast)
}
