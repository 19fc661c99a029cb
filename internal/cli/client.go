package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is the decoded error envelope of the admin API.
type APIError struct {
	Status  int
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 && string(e.Details) != "null" {
		return fmt.Sprintf("%s (%d): %s %s", e.Code, e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client talks to the modhost admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PluginStatus mirrors one entry of GET /admin/plugins.
type PluginStatus struct {
	Manifest struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		Dependencies []string `json:"dependencies"`
	} `json:"manifest"`
	Origin              string   `json:"origin"`
	Active              bool     `json:"active"`
	Installed           bool     `json:"installed"`
	InstallError        string   `json:"install_error"`
	MissingDependencies []string `json:"missing_dependencies"`
	MigrationPending    bool     `json:"migration_pending"`
}

// ActivationResult mirrors the activate and deactivate responses.
type ActivationResult struct {
	Plugin          string `json:"plugin"`
	Active          bool   `json:"active"`
	Changed         bool   `json:"changed"`
	RestartRequired bool   `json:"restart_required"`
}

// RestartStatus mirrors GET /admin/plugins/restart.
type RestartStatus struct {
	RestartRequired   bool       `json:"restart_required"`
	ScheduledAt       *time.Time `json:"scheduled_at"`
	Due               bool       `json:"due"`
	Strategy          string     `json:"strategy"`
	PendingMigrations []string   `json:"pending_migrations"`
}

// MigrationResult mirrors POST /admin/plugins/migrations.
type MigrationResult struct {
	Migrated []string `json:"migrated"`
	Applied  int      `json:"applied"`
	Failed   []string `json:"failed"`
}

// HistoryEntry mirrors one activation event.
type HistoryEntry struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

type listEnvelope[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env struct {
			Error APIError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}
		}
		env.Error.Status = resp.StatusCode
		return &env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// Login returns a token for the admin account.
func (c *Client) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	payload, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", time.Time{}, err
	}
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/login", strings.NewReader(string(payload)), "application/json", &resp); err != nil {
		return "", time.Time{}, err
	}
	return resp.Token, resp.ExpiresAt, nil
}

func (c *Client) List(ctx context.Context) ([]PluginStatus, error) {
	var env listEnvelope[PluginStatus]
	if err := c.do(ctx, http.MethodGet, "/admin/plugins/", nil, "", &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) Activate(ctx context.Context, name string) (*ActivationResult, error) {
	var res ActivationResult
	if err := c.do(ctx, http.MethodPost, "/admin/plugins/"+url.PathEscape(name)+"/activate", nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Deactivate(ctx context.Context, name string) (*ActivationResult, error) {
	var res ActivationResult
	if err := c.do(ctx, http.MethodPost, "/admin/plugins/"+url.PathEscape(name)+"/deactivate", nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RestartStatus(ctx context.Context) (*RestartStatus, error) {
	var st RestartStatus
	if err := c.do(ctx, http.MethodGet, "/admin/plugins/restart", nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RestartNow asks the server to restart immediately.
func (c *Client) RestartNow(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/plugins/restart", nil, "", nil)
}

// ScheduleIn schedules a restart d from now. The API takes hours.
func (c *Client) ScheduleIn(ctx context.Context, d time.Duration) (*RestartStatus, error) {
	return c.schedule(ctx, "hours", strconv.FormatFloat(d.Hours(), 'f', -1, 64))
}

// ScheduleAt schedules a restart at an RFC 3339 or YYYY-MM-DDTHH:MM (UTC)
// time.
func (c *Client) ScheduleAt(ctx context.Context, at string) (*RestartStatus, error) {
	return c.schedule(ctx, "datetime", at)
}

func (c *Client) schedule(ctx context.Context, kind, value string) (*RestartStatus, error) {
	form := url.Values{"schedule_type": {kind}, "schedule_value": {value}}
	var st RestartStatus
	err := c.do(ctx, http.MethodPost, "/admin/plugins/restart/schedule",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) CancelRestart(ctx context.Context) (*RestartStatus, error) {
	var st RestartStatus
	if err := c.do(ctx, http.MethodPost, "/admin/plugins/restart/cancel", nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Migrate(ctx context.Context) (*MigrationResult, error) {
	var res MigrationResult
	if err := c.do(ctx, http.MethodPost, "/admin/plugins/migrations", nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) History(ctx context.Context, name string, limit int) ([]HistoryEntry, error) {
	path := fmt.Sprintf("/admin/plugins/%s/history?limit=%d", url.PathEscape(name), limit)
	var env listEnvelope[HistoryEntry]
	if err := c.do(ctx, http.MethodGet, path, nil, "", &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}
