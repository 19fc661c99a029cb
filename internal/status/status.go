// Package status wraps the process-wide SystemStatus key-value table with
// typed accessors for the restart and migration flags.
package status

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/modhost/modhost/internal/store"
)

const (
	KeyRestartRequired    = "restart_required"
	KeyRestartScheduledAt = "restart_scheduled_at"
	KeyMigrationsPending  = "migrations_pending"
)

// Flags reads and writes the status keys through any Querier, so callers
// can use it inside a store transaction.
type Flags struct {
	q store.Querier
}

// New binds Flags to q.
func New(q store.Querier) Flags {
	return Flags{q: q}
}

func (f Flags) RestartRequired(ctx context.Context) (bool, error) {
	v, err := f.q.GetStatus(ctx, KeyRestartRequired)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (f Flags) SetRestartRequired(ctx context.Context, required bool) error {
	return f.q.SetStatus(ctx, KeyRestartRequired, fmt.Sprint(required))
}

// ScheduledAt returns nil when no restart is scheduled.
func (f Flags) ScheduledAt(ctx context.Context) (*time.Time, error) {
	v, err := f.q.GetStatus(ctx, KeyRestartScheduledAt)
	if errors.Is(err, store.ErrNotFound) || (err == nil && v == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("corrupt %s value %q: %w", KeyRestartScheduledAt, v, err)
	}
	return &at, nil
}

func (f Flags) SetScheduledAt(ctx context.Context, at time.Time) error {
	return f.q.SetStatus(ctx, KeyRestartScheduledAt, at.UTC().Format(time.RFC3339Nano))
}

func (f Flags) ClearScheduledAt(ctx context.Context) error {
	return f.q.DeleteStatus(ctx, KeyRestartScheduledAt)
}

// PendingMigrations returns the sorted set of plugin names with model
// migrations still to run.
func (f Flags) PendingMigrations(ctx context.Context) ([]string, error) {
	v, err := f.q.GetStatus(ctx, KeyMigrationsPending)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitNames(v), nil
}

// AddPendingMigration inserts name into the set. Adding a name twice is a
// no-op.
func (f Flags) AddPendingMigration(ctx context.Context, name string) error {
	names, err := f.PendingMigrations(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(names, name) {
		return nil
	}
	names = append(names, name)
	slices.Sort(names)
	return f.q.SetStatus(ctx, KeyMigrationsPending, strings.Join(names, ","))
}

// RemovePendingMigrations drops the given names from the set.
func (f Flags) RemovePendingMigrations(ctx context.Context, done ...string) error {
	names, err := f.PendingMigrations(ctx)
	if err != nil {
		return err
	}
	names = slices.DeleteFunc(names, func(n string) bool { return slices.Contains(done, n) })
	if len(names) == 0 {
		return f.q.DeleteStatus(ctx, KeyMigrationsPending)
	}
	return f.q.SetStatus(ctx, KeyMigrationsPending, strings.Join(names, ","))
}

func (f Flags) ClearPendingMigrations(ctx context.Context) error {
	return f.q.DeleteStatus(ctx, KeyMigrationsPending)
}

func splitNames(v string) []string {
	var out []string
	for _, n := range strings.Split(v, ",") {
		if n = strings.TrimSpace(n); n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
