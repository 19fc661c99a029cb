// Package restart coordinates process restarts after plugin state changes.
//
// Two persisted flags drive it: restart_required, set whenever in-memory
// routes no longer match the stored activation state, and
// restart_scheduled_at, an optional deadline checked by a poller. Executing
// a restart is delegated to a Strategy picked once at startup.
package restart

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modhost/modhost/internal/events"
	"github.com/modhost/modhost/internal/status"
	"github.com/modhost/modhost/internal/store"
)

// RestartError means the strategy could not signal the restart. The
// restart_required flag is left set so the caller can retry.
type RestartError struct {
	Strategy string
	Err      error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart via %s failed: %v", e.Strategy, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// Status is a read-only view of the restart flags.
type Status struct {
	RestartRequired   bool       `json:"restart_required"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	Due               bool       `json:"due"`
	Strategy          string     `json:"strategy"`
	PendingMigrations []string   `json:"pending_migrations"`
}

// Coordinator implements the restart state machine.
type Coordinator struct {
	store    store.Store
	strategy Strategy
	events   events.Publisher
	now      func() time.Time
	logger   *slog.Logger
}

// NewCoordinator builds a coordinator. pub may be nil.
func NewCoordinator(st store.Store, strategy Strategy, pub events.Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		strategy: strategy,
		events:   pub,
		now:      time.Now,
		logger:   logger.With("component", "restart"),
	}
}

// SetClock replaces time.Now.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Strategy returns the strategy restarts are dispatched to.
func (c *Coordinator) Strategy() Strategy {
	return c.strategy
}

// RequestRestart marks a restart as required and, when immediate, executes
// it right away.
func (c *Coordinator) RequestRestart(ctx context.Context, immediate bool) error {
	if err := status.New(c.store).SetRestartRequired(ctx, true); err != nil {
		return err
	}
	c.publish(events.New(events.RestartRequested, "", "").With("immediate", fmt.Sprint(immediate)))
	if !immediate {
		return nil
	}
	return c.ExecuteRestart(ctx)
}

// ScheduleRestart sets the restart deadline, replacing any earlier one.
func (c *Coordinator) ScheduleRestart(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		return fmt.Errorf("restart time is required")
	}
	err := c.store.InTx(ctx, func(q store.Querier) error {
		flags := status.New(q)
		if err := flags.SetScheduledAt(ctx, at); err != nil {
			return err
		}
		return flags.SetRestartRequired(ctx, true)
	})
	if err != nil {
		return err
	}
	c.logger.Info("Restart scheduled", "at", at.UTC())
	c.publish(events.New(events.RestartScheduled, "", "").With("scheduled_at", at.UTC().Format(time.RFC3339)))
	return nil
}

// CancelScheduledRestart clears the deadline. restart_required is kept.
func (c *Coordinator) CancelScheduledRestart(ctx context.Context) error {
	if err := status.New(c.store).ClearScheduledAt(ctx); err != nil {
		return err
	}
	c.logger.Info("Scheduled restart cancelled")
	c.publish(events.New(events.RestartCancelled, "", ""))
	return nil
}

// IsRestartDue reports whether a schedule exists and has been reached.
func (c *Coordinator) IsRestartDue(ctx context.Context) (bool, error) {
	at, err := status.New(c.store).ScheduledAt(ctx)
	if err != nil || at == nil {
		return false, err
	}
	return !c.now().Before(*at), nil
}

// CheckAndExecuteScheduled executes the restart iff it is due and reports
// whether it did. It is meant to be polled.
func (c *Coordinator) CheckAndExecuteScheduled(ctx context.Context) (bool, error) {
	due, err := c.IsRestartDue(ctx)
	if err != nil || !due {
		return false, err
	}
	return true, c.ExecuteRestart(ctx)
}

// ExecuteRestart clears the schedule and hands off to the strategy.
func (c *Coordinator) ExecuteRestart(ctx context.Context) error {
	err := c.store.InTx(ctx, func(q store.Querier) error {
		flags := status.New(q)
		if err := flags.ClearScheduledAt(ctx); err != nil {
			return err
		}
		return flags.SetRestartRequired(ctx, true)
	})
	if err != nil {
		return err
	}

	name := c.strategy.Name()
	c.logger.Info("Executing restart", "strategy", name)
	if err := c.strategy.Restart(ctx); err != nil {
		c.logger.Error("Restart failed", "strategy", name, "error", err)
		c.publish(events.New(events.RestartFailed, "", "").With("strategy", name).With("error", err.Error()))
		return &RestartError{Strategy: name, Err: err}
	}
	c.publish(events.New(events.RestartExecuted, "", "").With("strategy", name))
	return nil
}

// Status reads the flags.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	flags := status.New(c.store)
	required, err := flags.RestartRequired(ctx)
	if err != nil {
		return Status{}, err
	}
	at, err := flags.ScheduledAt(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, err := flags.PendingMigrations(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		RestartRequired:   required,
		ScheduledAt:       at,
		Due:               at != nil && !c.now().Before(*at),
		Strategy:          c.strategy.Name(),
		PendingMigrations: pending,
	}, nil
}

// Reconciled clears restart_required. The server calls it once its routes
// have been mounted from the stored activation state.
func (c *Coordinator) Reconciled(ctx context.Context) error {
	return status.New(c.store).SetRestartRequired(ctx, false)
}

func (c *Coordinator) publish(ev events.Event) {
	if c.events != nil && !c.events.Publish(ev) {
		c.logger.Warn("Lifecycle event dropped", "type", ev.Type)
	}
}
