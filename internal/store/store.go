// Package store persists plugin activation state, the activation history,
// process-wide status flags and plugin settings.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
)

// ActivationRecord is the persisted active/inactive state of one plugin.
type ActivationRecord struct {
	PluginName    string     `json:"plugin_name"`
	IsActive      bool       `json:"is_active"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ActivatedBy   string     `json:"activated_by,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ActivationEvent is one append-only history entry.
type ActivationEvent struct {
	ID         uuid.UUID `json:"id"`
	PluginName string    `json:"plugin_name"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	At         time.Time `json:"at"`
}

// Querier is the data access surface shared by every driver and by
// transactions.
type Querier interface {
	GetActivation(ctx context.Context, pluginName string) (ActivationRecord, error)
	ListActivations(ctx context.Context) ([]ActivationRecord, error)
	UpsertActivation(ctx context.Context, rec ActivationRecord) error

	InsertActivationEvent(ctx context.Context, ev ActivationEvent) error
	// ListActivationEvents returns newest first. limit <= 0 means no limit.
	ListActivationEvents(ctx context.Context, pluginName string, limit int) ([]ActivationEvent, error)

	GetStatus(ctx context.Context, key string) (string, error)
	SetStatus(ctx context.Context, key, value string) error
	DeleteStatus(ctx context.Context, key string) error

	ListSettings(ctx context.Context, pluginName string) (map[string]string, error)
	SaveSettings(ctx context.Context, pluginName string, values map[string]string) error
}

// Store is a Querier that can also run a group of calls atomically.
type Store interface {
	Querier
	// InTx runs fn inside one transaction. Any error from fn rolls back
	// every write fn made.
	InTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
	Close() error
}
