package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle event. It doubles as the AMQP routing key.
type Type string

const (
	PluginActivated     Type = "plugin.activated"
	PluginDeactivated   Type = "plugin.deactivated"
	PluginSettingsSaved Type = "plugin.settings_saved"
	MigrationsApplied   Type = "plugin.migrations_applied"

	RestartRequested Type = "restart.requested"
	RestartScheduled Type = "restart.scheduled"
	RestartCancelled Type = "restart.cancelled"
	RestartExecuted  Type = "restart.executed"
	RestartFailed    Type = "restart.failed"

	ThemeActivated  Type = "theme.activated"
	BundleActivated Type = "bundle.activated"
)

// Event is one lifecycle fact.
type Event struct {
	ID      uuid.UUID         `json:"id"`
	Type    Type              `json:"type"`
	Subject string            `json:"subject,omitempty"`
	Actor   string            `json:"actor,omitempty"`
	At      time.Time         `json:"at"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// New builds an event stamped with a fresh ID and the current time.
func New(t Type, subject, actor string) Event {
	return Event{ID: uuid.New(), Type: t, Subject: subject, Actor: actor, At: time.Now().UTC()}
}

// With returns a copy of e with one more attribute.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attrs = attrs
	return e
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ev Event) bool
}

// Sink consumes events on the hub goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Config configures the hub buffer.
type Config struct {
	BufferSize int
}

// Hub fans events out to sinks from a single goroutine.
type Hub struct {
	ch     chan Event
	sinks  []Sink
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	stopped chan struct{}
	stop    sync.Once
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(cfg Config, logger *slog.Logger, sinks ...Sink) *Hub {
	size := cfg.BufferSize
	if size <= 0 {
		size = 64
	}
	return &Hub{
		ch:     make(chan Event, size),
		sinks:  sinks,
		logger: logger.With("component", "events"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Publish enqueues ev without blocking. It returns false when the event
// was dropped.
func (h *Hub) Publish(ev Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return false
	}

	select {
	case h.ch <- ev:
		return true
	default:
		h.logger.Warn("Event buffer full, dropping event", "type", ev.Type, "subject", ev.Subject)
		return false
	}
}

// Run delivers events until ctx is cancelled or the hub is closed.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop.Do(func() { close(h.stopped) })
	for {
		select {
		case ev, ok := <-h.ch:
			if !ok {
				return
			}
			h.deliver(ctx, ev)
		case <-ctx.Done():
			return
		case <-h.done:
			h.drain(ctx)
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case ev, ok := <-h.ch:
			if !ok {
				return
			}
			h.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ctx context.Context, ev Event) {
	for _, s := range h.sinks {
		if err := s.Handle(ctx, ev); err != nil {
			h.logger.Warn("Event sink failed",
				"sink", s.Name(),
				"type", ev.Type,
				"subject", ev.Subject,
				"error", err,
			)
		}
	}
}

// Close stops accepting events. Run delivers what is buffered and returns.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)
	return nil
}

// Shutdown closes the hub and waits until Run has delivered the buffered
// events and returned, or until ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.Close()
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that's closed when the Hub is shutting down
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// LogSink writes every event to slog.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(ctx context.Context, ev Event) error {
	attrs := []any{
		slog.String("event_id", ev.ID.String()),
		slog.String("type", string(ev.Type)),
		slog.String("subject", ev.Subject),
		slog.String("actor", ev.Actor),
	}
	for k, v := range ev.Attrs {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.InfoContext(ctx, "Lifecycle event", attrs...)
	return nil
}
