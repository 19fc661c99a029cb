package restart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modhost/modhost/internal/config"
	"github.com/redis/go-redis/v9"
)

// broadcastMessage is published on the restart channel.
type broadcastMessage struct {
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// NewRedisClient connects to the broadcast redis and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// BroadcastStrategy tells the other replicas to restart, then restarts the
// local process through Local.
type BroadcastStrategy struct {
	Local    Strategy
	client   *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
}

// NewBroadcastStrategy wraps local. Every process gets a random instance id
// so it can ignore its own broadcasts.
func NewBroadcastStrategy(local Strategy, client *redis.Client, channel string, logger *slog.Logger) *BroadcastStrategy {
	return &BroadcastStrategy{
		Local:    local,
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger.With("component", "restart_broadcast"),
	}
}

func (s *BroadcastStrategy) Name() string { return "broadcast+" + s.Local.Name() }

// Instance returns this process's broadcast id.
func (s *BroadcastStrategy) Instance() string { return s.instance }

// Restart publishes first so a failing local signal still reaches the other
// replicas. A publish failure is logged, not returned.
func (s *BroadcastStrategy) Restart(ctx context.Context) error {
	payload, err := json.Marshal(broadcastMessage{Instance: s.instance, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("Failed to broadcast restart", "channel", s.channel, "error", err)
	}
	return s.Local.Restart(ctx)
}

// Listener restarts this replica when another instance broadcasts.
type Listener struct {
	strategy *BroadcastStrategy
	logger   *slog.Logger
}

func NewListener(s *BroadcastStrategy) *Listener {
	return &Listener{strategy: s, logger: s.logger}
}

// Run subscribes and blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.strategy.client.Subscribe(ctx, l.strategy.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.strategy.channel, err)
	}
	l.logger.Info("Listening for restart broadcasts", "channel", l.strategy.channel, "instance", l.strategy.instance)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.handle(ctx, msg.Payload)
		}
	}
}

// handle reports whether the payload triggered a local restart.
func (l *Listener) handle(ctx context.Context, payload string) bool {
	var m broadcastMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		l.logger.Warn("Ignoring malformed restart broadcast", "error", err)
		return false
	}
	if m.Instance == l.strategy.instance {
		return false
	}
	l.logger.Info("Restart broadcast received", "from", m.Instance, "at", m.At)
	if err := l.strategy.Local.Restart(ctx); err != nil {
		l.logger.Error("Local restart failed", "strategy", l.strategy.Local.Name(), "error", err)
		return false
	}
	return true
}
