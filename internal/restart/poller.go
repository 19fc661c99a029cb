package restart

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Poller calls CheckAndExecuteScheduled on every tick.
type Poller struct {
	coord    *Coordinator
	interval time.Duration
	logger   *slog.Logger

	running bool
	runMu   sync.Mutex
}

func NewPoller(coord *Coordinator, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{coord: coord, interval: interval, logger: logger.With("component", "restart_poller")}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return errors.New("restart poller already running")
	}
	p.running = true
	p.runMu.Unlock()
	defer func() {
		p.runMu.Lock()
		p.running = false
		p.runMu.Unlock()
	}()

	p.logger.Info("Starting restart poller", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	executed, err := p.coord.CheckAndExecuteScheduled(ctx)
	if err != nil {
		p.logger.Error("Scheduled restart failed", "error", err)
		return
	}
	if executed {
		p.logger.Info("Scheduled restart executed")
	}
}
