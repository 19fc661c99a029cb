package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modhost/modhost/internal/config"
)

// Strategy name constants, matching the restart.strategy config values.
const (
	StrategyAuto       = "auto"
	StrategyReloader   = "reloader"
	StrategySupervisor = "supervisor"
	StrategyGeneric    = "generic"
)

// Strategy triggers a restart of the serving process. Restart only signals;
// it never waits for the new process.
type Strategy interface {
	Name() string
	Restart(ctx context.Context) error
}

// SignalFunc delivers sig to pid.
type SignalFunc func(pid int, sig os.Signal) error

func signalProcess(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// ReloaderStrategy touches a file watched by a development auto-reloader.
type ReloaderStrategy struct {
	WatchFile string
}

func (s *ReloaderStrategy) Name() string { return StrategyReloader }

func (s *ReloaderStrategy) Restart(context.Context) error {
	if s.WatchFile == "" {
		return errors.New("no watch file configured")
	}
	now := time.Now()
	if err := os.Chtimes(s.WatchFile, now, now); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("touch %s: %w", s.WatchFile, err)
	}
	f, err := os.OpenFile(s.WatchFile, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.WatchFile, err)
	}
	return f.Close()
}

// SupervisorStrategy sends SIGHUP to the supervisor master, asking it for a
// graceful reload of its workers. The master pid is read from PIDFile, or
// taken from PID when no pid file is set.
type SupervisorStrategy struct {
	PIDFile string
	PID     int
	Signal  SignalFunc
}

func (s *SupervisorStrategy) Name() string { return StrategySupervisor }

func (s *SupervisorStrategy) Restart(context.Context) error {
	pid := s.PID
	if s.PIDFile != "" || pid <= 0 {
		var err error
		if pid, err = ReadPIDFile(s.PIDFile); err != nil {
			return err
		}
	}
	send := s.Signal
	if send == nil {
		send = signalProcess
	}
	if err := send(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// ReadPIDFile parses a file holding one process id.
func ReadPIDFile(path string) (int, error) {
	if path == "" {
		return 0, errors.New("no pid file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", path)
	}
	return pid, nil
}

// GenericStrategy sends SIGTERM to the own process. The server shuts down
// gracefully and whatever supervises it starts a new one.
type GenericStrategy struct {
	Signal SignalFunc
}

func (s *GenericStrategy) Name() string { return StrategyGeneric }

func (s *GenericStrategy) Restart(context.Context) error {
	send := s.Signal
	if send == nil {
		send = signalProcess
	}
	return send(os.Getpid(), syscall.SIGTERM)
}

// Environment variables inspected in auto mode.
const (
	// EnvReloadFile names the file a development auto-reloader watches.
	EnvReloadFile = "MODHOST_RELOAD_FILE"
	// EnvSupervisor is set by supervisord for every program it runs.
	EnvSupervisor = "SUPERVISOR_ENABLED"
	// EnvSystemd is set by systemd for every unit invocation.
	EnvSystemd = "INVOCATION_ID"
)

// Detect picks exactly one strategy. An explicit strategy in cfg wins. In
// auto mode the runtime environment is probed: a configured watch file or
// MODHOST_RELOAD_FILE selects the reloader; a readable pid file, or running
// under supervisord, selects the supervisor; anything else (systemd, a
// container runtime, a bare shell) gets the generic strategy.
func Detect(cfg config.RestartConfig, logger *slog.Logger) Strategy {
	return detect(cfg, os.Getenv, os.Getppid, logger)
}

func detect(cfg config.RestartConfig, getenv func(string) string, ppid func() int, logger *slog.Logger) Strategy {
	var (
		s   Strategy
		env = "configured"
	)
	switch cfg.Strategy {
	case StrategyReloader:
		s = &ReloaderStrategy{WatchFile: cfg.WatchFile}
	case StrategySupervisor:
		s = &SupervisorStrategy{PIDFile: cfg.PIDFile}
	case StrategyGeneric:
		s = &GenericStrategy{}
	default:
		switch {
		case cfg.WatchFile != "":
			s, env = &ReloaderStrategy{WatchFile: cfg.WatchFile}, "reloader"
		case getenv(EnvReloadFile) != "":
			s, env = &ReloaderStrategy{WatchFile: getenv(EnvReloadFile)}, "reloader"
		case pidFileUsable(cfg.PIDFile):
			s, env = &SupervisorStrategy{PIDFile: cfg.PIDFile}, "supervisor"
		case getenv(EnvSupervisor) != "" && ppid() > 1:
			s, env = &SupervisorStrategy{PID: ppid()}, "supervisord"
		case getenv(EnvSystemd) != "":
			s, env = &GenericStrategy{}, "systemd"
		default:
			s, env = &GenericStrategy{}, "unknown"
		}
	}
	logger.Info("Restart strategy selected", "strategy", s.Name(), "configured", cfg.Strategy, "environment", env)
	return s
}

func pidFileUsable(path string) bool {
	if path == "" {
		return false
	}
	_, err := ReadPIDFile(path)
	return err == nil
}
