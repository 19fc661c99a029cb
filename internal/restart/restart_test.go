package restart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/modhost/modhost/internal/config"
	"github.com/modhost/modhost/internal/status"
	"github.com/modhost/modhost/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStrategy struct {
	calls int
	err   error
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) Restart(context.Context) error {
	s.calls++
	return s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T, strategy Strategy, now *time.Time) (*Coordinator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	c := NewCoordinator(st, strategy, nil, quietLogger())
	c.SetClock(func() time.Time { return *now })
	return c, st
}

func TestScheduleLastWriteWins(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newCoordinator(t, &fakeStrategy{}, &now)

	require.NoError(t, c.ScheduleRestart(ctx, now.Add(time.Hour)))
	require.NoError(t, c.ScheduleRestart(ctx, now.Add(3*time.Hour)))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.ScheduledAt)
	assert.True(t, st.ScheduledAt.Equal(now.Add(3*time.Hour)))
	assert.True(t, st.RestartRequired)
	assert.False(t, st.Due)
}

func TestCancelKeepsRestartRequired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c, _ := newCoordinator(t, &fakeStrategy{}, &now)

	require.NoError(t, c.ScheduleRestart(ctx, now.Add(time.Hour)))
	require.NoError(t, c.CancelScheduledRestart(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.ScheduledAt)
	assert.True(t, st.RestartRequired)
}

func TestCheckAndExecuteScheduled(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	strategy := &fakeStrategy{}
	c, _ := newCoordinator(t, strategy, &now)

	ran, err := c.CheckAndExecuteScheduled(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "no schedule")

	require.NoError(t, c.ScheduleRestart(ctx, now.Add(2*time.Hour)))
	ran, err = c.CheckAndExecuteScheduled(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, strategy.calls)

	now = now.Add(2 * time.Hour)
	due, err := c.IsRestartDue(ctx)
	require.NoError(t, err)
	assert.True(t, due, "due exactly at the deadline")

	ran, err = c.CheckAndExecuteScheduled(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, strategy.calls)

	ran, err = c.CheckAndExecuteScheduled(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "schedule cleared by execution")
}

func TestExecuteRestartFailureKeepsFlag(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	strategy := &fakeStrategy{err: errors.New("no such process")}
	c, st := newCoordinator(t, strategy, &now)
	require.NoError(t, c.ScheduleRestart(ctx, now.Add(-time.Minute)))

	err := c.ExecuteRestart(ctx)
	var rerr *RestartError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "fake", rerr.Strategy)

	flags := status.New(st)
	required, err := flags.RestartRequired(ctx)
	require.NoError(t, err)
	assert.True(t, required)
	at, err := flags.ScheduledAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, at)
}

func TestRequestRestart(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	strategy := &fakeStrategy{}
	c, _ := newCoordinator(t, strategy, &now)

	require.NoError(t, c.RequestRestart(ctx, false))
	assert.Zero(t, strategy.calls)
	require.NoError(t, c.RequestRestart(ctx, true))
	assert.Equal(t, 1, strategy.calls)

	require.NoError(t, c.Reconciled(ctx))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.RestartRequired)
	assert.Equal(t, "fake", st.Strategy)
}

func TestReloaderTouchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reload.trigger")
	s := &ReloaderStrategy{WatchFile: path}

	require.NoError(t, s.Restart(context.Background()))
	_, err := os.Stat(path)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	require.NoError(t, s.Restart(context.Background()))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().After(old))
}

func TestSupervisorSignalsPIDFromFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "master.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("4242\n"), 0o644))

	var gotPID int
	var gotSig os.Signal
	s := &SupervisorStrategy{PIDFile: pidFile, Signal: func(pid int, sig os.Signal) error {
		gotPID, gotSig = pid, sig
		return nil
	}}
	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, 4242, gotPID)
	assert.Equal(t, syscall.SIGHUP, gotSig)

	require.NoError(t, os.WriteFile(pidFile, []byte("garbage"), 0o644))
	assert.Error(t, s.Restart(context.Background()))
}

func TestGenericSignalsSelf(t *testing.T) {
	var gotPID int
	s := &GenericStrategy{Signal: func(pid int, sig os.Signal) error {
		gotPID = pid
		assert.Equal(t, syscall.SIGTERM, sig)
		return nil
	}}
	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, os.Getpid(), gotPID)
}

func TestDetect(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "master.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("1"), 0o644))

	tests := []struct {
		name string
		cfg  config.RestartConfig
		env  map[string]string
		want string
	}{
		{"explicit generic", config.RestartConfig{Strategy: "generic", WatchFile: "x"}, nil, StrategyGeneric},
		{"explicit supervisor", config.RestartConfig{Strategy: "supervisor"}, nil, StrategySupervisor},
		{"explicit wins over environment", config.RestartConfig{Strategy: "generic"}, map[string]string{EnvReloadFile: "x"}, StrategyGeneric},
		{"auto with watch file", config.RestartConfig{Strategy: "auto", WatchFile: "x", PIDFile: pidFile}, nil, StrategyReloader},
		{"auto with reloader env", config.RestartConfig{Strategy: "auto", PIDFile: pidFile}, map[string]string{EnvReloadFile: "x"}, StrategyReloader},
		{"auto with pid file", config.RestartConfig{Strategy: "auto", PIDFile: pidFile}, nil, StrategySupervisor},
		{"auto under supervisord", config.RestartConfig{Strategy: "auto"}, map[string]string{EnvSupervisor: "1"}, StrategySupervisor},
		{"auto under systemd", config.RestartConfig{Strategy: "auto"}, map[string]string{EnvSystemd: "abc"}, StrategyGeneric},
		{"auto with missing pid file", config.RestartConfig{Strategy: "auto", PIDFile: pidFile + ".gone"}, nil, StrategyGeneric},
		{"auto bare", config.RestartConfig{Strategy: "auto"}, nil, StrategyGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(k string) string { return tt.env[k] }
			ppid := func() int { return 4242 }
			assert.Equal(t, tt.want, detect(tt.cfg, getenv, ppid, quietLogger()).Name())
		})
	}
}

func TestDetectSupervisordSignalsParent(t *testing.T) {
	s := detect(config.RestartConfig{Strategy: "auto"},
		func(k string) string {
			if k == EnvSupervisor {
				return "1"
			}
			return ""
		},
		func() int { return 4242 },
		quietLogger(),
	)
	sup, ok := s.(*SupervisorStrategy)
	require.True(t, ok)

	var gotPID int
	var gotSig os.Signal
	sup.Signal = func(pid int, sig os.Signal) error {
		gotPID, gotSig = pid, sig
		return nil
	}
	require.NoError(t, sup.Restart(context.Background()))
	assert.Equal(t, 4242, gotPID)
	assert.Equal(t, syscall.SIGHUP, gotSig)
}

func TestListenerIgnoresOwnBroadcast(t *testing.T) {
	local := &fakeStrategy{}
	b := &BroadcastStrategy{Local: local, channel: "modhost:restart", instance: "self", logger: quietLogger()}
	l := NewListener(b)
	ctx := context.Background()

	assert.False(t, l.handle(ctx, `{"instance":"self","at":"2026-01-01T00:00:00Z"}`))
	assert.False(t, l.handle(ctx, `not json`))
	assert.True(t, l.handle(ctx, `{"instance":"other","at":"2026-01-01T00:00:00Z"}`))
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, "broadcast+fake", b.Name())
}

func TestPollerRejectsSecondRun(t *testing.T) {
	now := time.Now()
	c, _ := newCoordinator(t, &fakeStrategy{}, &now)
	p := NewPoller(c, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		p.runMu.Lock()
		defer p.runMu.Unlock()
		return p.running
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, p.Run(ctx))

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
