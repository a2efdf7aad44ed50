package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/dolorous/internal/exitwatch"
	"github.com/loykin/dolorous/internal/hub"
	"github.com/stretchr/testify/require"
)

// runWithReaper starts s.Run alongside an Exit Watcher feeding s.ReportExit,
// since the Supervisor never calls cmd.Wait itself (reaping is the Exit
// Watcher's job per spec §4.3/§9). Cancelling ctx stops both.
func runWithReaper(ctx context.Context, s *Supervisor) {
	go s.Run(ctx)
	go exitwatch.Run(ctx, func(r exitwatch.Report) {
		s.ReportExit(ExitReport{Pid: r.Pid, ExitCode: r.ExitCode})
	})
}

func baseConfig(command string) Config {
	return Config{
		Name:             "test",
		Command:          command,
		WorkingDirectory: "/tmp",
		Restart:          RestartNever,
		Stop: StopConfig{
			StopCommand: "stop",
			TermTimeout: 20 * time.Millisecond,
			KillTimeout: 20 * time.Millisecond,
		},
		RestartAttempts: 3,
		RestartDelay:    5 * time.Millisecond,
		WatchDelay:      20 * time.Millisecond,
		CacheSize:       4096,
	}
}

func waitForState(t *testing.T, s *Supervisor, kind string, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.State == kind {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last seen %q", kind, s.Status().State)
	return Status{}
}

func TestCleanLifecycleReachesRunningThenStopped(t *testing.T) {
	cfg := baseConfig("/bin/sh -c 'echo hi; sleep 60'")
	h := hub.New(4096)
	s := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWithReaper(ctx, s)

	waitForState(t, s, "running", time.Second)

	require.Eventually(t, func() bool {
		return string(h.SnapshotHistory()) == "hi\n"
	}, time.Second, time.Millisecond)

	s.Controls() <- ControlStop
	waitForState(t, s, "stopped", 2*time.Second)
}

// TestSpawnFailureBoundedByAttempts exercises the WaitingRestart ceiling
// check in applyWaitingRestartTimeoutLocked, which only fires on the
// spawn-failure branch: a command that execs successfully and merely exits
// non-zero (e.g. /bin/false) never takes that branch, since a successful
// spawn always moves to Watching regardless of restart-attempts, and only
// the subsequent crash is ever observed again as a *new* spawn attempt.
// A command that can never be spawned at all is what actually exhausts
// restart-attempts down to Stopped.
func TestSpawnFailureBoundedByAttempts(t *testing.T) {
	cfg := baseConfig("/nonexistent/dolorous-test-missing-binary")
	cfg.Restart = RestartAlways
	cfg.RestartAttempts = 3
	cfg.RestartDelay = 5 * time.Millisecond
	cfg.WatchDelay = 5 * time.Millisecond
	h := hub.New(64)
	s := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWithReaper(ctx, s)

	waitForState(t, s, "stopped", 2*time.Second)
	require.Equal(t, WantedStopped, s.Status().Wanted)
}

func TestCrashUnlessCrashedDoesNotRestart(t *testing.T) {
	cfg := baseConfig("/bin/false")
	cfg.Restart = RestartUnlessCrashed
	cfg.WatchDelay = 200 * time.Millisecond
	h := hub.New(64)
	s := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWithReaper(ctx, s)

	waitForState(t, s, "stopped", 2*time.Second)
}

func TestRestartPolicyTruthTable(t *testing.T) {
	cases := []struct {
		policy    RestartPolicy
		exitCode  int
		wantStart bool
	}{
		{RestartNever, 0, false},
		{RestartNever, 1, false},
		{RestartIfCrashed, 0, false},
		{RestartIfCrashed, 1, true},
		{RestartUnlessCrashed, 0, true},
		{RestartUnlessCrashed, 1, false},
		{RestartAlways, 0, true},
		{RestartAlways, 1, true},
	}
	for _, c := range cases {
		require.Equal(t, c.wantStart, c.policy.shouldRestart(c.exitCode))
	}
}
