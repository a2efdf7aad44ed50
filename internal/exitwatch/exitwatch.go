// Package exitwatch implements the Exit Watcher (spec §4.3): a dedicated
// goroutine blocks on "wait for any child" and turns kernel exit
// notifications into exit reports for the Supervisor.
//
// Grounded on original_source/src/process/mod.rs's start_exit_watcher, which
// runs nix::sys::wait::waitpid(None, None) on its own OS thread and retries
// after a one-second sleep on ECHILD. A blocking syscall in Go parks its
// goroutine on a dedicated OS thread for the duration of the call, giving the
// same "blocking reap thread" property without an explicit thread spawn.
package exitwatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Report carries a reaped child's pid and exit code. Signal-terminated
// children are reported with exit code 0, matching the Supervisor's
// restart-policy semantics not distinguishing signal exits from exit 0
// (spec §4.3, §9 open question).
type Report struct {
	Pid      int
	ExitCode int
}

// Run blocks reaping any child of this process until ctx is cancelled,
// invoking report for every exit observed. It reaps unconditionally (wait
// for any child, not a specific pid) so that orphaned grandchildren are
// collected too, matching the PID-1 responsibility spec §9 calls out as the
// reason for this design over awaiting a single spawned-child handle.
func Run(ctx context.Context, report func(Report)) {
	for {
		if ctx.Err() != nil {
			return
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		switch {
		case err == unix.ECHILD:
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		case err != nil:
			slog.Error("wait4 failed", "error", err)
			continue
		case ws.Exited():
			report(Report{Pid: pid, ExitCode: ws.ExitStatus()})
		case ws.Signaled():
			report(Report{Pid: pid, ExitCode: 0})
		default:
			// stopped/continued notifications are not exits; ignore.
		}
	}
}
