//go:build !windows

// This process sits as PID 1 or near it inside a Linux container (spec §1);
// there is no Windows build target.

package supervisor

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/google/shlex"
)

// buildCommand splits cfg.Command with POSIX word-splitting rules, the way
// original_source/src/process/run.rs uses shell_words::split, and configures
// the child to run in its own process group so SIGTERM/SIGKILL reach the
// whole tree it may have spawned, mirroring the teacher's
// internal/process/sysattrs_unix.go.
func buildCommand(cfg Config) (*exec.Cmd, error) {
	words, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", cfg.Command, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(words[0], words[1:]...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// signalProcessGroup sends sig to the process group of pid, matching the
// teacher's internal/process/signal_unix.go but targeting the whole group
// (negative pid) since the child was started with Setpgid.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
