package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/dolorous/internal/hub"
	"github.com/loykin/dolorous/internal/metrics"
)

// Supervisor is the single-owner state machine described in spec §4.2. One
// Supervisor ever exists per process; it owns the one child it spawns.
type Supervisor struct {
	cfg Config
	hub *hub.Hub

	controlCh chan Control
	exitCh    chan ExitReport

	mu           sync.Mutex
	wanted       WantedState
	state        procState
	stopOverride *StopConfig
}

// New constructs a Supervisor. It does not start anything; call Run in a
// goroutine to drive the state machine.
func New(cfg Config, h *hub.Hub) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		hub:       h,
		controlCh: make(chan Control, 16),
		exitCh:    make(chan ExitReport, 16),
		wanted:    WantedRunning,
		state:     procState{kind: kindStopped},
	}
}

// Controls returns the send side of the control queue the Task Scheduler
// pushes Start/Stop controls into.
func (s *Supervisor) Controls() chan<- Control { return s.controlCh }

// ReportExit feeds an Exit Watcher observation into the Supervisor's exit
// queue. Non-blocking: a full queue drops the report rather than stalling
// the reaper thread (in practice the queue never fills since the Supervisor
// owns at most one child).
func (s *Supervisor) ReportExit(r ExitReport) {
	select {
	case s.exitCh <- r:
	default:
		slog.Warn("exit queue full, dropping report", "pid", r.Pid)
	}
}

// Status returns a point-in-time snapshot for diagnostics.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Wanted: s.wanted, State: s.state.kind.String(), Pid: s.state.pid, Attempt: s.state.attempt}
}

// Run drives the main loop forever. Cancelling ctx is equivalent to pushing
// a single Stop control; it does not otherwise interrupt the loop, matching
// spec §5's shutdown sequence (Stop is pushed, then the caller waits for
// Stopped to be reached via Status before tearing down the rest of the
// process).
func (s *Supervisor) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		select {
		case s.controlCh <- ControlStop:
		default:
		}
	}()

	for {
		s.driveStep()
		ev := s.fetchEvent()
		s.apply(ev)
	}
}

// driveStep is the synchronous reaction to (wanted, state) before awaiting
// the next event (spec §4.2 step 1).
func (s *Supervisor) driveStep() {
	s.mu.Lock()
	wanted, st := s.wanted, s.state
	s.mu.Unlock()

	switch {
	case wanted == WantedRunning && st.kind == kindStopped:
		s.attemptSpawn(1)
	case wanted == WantedStopped && st.kind == kindRunning:
		s.issueStopCommand(st.pid)
	}
}

// stopConfigLocked returns the StopConfig to use for the stop cycle about to
// begin: the pending one-off override if one was supplied with the Stop
// control, otherwise the process's configured default.
func (s *Supervisor) stopConfigLocked() StopConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopOverride != nil {
		cfg := *s.stopOverride
		s.stopOverride = nil
		return cfg
	}
	return s.cfg.Stop
}

// attemptSpawn starts the child. On success the state becomes Watching with
// the given attempt number; on failure it becomes WaitingRestart{attempt+1}.
func (s *Supervisor) attemptSpawn(attempt int) {
	pid, err := s.spawnChild()
	now := time.Now()
	if err != nil {
		slog.Warn("failed to start child", "error", err)
		s.setState(procState{kind: kindWaitingRestart, attempt: attempt + 1, deadline: now.Add(s.cfg.RestartDelay)})
		return
	}
	s.setState(procState{kind: kindWatching, pid: pid, attempt: attempt, deadline: now.Add(s.cfg.WatchDelay)})
}

// spawnChild invokes the configured command and installs the Stream Hub
// pipeline on success (spec §4.2 "Spawning").
func (s *Supervisor) spawnChild() (int, error) {
	cmd, err := buildCommand(s.cfg)
	if err != nil {
		return 0, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	// Reaping is delegated entirely to the Exit Watcher's blocking
	// wait4(-1) loop; cmd.Wait is never called so the two never race over
	// the same child (spec §9 "Exit reaping").
	pid := cmd.Process.Pid
	s.hub.Install(stdout, stderr, stdin)
	return pid, nil
}

// issueStopCommand sends the configured stop command through the Stream
// Hub's stdin sink. If the sink is absent, a TimeoutReached is synthesised
// by arming a deadline already in the past, so the very next loop iteration
// escalates straight to SIGTERM (spec §4.2 step 1).
func (s *Supervisor) issueStopCommand(pid int) {
	stop := s.stopConfigLocked()
	now := time.Now()
	deadline := now.Add(stop.TermTimeout)
	if !s.hub.SendStdin(stop.StopCommand) {
		deadline = now
	}
	s.setState(procState{kind: kindStoppingCommand, pid: pid, deadline: deadline, stop: stop})
}

// fetchEvent awaits exactly one event: a control, an exit report, or (if the
// current state carries a deadline) a timeout (spec §4.2 step 2).
func (s *Supervisor) fetchEvent() procEvent {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st.hasDeadline() {
		timer := time.NewTimer(time.Until(st.deadline))
		defer timer.Stop()
		select {
		case c := <-s.controlCh:
			return controlEvent(c)
		case r := <-s.exitCh:
			return procEvent{kind: eventExited, pid: r.Pid, exitCode: r.ExitCode}
		case <-timer.C:
			return procEvent{kind: eventTimeout}
		}
	}

	select {
	case c := <-s.controlCh:
		return controlEvent(c)
	case r := <-s.exitCh:
		return procEvent{kind: eventExited, pid: r.Pid, exitCode: r.ExitCode}
	}
}

func controlEvent(c Control) procEvent {
	if c.kind == controlStart {
		return procEvent{kind: eventStart}
	}
	return procEvent{kind: eventStop, stopOverride: c.StopOverride}
}

// apply is the transition table of spec §4.2.1.
func (s *Supervisor) apply(ev procEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.kind {
	case eventStart:
		s.wanted = WantedRunning
	case eventStop:
		if ev.stopOverride != nil {
			s.stopOverride = ev.stopOverride
		}
		s.applyStopLocked()
	case eventExited:
		s.applyExitedLocked(ev.pid, ev.exitCode)
	case eventTimeout:
		s.applyTimeoutLocked()
	}
}

func (s *Supervisor) applyStopLocked() {
	switch s.state.kind {
	case kindStoppingCommand, kindStoppingTerminate, kindStoppingKill:
		// already stopping; no-op.
		return
	case kindWatching:
		// Shortcut to Running so the next drive step issues a stop
		// command, per spec §4.2.1 and §9 (preserved deliberately).
		s.wanted = WantedStopped
		s.setStateLocked(procState{kind: kindRunning, pid: s.state.pid})
	default:
		s.wanted = WantedStopped
	}
}

func (s *Supervisor) applyExitedLocked(pid, exitCode int) {
	switch s.state.kind {
	case kindWatching:
		if pid != s.state.pid {
			return // late reap of a previous generation
		}
		// A crash during the watch period consults the restart policy too;
		// a declined restart ends in Stopped, as in applyRestartPolicyLocked.
		if !s.cfg.Restart.shouldRestart(exitCode) {
			s.wanted = WantedStopped
			s.setStateLocked(procState{kind: kindStopped})
			s.hub.TearDown()
			return
		}
		s.setStateLocked(procState{kind: kindWaitingRestart, attempt: s.state.attempt + 1, deadline: time.Now().Add(s.cfg.RestartDelay)})
		s.hub.TearDown()
	case kindRunning:
		if pid != s.state.pid {
			return
		}
		s.applyRestartPolicyLocked(exitCode)
		s.hub.TearDown()
	case kindStoppingCommand, kindStoppingTerminate, kindStoppingKill:
		if pid != s.state.pid {
			return
		}
		s.setStateLocked(procState{kind: kindStopped})
		s.hub.TearDown()
	default:
		// Stopped / WaitingRestart carry no pid: any exit here is a late
		// reap of a previous generation and is dropped.
	}
}

// applyRestartPolicyLocked implements the restart-policy branch of spec
// §4.2.1. When the policy decides against restarting, wanted is also set to
// Stopped: the Drive step's (Running, Stopped) rule in §4.2 step 1 is
// unconditional, so leaving wanted=Running here would cause an immediate
// respawn on the very next loop iteration regardless of policy, silently
// defeating "restart: never"/"unless-crashed"/"if-crashed". This resolves an
// ambiguity the spec leaves open (see DESIGN.md) in favor of the reading
// that is actually consistent with the Drive step.
func (s *Supervisor) applyRestartPolicyLocked(exitCode int) {
	if !s.cfg.Restart.shouldRestart(exitCode) {
		s.wanted = WantedStopped
		s.setStateLocked(procState{kind: kindStopped})
		return
	}
	s.attemptSpawnLocked()
}

// attemptSpawnLocked mirrors attemptSpawn but is called while already
// holding s.mu from within apply; it releases the lock around the blocking
// spawn call and re-acquires it before returning, since exec.Cmd.Start can
// block briefly and must not be done under the state lock.
func (s *Supervisor) attemptSpawnLocked() {
	s.mu.Unlock()
	pid, err := s.spawnChild()
	s.mu.Lock()
	now := time.Now()
	if err != nil {
		slog.Warn("restart spawn failed", "error", err)
		s.setStateLocked(procState{kind: kindWaitingRestart, attempt: 2, deadline: now.Add(s.cfg.RestartDelay)})
		return
	}
	s.setStateLocked(procState{kind: kindWatching, pid: pid, attempt: 1, deadline: now.Add(s.cfg.WatchDelay)})
}

func (s *Supervisor) applyTimeoutLocked() {
	switch s.state.kind {
	case kindWatching:
		s.setStateLocked(procState{kind: kindRunning, pid: s.state.pid})
	case kindWaitingRestart:
		s.applyWaitingRestartTimeoutLocked()
	case kindStoppingCommand:
		deadline := time.Now().Add(s.state.stop.KillTimeout)
		if err := signalProcessGroup(s.state.pid, syscall.SIGTERM); err != nil {
			slog.Warn("failed to send SIGTERM", "pid", s.state.pid, "error", err)
			deadline = time.Now() // escalate immediately, never deadlock
		}
		// Leaving Stopping.Command: the Stream Hub's stdin sink/broadcast
		// are only present for {Watching, Running, Stopping.Command} (spec
		// §3 Invariant 3), so a client or scheduled Command action must see
		// Uninitialized / an error from here on, not a sink into a process
		// that's already being signalled toward death.
		s.hub.TearDown()
		s.setStateLocked(procState{kind: kindStoppingTerminate, pid: s.state.pid, deadline: deadline, stop: s.state.stop})
	case kindStoppingTerminate:
		if err := signalProcessGroup(s.state.pid, syscall.SIGKILL); err != nil {
			slog.Warn("failed to send SIGKILL", "pid", s.state.pid, "error", err)
		}
		s.setStateLocked(procState{kind: kindStoppingKill, pid: s.state.pid})
	}
}

func (s *Supervisor) applyWaitingRestartTimeoutLocked() {
	attempt := s.state.attempt
	s.mu.Unlock()
	pid, err := s.spawnChild()
	s.mu.Lock()
	now := time.Now()
	if err == nil {
		s.setStateLocked(procState{kind: kindWatching, pid: pid, attempt: attempt, deadline: now.Add(s.cfg.WatchDelay)})
		return
	}
	slog.Warn("restart spawn failed", "attempt", attempt, "error", err)
	if s.cfg.RestartAttempts >= 0 && attempt >= s.cfg.RestartAttempts {
		s.wanted = WantedStopped
		s.setStateLocked(procState{kind: kindStopped})
		return
	}
	s.setStateLocked(procState{kind: kindWaitingRestart, attempt: attempt + 1, deadline: now.Add(s.cfg.RestartDelay)})
}

func (s *Supervisor) setState(next procState) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(next procState) {
	from := s.state.kind
	s.state = next
	if from != next.kind {
		metrics.RecordTransition(from.String(), next.kind.String())
		metrics.SetCurrentState(from.String(), false)
		metrics.SetCurrentState(next.kind.String(), true)
		if next.kind == kindWatching || next.kind == kindWaitingRestart {
			metrics.IncRestart(from.String())
		}
	}
}
