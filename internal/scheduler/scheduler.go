// Package scheduler implements the Task Scheduler (spec §4.5): a cron-based
// dispatcher that fires configured actions against the Supervisor, the
// Stream Hub's stdin sink, and the Backup Engine.
//
// Grounded on original_source/src/tasks/mod.rs's task_scheduler (one
// goroutine per task computing its own upcoming fire time rather than
// handing a cron string to a single shared scheduler) and actions.rs's
// execute_action dispatch table, with the timezone-aware cron.Schedule
// parsing and Suspend/Resume control adapted from the teacher's (since
// removed) internal/cronjob/cronjob.go.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/dolorous/internal/backup"
	"github.com/loykin/dolorous/internal/hub"
	"github.com/loykin/dolorous/internal/metrics"
	"github.com/loykin/dolorous/internal/supervisor"
	"github.com/robfig/cron/v3"
)

var (
	errUnknownAction   = errors.New("scheduler: unknown action kind")
	errUndefinedBackup = errors.New("scheduler: undefined backup")
	errUninitialized   = errors.New("scheduler: stdin sink uninitialized")
)

// ActionKind enumerates the five action types spec §4.5 / §6 define.
type ActionKind int

const (
	ActionBackup ActionKind = iota
	ActionCommand
	ActionStart
	ActionStop
	ActionRestart
)

// Action is one step of a Task's action list. Stop and Restart may carry an
// optional one-off StopConfig override (SPEC_FULL §4 item 2); a nil
// override falls back to the process's configured stop behaviour.
type Action struct {
	Kind         ActionKind
	BackupName   string
	Command      string
	StopOverride *supervisor.StopConfig
}

// TaskConfig describes one named scheduled task (spec §6 "tasks" block).
type TaskConfig struct {
	Schedule     string
	TimeZone     string
	RunIfStopped bool
	Actions      []Action
}

// Deps are the collaborators a Task dispatches actions against.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Hub        *hub.Hub
	Backups    map[string]backup.Spec
}

// Scheduler owns one Task per configured name.
type Scheduler struct {
	deps  Deps
	tasks map[string]*task
}

// New builds a Scheduler for the given task configs. Invalid cron
// expressions are logged and that task is skipped entirely, matching the
// teacher's config-validation-at-startup posture.
func New(configs map[string]TaskConfig, deps Deps) *Scheduler {
	s := &Scheduler{deps: deps, tasks: make(map[string]*task, len(configs))}
	for name, cfg := range configs {
		t, err := newTask(name, cfg, deps)
		if err != nil {
			slog.Warn("invalid task schedule, skipping", "task", name, "error", err)
			continue
		}
		s.tasks[name] = t
	}
	return s
}

// Run starts every task's goroutine and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			t.run(ctx)
		}(t)
	}
	wg.Wait()
}

// Suspend pauses a task's future firings without losing its schedule state;
// resuming later picks up from the next upcoming fire time. A missing name
// is a no-op.
func (s *Scheduler) Suspend(name string) {
	if t, ok := s.tasks[name]; ok {
		t.suspended.Store(true)
	}
}

// Resume re-arms a suspended task.
func (s *Scheduler) Resume(name string) {
	if t, ok := s.tasks[name]; ok {
		t.suspended.Store(false)
	}
}

type task struct {
	name      string
	cfg       TaskConfig
	schedule  cron.Schedule
	deps      Deps
	suspended atomic.Bool
}

func newTask(name string, cfg TaskConfig, deps Deps) (*task, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.TimeZone != "" {
		if loc, err := time.LoadLocation(cfg.TimeZone); err == nil {
			sched = inLocation{schedule: sched, loc: loc}
		} else {
			slog.Warn("invalid task timezone, using local", "task", name, "timezone", cfg.TimeZone, "error", err)
		}
	}
	return &task{name: name, cfg: cfg, schedule: sched, deps: deps}, nil
}

// inLocation wraps a cron.Schedule so Next is always computed against a
// fixed location, the Go equivalent of the teacher's cron.WithLocation.
type inLocation struct {
	schedule cron.Schedule
	loc      *time.Location
}

func (l inLocation) Next(t time.Time) time.Time {
	return l.schedule.Next(t.In(l.loc))
}

// run computes and sleeps until each upcoming fire time in turn, forever,
// until ctx is cancelled. A deadline that has already passed (for example
// because the process was asleep) is logged and
// skipped rather than fired late, matching original_source's "Task deadline
// passed" warn-and-continue behaviour.
func (t *task) run(ctx context.Context) {
	next := t.schedule.Next(time.Now())
	metrics.SetTaskNextSchedule(t.name, float64(next.Unix()))
	for {
		wait := time.Until(next)
		if wait < 0 {
			slog.Warn("task deadline passed", "task", t.name)
			next = t.schedule.Next(time.Now())
			metrics.SetTaskNextSchedule(t.name, float64(next.Unix()))
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		next = t.schedule.Next(time.Now())
		metrics.SetTaskNextSchedule(t.name, float64(next.Unix()))
		if t.suspended.Load() {
			slog.Info("task suspended, skipping firing", "task", t.name)
			continue
		}
		go t.fire()
	}
}

// fire dispatches every configured action in order. One action's failure is
// logged and does not prevent the remaining actions from running, matching
// actions.rs's per-action error! and continue.
func (t *task) fire() {
	if !t.cfg.RunIfStopped {
		status := t.deps.Supervisor.Status()
		if status.State == "stopped" || status.State == "waiting-restart" {
			slog.Info("skipping task firing, process not running", "task", t.name, "state", status.State)
			return
		}
	}

	for index, action := range t.cfg.Actions {
		if err := t.dispatch(action); err != nil {
			slog.Warn("task action failed", "task", t.name, "index", index, "error", err)
			metrics.IncActionError(t.name, actionName(action.Kind))
			continue
		}
	}
	metrics.IncTaskFire(t.name, "ok")
}

func (t *task) dispatch(action Action) error {
	switch action.Kind {
	case ActionBackup:
		return t.dispatchBackup(action.BackupName)
	case ActionCommand:
		return t.dispatchCommand(action.Command)
	case ActionStart:
		t.deps.Supervisor.Controls() <- supervisor.ControlStart
		return nil
	case ActionStop:
		t.deps.Supervisor.Controls() <- stopControl(action.StopOverride)
		return nil
	case ActionRestart:
		t.deps.Supervisor.Controls() <- stopControl(action.StopOverride)
		t.deps.Supervisor.Controls() <- supervisor.ControlStart
		return nil
	default:
		return errUnknownAction
	}
}

func (t *task) dispatchBackup(name string) error {
	spec, ok := t.deps.Backups[name]
	if !ok {
		return errUndefinedBackup
	}
	start := time.Now()
	_, err := backup.Run(spec)
	metrics.ObserveBackupDuration(name, string(spec.FileType), time.Since(start).Seconds())
	if err != nil {
		metrics.IncBackupError(name)
	}
	return err
}

func (t *task) dispatchCommand(command string) error {
	if !t.deps.Hub.SendStdin(command) {
		return errUninitialized
	}
	return nil
}

func stopControl(override *supervisor.StopConfig) supervisor.Control {
	if override == nil {
		return supervisor.ControlStop
	}
	return supervisor.ControlStopWithOverride(*override)
}

func actionName(k ActionKind) string {
	switch k {
	case ActionBackup:
		return "backup"
	case ActionCommand:
		return "command"
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionRestart:
		return "restart"
	default:
		return "unknown"
	}
}
