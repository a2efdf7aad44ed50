package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/dolorous/internal/hub"
	"github.com/loykin/dolorous/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func TestEveryMinuteSchedulesWithinAMinute(t *testing.T) {
	tk, err := newTask("t", TaskConfig{Schedule: "* * * * *"}, Deps{})
	require.NoError(t, err)
	next := tk.schedule.Next(time.Now())
	require.WithinDuration(t, time.Now().Add(time.Minute), next, time.Minute)
}

func TestInvalidScheduleSkipped(t *testing.T) {
	s := New(map[string]TaskConfig{
		"bad": {Schedule: "not a cron expression"},
	}, Deps{})
	require.Empty(t, s.tasks)
}

func TestSuspendAndResumeToggleTask(t *testing.T) {
	h := hub.New(64)
	cfg := supervisor.Config{
		Name:            "test",
		Command:         "/bin/sh -c 'sleep 60'",
		Restart:         supervisor.RestartNever,
		RestartAttempts: 0,
		WatchDelay:      20 * time.Millisecond,
		Stop:            supervisor.StopConfig{StopCommand: "stop", TermTimeout: time.Millisecond, KillTimeout: time.Millisecond},
	}
	sv := supervisor.New(cfg, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)

	deps := Deps{Supervisor: sv, Hub: h}
	s := New(map[string]TaskConfig{
		"t": {Schedule: "* * * * *", RunIfStopped: true, Actions: []Action{{Kind: ActionCommand, Command: "ping"}}},
	}, deps)
	require.Len(t, s.tasks, 1)

	s.Suspend("t")
	require.True(t, s.tasks["t"].suspended.Load())
	s.Resume("t")
	require.False(t, s.tasks["t"].suspended.Load())
}

func TestRunIfStoppedGateSkipsWhenNotRunning(t *testing.T) {
	h := hub.New(64)
	cfg := supervisor.Config{
		Name:    "test",
		Command: "/bin/true",
		Restart: supervisor.RestartNever,
	}
	sv := supervisor.New(cfg, h)
	// Never started: Supervisor defaults to wanted=Running/state=Stopped
	// until Run is called, so Status().State == "stopped".
	deps := Deps{Supervisor: sv, Hub: h}
	tk := &task{name: "t", cfg: TaskConfig{RunIfStopped: false, Actions: []Action{{Kind: ActionStart}}}, deps: deps}
	tk.fire()
	require.Equal(t, "stopped", sv.Status().State)
}
