package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	RecordTransition("stopped", "watching")
	SetCurrentState("watching", true)
	IncRestart("crash")
	IncTaskFire("nightly-backup", "ok")
	SetTaskNextSchedule("nightly-backup", 1700000000)
	IncActionError("nightly-backup", "backup")
	ObserveBackupDuration("world", "zip", 1.5)
	IncBackupError("world")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"dolorous_supervisor_state_transitions_total",
		"dolorous_supervisor_current_state",
		"dolorous_supervisor_restarts_total",
		"dolorous_scheduler_task_fires_total",
		"dolorous_scheduler_task_next_schedule_unixtime",
		"dolorous_scheduler_action_errors_total",
		"dolorous_backup_duration_seconds",
		"dolorous_backup_errors_total",
	} {
		require.Truef(t, names[want], "missing metric %s", want)
	}
}

func TestHandlerServesPrometheusText(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Header().Get("Content-Type"), "text/plain"))
}
