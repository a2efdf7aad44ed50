// Package metrics exposes the Prometheus collectors for the supervisor,
// scheduler and backup engine. Grounded on the teacher's
// internal/metrics/metrics.go: package-level CounterVec/GaugeVec/
// HistogramVec collectors, an idempotent Register, and no-op-until-
// registered helper functions so callers never need to check whether
// metrics are enabled.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dolorous",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of Supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dolorous",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current Supervisor state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dolorous",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of child restart attempts.",
		}, []string{"reason"},
	)

	taskFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dolorous",
			Subsystem: "scheduler",
			Name:      "task_fires_total",
			Help:      "Number of task firings by outcome.",
		}, []string{"task", "outcome"},
	)
	taskNextSchedule = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dolorous",
			Subsystem: "scheduler",
			Name:      "task_next_schedule_unixtime",
			Help:      "Unix timestamp of a task's next scheduled fire.",
		}, []string{"task"},
	)
	actionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dolorous",
			Subsystem: "scheduler",
			Name:      "action_errors_total",
			Help:      "Number of action errors encountered while dispatching a task.",
		}, []string{"task", "action"},
	)

	backupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dolorous",
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Time taken to produce a backup archive.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "file_type"},
	)
	backupErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dolorous",
			Subsystem: "backup",
			Name:      "errors_total",
			Help:      "Number of failed backup runs.",
		}, []string{"name"},
	)
)

// Register registers all collectors with r. Safe to call more than once;
// later calls after a successful registration are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		stateTransitions, currentState, restarts,
		taskFires, taskNextSchedule, actionErrors,
		backupDuration, backupErrors,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default Prometheus gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func RecordTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	currentState.WithLabelValues(state).Set(v)
}

func IncRestart(reason string) {
	if regOK.Load() {
		restarts.WithLabelValues(reason).Inc()
	}
}

func IncTaskFire(task, outcome string) {
	if regOK.Load() {
		taskFires.WithLabelValues(task, outcome).Inc()
	}
}

func SetTaskNextSchedule(task string, unixTime float64) {
	if regOK.Load() {
		taskNextSchedule.WithLabelValues(task).Set(unixTime)
	}
}

func IncActionError(task, action string) {
	if regOK.Load() {
		actionErrors.WithLabelValues(task, action).Inc()
	}
}

func ObserveBackupDuration(name, fileType string, seconds float64) {
	if regOK.Load() {
		backupDuration.WithLabelValues(name, fileType).Observe(seconds)
	}
}

func IncBackupError(name string) {
	if regOK.Load() {
		backupErrors.WithLabelValues(name).Inc()
	}
}
