// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// tasksCreated tracks total tasks accepted by the control plane
	tasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_tasks_created_total",
			Help: "Total tasks created by agent name",
		},
		[]string{"agent"},
	)

	// tasksAssigned tracks runs dispatched to workers
	tasksAssigned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_runs_assigned_total",
			Help: "Total runs assigned to workers by agent name",
		},
		[]string{"agent"},
	)

	// runsTerminal tracks runs reaching a terminal status
	runsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_runs_terminal_total",
			Help: "Total runs reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	// workersConnected tracks currently registered worker sessions
	workersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrun_workers_connected",
			Help: "Number of currently registered worker sessions",
		},
	)

	// workersStale tracks heartbeat reaper actions
	workersStale = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_workers_stale_total",
			Help: "Total stale-worker reaper actions by kind (marked, evicted)",
		},
		[]string{"kind"},
	)

	// streamSubscribers tracks live run-stream subscribers
	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrun_stream_subscribers",
			Help: "Number of currently attached run-stream subscribers",
		},
	)

	// subscribersDropped tracks subscribers evicted for not keeping up
	subscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrun_stream_dropped_subscribers_total",
			Help: "Total run-stream subscribers dropped for slow consumption",
		},
	)

	// enrollments tracks worker enrollment attempts
	enrollments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_enrollments_total",
			Help: "Total enrollment attempts by outcome (ok, invalid_token, bad_csr, no_ca)",
		},
		[]string{"outcome"},
	)
)

// RecordTaskCreated increments the created-task counter.
func RecordTaskCreated(agent string) {
	tasksCreated.WithLabelValues(agent).Inc()
}

// RecordRunAssigned increments the assigned-run counter.
func RecordRunAssigned(agent string) {
	tasksAssigned.WithLabelValues(agent).Inc()
}

// RecordRunTerminal increments the terminal-run counter.
func RecordRunTerminal(status string) {
	runsTerminal.WithLabelValues(status).Inc()
}

// WorkerConnected adjusts the connected-worker gauge on register.
func WorkerConnected() {
	workersConnected.Inc()
}

// WorkerDisconnected adjusts the connected-worker gauge on deregister.
func WorkerDisconnected() {
	workersConnected.Dec()
}

// RecordWorkerStale increments the reaper counter. Kind is "marked" when a
// worker is flagged as errored and "evicted" when it is force-deregistered.
func RecordWorkerStale(kind string) {
	workersStale.WithLabelValues(kind).Inc()
}

// SubscriberAttached adjusts the stream-subscriber gauge.
func SubscriberAttached() {
	streamSubscribers.Inc()
}

// SubscriberDetached adjusts the stream-subscriber gauge.
func SubscriberDetached() {
	streamSubscribers.Dec()
}

// RecordSubscriberDropped increments the slow-subscriber counter.
func RecordSubscriberDropped() {
	subscribersDropped.Inc()
}

// RecordEnrollment increments the enrollment counter.
func RecordEnrollment(outcome string) {
	enrollments.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus exposition handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
