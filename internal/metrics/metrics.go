// Package metrics declares the Core's Prometheus collectors and the
// handler that serves them at GET /v1/metrics (superadmin-only).
// Collectors are package-level promauto variables registered once at
// init, covering the plugin fleet, the audit pipeline, node liveness,
// and the WebSocket fanout.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksCreatedTotal counts successfully created tasks by type.
	TasksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meristem_tasks_created_total",
			Help: "Total number of tasks created, by task type.",
		},
		[]string{"type"},
	)

	// TaskCreateFailuresTotal counts task creation failures by reason code.
	TaskCreateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meristem_task_create_failures_total",
			Help: "Total number of task creation failures, by apperr code.",
		},
		[]string{"code"},
	)

	// NodesOnline reports the current count of nodes believed online.
	NodesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meristem_nodes_online",
			Help: "Number of fleet nodes currently considered online.",
		},
	)

	// PluginsRunning reports the current count of plugins in RUNNING state.
	PluginsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meristem_plugins_running",
			Help: "Number of plugin isolates currently in the RUNNING state.",
		},
	)

	// PluginRestartsTotal counts health-triggered plugin restarts by plugin id.
	PluginRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meristem_plugin_restarts_total",
			Help: "Total number of plugin restarts triggered by health monitoring.",
		},
		[]string{"plugin_id"},
	)

	// AuditBacklogDepth reports the audit pipeline's current backlog size.
	AuditBacklogDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meristem_audit_backlog_depth",
			Help: "Current number of unconfirmed entries in the audit backlog.",
		},
	)

	// AuditCommitsTotal counts committed audit batches by partition.
	AuditCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meristem_audit_commits_total",
			Help: "Total number of audit log batches committed, by partition.",
		},
		[]string{"partition"},
	)

	// NetworkMode reports the currently active network mode as a gauge
	// (1 for the active mode, 0 otherwise) keyed by mode label.
	NetworkMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meristem_network_mode",
			Help: "Currently active network mode (1 = active, 0 = inactive), by mode.",
		},
		[]string{"mode"},
	)

	// WSConnections reports the current count of open WebSocket connections.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meristem_ws_connections",
			Help: "Number of currently open WebSocket fanout connections.",
		},
	)
)

// Handler returns the standard Prometheus text-exposition HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
