package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
)

var PipelinesExecutedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "pipelines",
		Name:      "executed_total",
		Help:      "Total number of pipelines executed by final status.",
	},
	[]string{"status"},
)

var PipelineStepDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "loom",
		Subsystem: "pipelines",
		Name:      "step_duration_seconds",
		Help:      "Pipeline step wall-clock duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
)

var DeploymentsReconciledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "deployments",
		Name:      "reconciled_total",
		Help:      "Total number of deployment reconciliations by action and outcome.",
	},
	[]string{"action", "outcome"},
)

var PreviewsReconciledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "previews",
		Name:      "reconciled_total",
		Help:      "Total number of preview reconciliations by outcome.",
	},
	[]string{"outcome"},
)

var AgentSessionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "agent",
		Name:      "sessions_total",
		Help:      "Total number of agent sessions by terminal status.",
	},
	[]string{"status"},
)

var IngestRecordsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Total number of ingested observability records by signal.",
	},
	[]string{"signal"},
)

var IngestRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "ingest",
		Name:      "rejected_total",
		Help:      "Total number of ingest requests rejected on full buffers.",
	},
	[]string{"signal"},
)

var RotatedRowsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "rotation",
		Name:      "rows_total",
		Help:      "Total number of rows rotated to columnar cold storage.",
	},
	[]string{"signal"},
)

var AlertsFiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "alerts",
		Name:      "fired_total",
		Help:      "Total number of alert events fired.",
	},
)

var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Total number of notifications dispatched by channel and status.",
	},
	[]string{"channel", "status"},
)

var WebhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "webhooks",
		Name:      "deliveries_total",
		Help:      "Total number of webhook deliveries by outcome.",
	},
	[]string{"outcome"},
)

// All returns all Loom-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PipelinesExecutedTotal,
		PipelineStepDuration,
		DeploymentsReconciledTotal,
		PreviewsReconciledTotal,
		AgentSessionsTotal,
		IngestRecordsTotal,
		IngestRejectedTotal,
		RotatedRowsTotal,
		AlertsFiredTotal,
		NotificationsTotal,
		WebhookDeliveriesTotal,
	}
}

// NewRegistry builds a prometheus registry with the standard process and Go
// collectors plus the given application collectors.
func NewRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
		promcollectors.NewGoCollector(),
	)
	reg.MustRegister(collectors...)
	return reg
}
