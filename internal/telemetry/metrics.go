package telemetry

import "github.com/prometheus/client_golang/prometheus"

var QueueDepthGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gpuctl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current job queue depth by state.",
	},
	[]string{"state"},
)

var JobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Total number of jobs processed by the worker pool, by job type and outcome.",
	},
	[]string{"job_type", "outcome"},
)

var ProviderCircuitState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gpuctl",
		Subsystem: "provider",
		Name:      "circuit_state",
		Help:      "Provider client circuit breaker state (0=closed, 1=half-open, 2=open).",
	},
)

var ProbeLatencySeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gpuctl",
		Subsystem: "probe",
		Name:      "latency_seconds",
		Help:      "Health check endpoint probe latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"verdict"},
)

var InstancesMigratedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "migration",
		Name:      "instances_migrated_total",
		Help:      "Total number of instances migrated, by outcome.",
	},
	[]string{"outcome"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gpuctl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Intent API request duration in seconds, by method, route, and status.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

var InstancesAutoStoppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "autostop",
		Name:      "instances_stopped_total",
		Help:      "Total number of instances stopped by the auto-stop controller.",
	},
)

// All returns every control-plane metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QueueDepthGauge,
		JobsProcessedTotal,
		ProviderCircuitState,
		ProbeLatencySeconds,
		HTTPRequestDuration,
		InstancesMigratedTotal,
		InstancesAutoStoppedTotal,
	}
}
