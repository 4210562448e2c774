// Package platmetrics declares the Prometheus collectors shared across the
// three binaries and exposes the /metrics handler.
package platmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event log (C1)
	EventAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "plfm_event_append_duration_seconds",
		Help:    "Time taken to append an event to the log",
		Buckets: prometheus.DefBuckets,
	})
	EventAppendConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plfm_event_append_conflicts_total",
		Help: "Sequence conflicts observed on append, by aggregate type",
	}, []string{"aggregate_type"})
	EventsAppendedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plfm_events_appended_total",
		Help: "Events appended, by event_type",
	}, []string{"event_type"})

	// Projection engine (C2/C3)
	ProjectionCheckpoint = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plfm_projection_checkpoint",
		Help: "Last applied event_id per projection",
	}, []string{"projection"})
	ProjectionLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plfm_projection_lag_events",
		Help: "global_max_event_id - checkpoint, per projection",
	}, []string{"projection"})
	ProjectionStalled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plfm_projection_stalled",
		Help: "1 if the projection has not advanced within its stall window",
	}, []string{"projection"})
	ProjectionBatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plfm_projection_batch_duration_seconds",
		Help:    "Time taken to apply one projection batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"projection"})
	RYWWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "plfm_ryw_wait_duration_seconds",
		Help:    "Time a command handler spent waiting for read-your-writes",
		Buckets: prometheus.DefBuckets,
	})
	RYWTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plfm_ryw_timeouts_total",
		Help: "Number of RYW waits that expired before the projection caught up",
	})

	// Idempotency (C4)
	IdempotencyHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plfm_idempotency_hits_total",
		Help: "Idempotency lookups by outcome (replay, conflict, miss)",
	}, []string{"outcome"})

	// Command handlers (C5)
	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plfm_command_duration_seconds",
		Help:    "Command handler duration by endpoint and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "outcome"})

	// Scheduler (C6)
	SchedulerCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "plfm_scheduler_cycle_duration_seconds",
		Help:    "Time taken for one scheduler reconcile pass",
		Buckets: prometheus.DefBuckets,
	})
	SchedulerCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plfm_scheduler_cycles_total",
		Help: "Reconcile passes completed",
	})
	InstancesAllocatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plfm_instances_allocated_total",
		Help: "instance.allocated events emitted",
	})
	GroupsRetryExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plfm_groups_retry_exhausted_total",
		Help: "Groups marked retry-exhausted by the scheduler retry tracker",
	})

	// Ingress (C8/C9)
	IngressConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plfm_ingress_connections_total",
		Help: "Accepted connections by listener port and outcome",
	}, []string{"port", "outcome"})
	IngressBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plfm_ingress_bytes_total",
		Help: "Bytes spliced by direction",
	}, []string{"direction"})
	IngressBackendHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plfm_ingress_backend_healthy",
		Help: "1 if the backend is healthy, 0 otherwise",
	}, []string{"route_id", "backend"})
	IngressRouteTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plfm_ingress_routes",
		Help: "Number of routes currently loaded in the edge route table",
	})

	// HTTP API
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plfm_api_requests_total",
		Help: "HTTP API requests by method, route and status",
	}, []string{"method", "route", "status"})
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plfm_api_request_duration_seconds",
		Help:    "HTTP API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// Leader election
	LeaderIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plfm_leader_is_leader",
		Help: "1 if this control-plane replica currently holds the leader lease",
	})
)

func init() {
	prometheus.MustRegister(
		EventAppendDuration, EventAppendConflictsTotal, EventsAppendedTotal,
		ProjectionCheckpoint, ProjectionLag, ProjectionStalled, ProjectionBatchDuration,
		RYWWaitDuration, RYWTimeoutsTotal,
		IdempotencyHitsTotal,
		CommandDuration,
		SchedulerCycleDuration, SchedulerCyclesTotal, InstancesAllocatedTotal, GroupsRetryExhaustedTotal,
		IngressConnectionsTotal, IngressBytesTotal, IngressBackendHealth, IngressRouteTableSize,
		APIRequestsTotal, APIRequestDuration,
		LeaderIsLeader,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for histogram observation.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
