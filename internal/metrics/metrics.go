package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every collector served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// SyncQueueDepth is the number of mutations waiting to be replayed.
	SyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetinspect_sync_queue_depth",
			Help: "Number of pending mutations in the sync queue.",
		},
	)

	// SyncMutationsTotal counts replay attempts by op (write/create/call) and result (applied/failed/rejected).
	SyncMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetinspect_sync_mutations_total",
			Help: "Total number of mutation replay attempts.",
		},
		[]string{"op", "result"},
	)

	// SessionsTotal counts inspection sessions by outcome (started/completed/cancelled/rejected).
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetinspect_sessions_total",
			Help: "Total number of inspection sessions by outcome.",
		},
		[]string{"outcome"},
	)

	// GatesTotal counts client-side flow gates hit (photo_required/incomplete_items).
	GatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetinspect_gates_total",
			Help: "Total number of times a flow gate redirected the user.",
		},
		[]string{"gate"},
	)

	RemoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetinspect_remote_call_seconds",
			Help:    "Latency of calls to the remote data service.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	Registry.MustRegister(SyncQueueDepth)
	Registry.MustRegister(SyncMutationsTotal)
	Registry.MustRegister(SessionsTotal)
	Registry.MustRegister(GatesTotal)
	Registry.MustRegister(RemoteLatency)
}
