package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Values issued, partitioned by counter id
	valuesIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextseq_values_issued_total",
			Help: "Total number of counter values issued",
		},
		[]string{"counter_id"},
	)

	// Dispatch runs that aborted the triggering write
	dispatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextseq_dispatch_failures_total",
			Help: "Total number of writes aborted by the dispatch handler",
		},
		[]string{"collection"},
	)

	// Hook lifecycle transitions partitioned by resulting state
	hookTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextseq_hook_transitions_total",
			Help: "Total number of hook state transitions",
		},
		[]string{"state"},
	)
)
