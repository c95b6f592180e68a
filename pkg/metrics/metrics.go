package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-level prometheus instruments. Registered on the default registry so
// the demo binary's /metrics endpoint picks them up without extra wiring.
var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_turns_total",
		Help: "Completed turn cycles by trigger and outcome",
	}, []string{"trigger", "outcome"})

	EventsPlayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_played_total",
		Help: "Screenplay events committed during playback, by kind",
	}, []string{"kind"})

	CapacityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_capacity_failures_total",
		Help: "Capacity-pressure signals recorded by the breaker",
	})

	CostReducedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_cost_reduced_mode",
		Help: "1 while the engine is in cost-reduced mode (manual or auto)",
	})

	ReconcilePassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconcile_passes_total",
		Help: "History reconciliation passes by outcome",
	}, []string{"outcome"})

	GenerationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_generation_requests_total",
		Help: "Generation service requests by result class",
	}, []string{"result"})
)
