package collect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// collectTicks counts completed collection ticks.
	collectTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_collect_ticks_total",
			Help: "Total completed collection ticks",
		},
	)

	// collectorErrors counts per-collector collection failures.
	collectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_collector_errors_total",
			Help: "Total collection failures by collector name",
		},
		[]string{"collector"},
	)
)
