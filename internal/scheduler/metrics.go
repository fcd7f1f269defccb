package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "dispatch_cycles_total",
			Help:      "Total dispatch cycles run",
		},
	)

	publishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "published_events_total",
			Help:      "Total events flipped to published and broadcast",
		},
	)

	dueEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "due_events",
			Help:      "Due events found by the most recent dispatch scan",
		},
	)

	clockFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "clock_failures_total",
			Help:      "Dispatch cycles skipped because the time source was unavailable",
		},
	)
)
