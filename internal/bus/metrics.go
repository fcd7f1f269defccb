package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriberGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "bus_subscribers",
			Help:      "Currently attached bus subscribers",
		},
	)

	droppedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "bus_dropped_total",
			Help:      "Total buffered events dropped by slow subscribers",
		},
	)
)
