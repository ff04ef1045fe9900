package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	heightMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "starledger",
		Subsystem: "chain",
		Name:      "height",
		Help:      "Height of the last block",
	})

	appendedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "starledger",
		Subsystem: "chain",
		Name:      "blocks_appended_total",
		Help:      "Number of blocks appended since start",
	})

	violationsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "starledger",
		Subsystem: "chain",
		Name:      "integrity_violations",
		Help:      "Number of integrity violations found by the last chain validation",
	})
)
