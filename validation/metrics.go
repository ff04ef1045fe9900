package validation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "starledger",
		Subsystem: "validation",
		Name:      "challenges_issued_total",
		Help:      "Number of challenges issued",
	})

	verificationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "starledger",
		Subsystem: "validation",
		Name:      "verifications_total",
		Help:      "Number of signature verifications by outcome",
	}, []string{"status"})

	consumedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "starledger",
		Subsystem: "validation",
		Name:      "records_consumed_total",
		Help:      "Number of authorizations consumed by an append",
	})
)
