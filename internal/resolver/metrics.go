package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrieverd",
		Subsystem: "resolve",
		Name:      "requests_total",
		Help:      "Resolve requests by the tier that produced results.",
	}, []string{"tier"})

	tierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrieverd",
		Subsystem: "resolve",
		Name:      "tier_failures_total",
		Help:      "Tier attempts that failed and fell through.",
	}, []string{"tier"})

	selfHeals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retrieverd",
		Subsystem: "resolve",
		Name:      "self_heals_total",
		Help:      "Syncs triggered by an empty vector tier.",
	})

	resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retrieverd",
		Subsystem: "resolve",
		Name:      "duration_seconds",
		Help:      "End-to-end resolve duration.",
		Buckets:   prometheus.DefBuckets,
	})
)
