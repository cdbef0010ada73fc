package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrieverd",
		Subsystem: "sync",
		Name:      "syncs_total",
		Help:      "Synchronization runs by outcome.",
	}, []string{"result"})

	recordsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retrieverd",
		Subsystem: "sync",
		Name:      "records_synced_total",
		Help:      "Records whose chunks were rewritten in the index.",
	})

	chunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retrieverd",
		Subsystem: "sync",
		Name:      "chunks_written_total",
		Help:      "Chunks upserted into the index.",
	})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retrieverd",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Synchronization run duration.",
		Buckets:   prometheus.DefBuckets,
	})
)
