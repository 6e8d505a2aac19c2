package raftstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	regionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dingo_store",
		Subsystem: "raftstore",
		Name:      "regions",
		Help:      "Live regions on this store.",
	})
	splitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingo_store",
		Subsystem: "raftstore",
		Name:      "region_splits_total",
		Help:      "Completed region splits.",
	})
	splitSuppressedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingo_store",
		Subsystem: "raftstore",
		Name:      "region_splits_suppressed_total",
		Help:      "Split candidates rejected by validation.",
	})
)
