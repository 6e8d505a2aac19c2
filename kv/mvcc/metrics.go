package mvcc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tsIssuedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingo_store",
		Subsystem: "ts_provider",
		Name:      "issued_total",
		Help:      "Timestamps issued from local batches.",
	})
	tsFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingo_store",
		Subsystem: "ts_provider",
		Name:      "failed_total",
		Help:      "GetTs calls that exhausted their retry budget.",
	})
	tsRenewCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dingo_store",
		Subsystem: "ts_provider",
		Name:      "renew_total",
		Help:      "Successful batch renewals from the coordinator.",
	})
)
