package reputation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	failuresRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Authentication failures recorded in the reputation store.",
	})
	bansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "store",
		Name:      "bans_total",
		Help:      "Addresses moved into the banned state, by source (threshold or manual).",
	}, []string{"source"})
	gatekeeperRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "gatekeeper_rejections_total",
		Help:      "Connections rejected by the gatekeeper, by cause.",
	}, []string{"cause"})
)
