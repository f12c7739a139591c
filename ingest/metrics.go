package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Event records read from the source, by outcome.",
	}, []string{"kind"})
	bansTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "ingest",
		Name:      "bans_triggered_total",
		Help:      "Bans caused by ingested failure events.",
	})
	sinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "ingest",
		Name:      "sink_errors_total",
		Help:      "Failure events that could not be recorded.",
	})
	sourceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "ingest",
		Name:      "source_retries_total",
		Help:      "Attempts to open an unavailable event source.",
	})
)
