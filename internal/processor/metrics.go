package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_events_processed_total",
		Help: "Commerce events by type and final state",
	}, []string{"type", "state"})
	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "entitlement_event_processing_duration_seconds",
		Help:    "Time from reservation to final state, retries included",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_event_retries_total",
		Help: "Retry attempts after transient failures",
	})
	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_dead_letters_total",
		Help: "Events moved to the dead-letter sink",
	})
	deadLetterWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_dead_letter_write_errors_total",
		Help: "Dead-letter writes that failed; these events need manual recovery",
	})
	graphSyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_graph_sync_failures_total",
		Help: "Events completed with the relationship graph left for reconciliation",
	})
	notifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_notify_failures_total",
		Help: "Notifications that could not be handed off",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "entitlement_processor_queue_depth",
		Help: "Deliveries waiting for a worker",
	})
)
