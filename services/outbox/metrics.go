package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_processed_total",
		Help: "Outbox event attempts by type and resulting status.",
	}, []string{"type", "outcome"})

	eventsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_claimed_total",
		Help: "Events moved from pending to processing.",
	})

	eventsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_reclaimed_total",
		Help: "Stale processing events returned to pending.",
	})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_dispatch_duration_seconds",
		Help:    "Handler latency per event type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	alertsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_alerts_total",
		Help: "Failed event alerts consumed by the ops task handler.",
	}, []string{"type"})
)
