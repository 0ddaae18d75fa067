// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts attendance decisions by outcome.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geopresence",
		Name:      "admissions_total",
		Help:      "Attendance admission decisions by outcome.",
	}, []string{"outcome"})

	// AdmissionDistance observes the submitted distance from the registered point.
	AdmissionDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "geopresence",
		Name:      "admission_distance_meters",
		Help:      "Distance between the submitted and registered coordinates.",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 25, 100, 1000},
	})

	// SweptSessions counts session codes purged by reconciliation.
	SweptSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geopresence",
		Name:      "swept_sessions_total",
		Help:      "Expired session codes deleted by reconciliation.",
	})

	// SessionsCreated counts session codes created, by flow.
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geopresence",
		Name:      "sessions_created_total",
		Help:      "Session codes created.",
	}, []string{"flow"})

	// QueueEvents counts consumed queue events by type and result.
	QueueEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geopresence",
		Name:      "queue_events_total",
		Help:      "Queue events handled by the worker.",
	}, []string{"type", "result"})
)

// Outcome labels for Admissions.
const (
	OutcomeAccepted     = "accepted"
	OutcomeInvalid      = "invalid_input"
	OutcomeUnknownCode  = "unknown_code"
	OutcomeExpired      = "expired"
	OutcomeNoStudent    = "unknown_student"
	OutcomeDuplicate    = "duplicate"
	OutcomeOutOfRange   = "out_of_range"
	OutcomeStorageError = "error"
)
