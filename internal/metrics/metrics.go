// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	spineAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivi",
			Subsystem: "spine",
			Name:      "appends_total",
			Help:      "Events appended to a spine.",
		},
		[]string{"domain", "event_type"},
	)
	spineRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivi",
			Subsystem: "spine",
			Name:      "rejections_total",
			Help:      "Events rejected by a spine before append.",
		},
		[]string{"domain", "event_type"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivi",
			Subsystem: "spine",
			Name:      "sink_failures_total",
			Help:      "Durable sink forwarding failures.",
		},
		[]string{"domain"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivi",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Content registrations by result.",
		},
		[]string{"result"},
	)
	intakeSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivi",
			Subsystem: "intake",
			Name:      "submissions_total",
			Help:      "Intake submissions by gate outcome and replay.",
		},
		[]string{"gate_outcome", "replay"},
	)
	cycleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivi",
			Subsystem: "cycle",
			Name:      "outcomes_total",
			Help:      "Coordination cycle outcomes.",
		},
		[]string{"outcome", "reason"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ivi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Register adds every collector to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			spineAppends, spineRejections, sinkFailures,
			registrations, intakeSubmissions, cycleOutcomes,
			httpRequests, httpDuration,
		)
	})
}

func RecordAppend(domain, eventType string) {
	Register()
	spineAppends.WithLabelValues(domain, eventType).Inc()
}

func RecordRejection(domain, eventType string) {
	Register()
	spineRejections.WithLabelValues(domain, eventType).Inc()
}

func RecordSinkFailure(domain string) {
	Register()
	sinkFailures.WithLabelValues(domain).Inc()
}

// RecordRegistration counts a registry call; created is false for unchanged content.
func RecordRegistration(created bool) {
	Register()
	result := "unchanged"
	if created {
		result = "created"
	}
	registrations.WithLabelValues(result).Inc()
}

func RecordIntake(gateOutcome string, replay bool) {
	Register()
	intakeSubmissions.WithLabelValues(gateOutcome, strconv.FormatBool(replay)).Inc()
}

// RecordCycle counts a cycle decision. reason is empty for commits.
func RecordCycle(outcome, reason string) {
	Register()
	cycleOutcomes.WithLabelValues(outcome, reason).Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
