// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for passkey ceremony
// operations. It exposes ceremony counters and latency histograms, failure
// counters by kind, HTTP request metrics, and resource gauges.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all passkey metrics
	Namespace = "passkey"

	// Label names
	LabelCeremony   = "ceremony"
	LabelStep       = "step"
	LabelStatus     = "status"
	LabelFailure    = "failure"
	LabelBackend    = "backend"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Ceremony names
	CeremonyRegistration = "registration"
	CeremonyLogin        = "login"

	// Ceremony steps
	StepBegin    = "begin"
	StepComplete = "complete"

	// Failure kinds, matching the ceremony error taxonomy
	FailureBadRequest   = "bad_request"
	FailureUnauthorized = "unauthorized"
	FailureConflict     = "conflict"
	FailureUnavailable  = "unavailable"
)

var (
	// CeremoniesTotal tracks ceremony steps by ceremony, step, and status.
	// Use RecordCeremony to increment this counter with the appropriate labels.
	CeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ceremonies_total",
			Help:      "Total number of ceremony steps by ceremony, step, and status",
		},
		[]string{LabelCeremony, LabelStep, LabelStatus},
	)

	// CeremonyDuration tracks the duration of ceremony steps in seconds.
	// Buckets are sized for signature verification plus a store round trip.
	CeremonyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "ceremony_duration_seconds",
			Help:      "Duration of ceremony steps in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelCeremony, LabelStep},
	)

	// FailuresTotal tracks ceremony failures by ceremony, step, and failure
	// kind (bad_request, unauthorized, conflict, unavailable).
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "failures_total",
			Help:      "Total number of ceremony failures by ceremony, step, and failure kind",
		},
		[]string{LabelCeremony, LabelStep, LabelFailure},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// ActiveRequests tracks the number of HTTP requests currently in flight.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently in flight",
		},
	)

	// UsersTotal tracks the total number of registered users per storage backend.
	UsersTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "users_total",
			Help:      "Total number of registered users per storage backend",
		},
		[]string{LabelBackend},
	)

	// SessionsActive tracks the number of live browser sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Number of live browser sessions",
		},
	)

	// BackendHealthy indicates whether a storage backend is healthy (1) or unhealthy (0).
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_healthy",
			Help:      "Indicates whether a storage backend is healthy (1) or unhealthy (0)",
		},
		[]string{LabelBackend},
	)

	// Goroutines tracks the current number of goroutines in the server.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	// Updated periodically by the resource collector.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// MemorySysBytes tracks the total bytes of memory obtained from the OS.
	// Updated periodically by the resource collector.
	MemorySysBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_sys_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	// GCPauseTotalSeconds tracks the cumulative time spent in GC stop-the-world pauses.
	// Updated periodically by the resource collector.
	GCPauseTotalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "gc_pause_total_seconds",
			Help:      "Cumulative time spent in GC stop-the-world pauses",
		},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordCeremony records a ceremony step with its duration and status.
// This is the primary function for tracking ceremony metrics.
//
// Parameters:
//   - ceremony: The ceremony name (use CeremonyRegistration or CeremonyLogin)
//   - step: The ceremony step (use StepBegin or StepComplete)
//   - status: The outcome (use Status* constants)
//   - duration: The step duration in seconds
//
// Example:
//
//	start := time.Now()
//	result, err := orch.CompleteCeremony(ctx, sessionID, response)
//	duration := time.Since(start).Seconds()
//	if err != nil {
//	    RecordCeremony(CeremonyLogin, StepComplete, StatusError, duration)
//	} else {
//	    RecordCeremony(CeremonyLogin, StepComplete, StatusSuccess, duration)
//	}
func RecordCeremony(ceremony, step, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	CeremoniesTotal.WithLabelValues(ceremony, step, status).Inc()
	CeremonyDuration.WithLabelValues(ceremony, step).Observe(duration)
}

// RecordFailure records a ceremony failure with its taxonomy kind.
//
// Parameters:
//   - ceremony: The ceremony during which the failure occurred
//   - step: The ceremony step that failed
//   - failure: The failure kind (use Failure* constants)
//
// Example:
//
//	if ceremony.IsUnauthorized(err) {
//	    RecordFailure(CeremonyLogin, StepComplete, FailureUnauthorized)
//	}
func RecordFailure(ceremony, step, failure string) {
	if !enabled.Load() {
		return
	}
	FailuresTotal.WithLabelValues(ceremony, step, failure).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration and status.
//
// Parameters:
//   - method: The HTTP method (GET, POST, etc.)
//   - statusCode: The HTTP status code as a string
//   - duration: The request duration in seconds
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// IncrementActiveRequests increments the in-flight HTTP request gauge.
func IncrementActiveRequests() {
	if !enabled.Load() {
		return
	}
	ActiveRequests.Inc()
}

// DecrementActiveRequests decrements the in-flight HTTP request gauge.
func DecrementActiveRequests() {
	if !enabled.Load() {
		return
	}
	ActiveRequests.Dec()
}

// SetUsersTotal sets the registered user count for a storage backend.
func SetUsersTotal(backend string, count float64) {
	if !enabled.Load() {
		return
	}
	UsersTotal.WithLabelValues(backend).Set(count)
}

// SetSessionsActive sets the live session count.
func SetSessionsActive(count float64) {
	if !enabled.Load() {
		return
	}
	SessionsActive.Set(count)
}

// SetBackendHealth sets the health status of a storage backend.
// healthy=true sets the gauge to 1, healthy=false sets it to 0.
func SetBackendHealth(backend string, healthy bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	BackendHealthy.WithLabelValues(backend).Set(value)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
