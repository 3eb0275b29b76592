// Package metrics defines the Prometheus collectors exported by the engine.
//
// All Record* methods are safe to call on a nil *Metrics, so components can
// be built without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	// HTTP requests by method, route pattern and status code.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP latency by method and route pattern.
	HTTPRequestDuration *prometheus.HistogramVec

	// Booking attempts by final status.
	BookingsTotal *prometheus.CounterVec

	// Booking transactions aborted by a serialization conflict and retried.
	BookingRetriesTotal prometheus.Counter

	PaymentsTotal      *prometheus.CounterVec
	CancellationsTotal *prometheus.CounterVec
	SearchesTotal      *prometheus.CounterVec

	// Sessions currently registered with the HTTP server.
	ActiveSessions prometheus.Gauge
}

// New registers the collectors with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		BookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flight_bookings_total",
				Help: "Total number of booking attempts by outcome",
			},
			[]string{"status"},
		),
		BookingRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flight_booking_retries_total",
				Help: "Booking transactions retried after a serialization conflict",
			},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flight_payments_total",
				Help: "Total number of payment attempts by outcome",
			},
			[]string{"status"},
		),
		CancellationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flight_cancellations_total",
				Help: "Total number of cancellation attempts by outcome",
			},
			[]string{"status"},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flight_searches_total",
				Help: "Total number of itinerary searches by outcome",
			},
			[]string{"status"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flight_active_sessions",
				Help: "Current number of open sessions",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BookingsTotal,
		m.BookingRetriesTotal,
		m.PaymentsTotal,
		m.CancellationsTotal,
		m.SearchesTotal,
		m.ActiveSessions,
	)

	return m
}

func (m *Metrics) RecordBooking(status string) {
	if m == nil {
		return
	}
	m.BookingsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordBookingRetry() {
	if m == nil {
		return
	}
	m.BookingRetriesTotal.Inc()
}

func (m *Metrics) RecordPayment(status string) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCancellation(status string) {
	if m == nil {
		return
	}
	m.CancellationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordSearch(status string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, path, statusCode string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
