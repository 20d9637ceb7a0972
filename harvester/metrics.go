package harvester

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the acquisition pipeline.
type Metrics struct {
	Registry         *prometheus.Registry
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RetriesTotal     *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	RecordsTotal     prometheus.Counter
	EndpointsTotal   prometheus.Counter
	ChannelFailovers prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_requests_total",
			Help: "Harvest requests dispatched, by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_request_duration_seconds",
			Help:    "Fetch latency by channel.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Scheduled retries, by reason.",
		},
		[]string{"reason"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Terminal and transient errors, by type.",
		},
		[]string{"error_type"},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_records_normalized_total",
			Help: "Canonical records handed to the ingestion batcher.",
		},
	)
	endpoints := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_endpoints_discovered_total",
			Help: "Hidden API endpoints discovered (advisory).",
		},
	)
	failovers := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_channel_failovers_total",
			Help: "Times routing left the primary channel.",
		},
	)

	registry.MustRegister(requests, duration, retries, errorsTotal, records, endpoints, failovers)

	return &Metrics{
		Registry:         registry,
		RequestsTotal:    requests,
		RequestDuration:  duration,
		RetriesTotal:     retries,
		ErrorsTotal:      errorsTotal,
		RecordsTotal:     records,
		EndpointsTotal:   endpoints,
		ChannelFailovers: failovers,
	}
}

// IncRequest counts one dispatched request outcome.
func (m *Metrics) IncRequest(channel, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveDuration records a fetch latency sample.
func (m *Metrics) ObserveDuration(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// IncRetry counts one scheduled retry.
func (m *Metrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// IncError counts one error by type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncRecords counts one normalized record.
func (m *Metrics) IncRecords() {
	if m == nil {
		return
	}
	m.RecordsTotal.Inc()
}

// IncEndpoints counts discovered endpoints.
func (m *Metrics) IncEndpoints(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EndpointsTotal.Add(float64(n))
}

// IncFailover counts one departure from the primary channel.
func (m *Metrics) IncFailover() {
	if m == nil {
		return
	}
	m.ChannelFailovers.Inc()
}
