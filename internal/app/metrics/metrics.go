// Package metrics defines the Prometheus instruments the service exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles all instruments on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	HTTPInFlight prometheus.Gauge

	// Webhook / deposit pipeline
	WebhookEvents   *prometheus.CounterVec
	DepositJobs     *prometheus.CounterVec
	DepositDuration prometheus.Histogram
	DepositAmount   prometheus.Histogram
	DuplicateSkips  prometheus.Counter
	RequeuedJobs    prometheus.Counter

	// Square API
	SquareCalls    *prometheus.CounterVec
	SquareDuration *prometheus.HistogramVec

	// Chain
	ChainTxs       *prometheus.CounterVec
	ChainTxGas     prometheus.Histogram
	ChainTxSeconds prometheus.Histogram
}

// New creates a Metrics with every instrument registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiltvault",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tiltvault",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiltvault",
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served.",
	})

	m.WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiltvault",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Square webhook deliveries by event type and outcome.",
	}, []string{"type", "outcome"})

	m.DepositJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiltvault",
		Subsystem: "deposit",
		Name:      "jobs_total",
		Help:      "Deposit jobs by terminal status.",
	}, []string{"status"})

	m.DepositDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tiltvault",
		Subsystem: "deposit",
		Name:      "job_duration_seconds",
		Help:      "End-to-end deposit job duration.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	})

	m.DepositAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tiltvault",
		Subsystem: "deposit",
		Name:      "amount_usd",
		Help:      "Deposit amounts in USD.",
		Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
	})

	m.DuplicateSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tiltvault",
		Subsystem: "deposit",
		Name:      "duplicate_skips_total",
		Help:      "Webhook deliveries skipped as duplicates.",
	})

	m.RequeuedJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tiltvault",
		Subsystem: "deposit",
		Name:      "requeued_jobs_total",
		Help:      "Failed jobs re-run by the requeue poller.",
	})

	m.SquareCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiltvault",
		Subsystem: "square",
		Name:      "api_calls_total",
		Help:      "Square API calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	m.SquareDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tiltvault",
		Subsystem: "square",
		Name:      "api_duration_seconds",
		Help:      "Square API call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	m.ChainTxs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiltvault",
		Subsystem: "chain",
		Name:      "transactions_total",
		Help:      "On-chain transactions by step and outcome.",
	}, []string{"step", "outcome"})

	m.ChainTxGas = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tiltvault",
		Subsystem: "chain",
		Name:      "transaction_gas_used",
		Help:      "Gas used per mined transaction.",
		Buckets:   []float64{50_000, 100_000, 200_000, 400_000, 800_000, 1_600_000},
	})

	m.ChainTxSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tiltvault",
		Subsystem: "chain",
		Name:      "transaction_wait_seconds",
		Help:      "Time from submission to receipt.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120},
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPDuration, m.HTTPInFlight,
		m.WebhookEvents, m.DepositJobs, m.DepositDuration, m.DepositAmount,
		m.DuplicateSkips, m.RequeuedJobs,
		m.SquareCalls, m.SquareDuration,
		m.ChainTxs, m.ChainTxGas, m.ChainTxSeconds,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
