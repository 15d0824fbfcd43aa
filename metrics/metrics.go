// Package metrics exposes Prometheus instruments for engine operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// Engine holds the counters and histograms recorded by the follow-up,
// dispute and outbox services. A nil *Engine records nothing.
type Engine struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	votesTotal        *prometheus.CounterVec
	resolutionsTotal  *prometheus.CounterVec
	outboxPublished   *prometheus.CounterVec
	outboxDead        prometheus.Counter

	collectors []prometheus.Collector
}

// NewEngine creates the instruments and registers them on registry.
func NewEngine(registry prometheus.Registerer) (*Engine, error) {
	m := &Engine{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Engine) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaintflow_operations_total",
			Help: "Total number of engine operations",
		},
		[]string{"operation", "status"},
	)
	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complaintflow_operation_duration_seconds",
			Help:    "Time taken by engine operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)
	m.votesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaintflow_votes_total",
			Help: "Votes cast on disputes",
		},
		[]string{"in_favor"},
	)
	m.resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaintflow_dispute_resolutions_total",
			Help: "Disputes resolved by label",
		},
		[]string{"resolution"},
	)
	m.outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaintflow_outbox_published_total",
			Help: "Outbox events published by topic",
		},
		[]string{"topic"},
	)
	m.outboxDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "complaintflow_outbox_dead_total",
			Help: "Outbox events abandoned after max attempts",
		},
	)

	m.collectors = []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.votesTotal,
		m.resolutionsTotal,
		m.outboxPublished,
		m.outboxDead,
	}
}

// Describe implements prometheus.Collector.
func (m *Engine) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Engine) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// ObserveOperation records the outcome and latency of one operation.
func (m *Engine) ObserveOperation(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Engine) RecordVote(inFavor bool) {
	if m == nil {
		return
	}
	label := "false"
	if inFavor {
		label = "true"
	}
	m.votesTotal.WithLabelValues(label).Inc()
}

func (m *Engine) RecordResolution(resolution string) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(resolution).Inc()
}

func (m *Engine) RecordPublished(topic string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(topic).Inc()
}

func (m *Engine) RecordDead() {
	if m == nil {
		return
	}
	m.outboxDead.Inc()
}
