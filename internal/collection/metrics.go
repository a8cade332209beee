package collection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors shared by all collections. All
// methods are nil-safe so tests can run without a registry.
type Metrics struct {
	searchLatency *prometheus.HistogramVec
	searchResults *prometheus.CounterVec
	inserts       *prometheus.CounterVec
	deletes       *prometheus.CounterVec
	insertLatency *prometheus.HistogramVec
}

// NewMetrics registers the collection collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		searchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vectord",
			Subsystem: "collection",
			Name:      "search_duration_seconds",
			Help:      "Latency of collection searches.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"collection"}),
		searchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "collection",
			Name:      "search_results_total",
			Help:      "Results returned by searches.",
		}, []string{"collection"}),
		inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "collection",
			Name:      "inserts_total",
			Help:      "Vectors inserted.",
		}, []string{"collection"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "collection",
			Name:      "deletes_total",
			Help:      "Vectors tombstoned.",
		}, []string{"collection"}),
		insertLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vectord",
			Subsystem: "collection",
			Name:      "insert_duration_seconds",
			Help:      "Latency of insert batches.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"collection"}),
	}
	reg.MustRegister(m.searchLatency, m.searchResults, m.inserts, m.deletes, m.insertLatency)
	return m
}

// ObserveSearch records one search.
func (m *Metrics) ObserveSearch(name string, results int, took time.Duration) {
	if m == nil {
		return
	}
	m.searchLatency.WithLabelValues(name).Observe(took.Seconds())
	m.searchResults.WithLabelValues(name).Add(float64(results))
}

// ObserveInsert records one insert batch.
func (m *Metrics) ObserveInsert(name string, count int, took time.Duration) {
	if m == nil {
		return
	}
	m.inserts.WithLabelValues(name).Add(float64(count))
	m.insertLatency.WithLabelValues(name).Observe(took.Seconds())
}

// ObserveDelete records tombstoned vectors.
func (m *Metrics) ObserveDelete(name string, count int) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(name).Add(float64(count))
}
