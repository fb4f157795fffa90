// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/autobrr/pickarr/internal/indexer"
)

const namespace = "pickarr"

// Metrics holds the Prometheus collectors for indexer traffic and searches.
// It satisfies indexer.Observer and search.Recorder, and StateChanged can be
// passed as an indexer.StateListener.
type Metrics struct {
	registry *prometheus.Registry

	IndexerRequests   *prometheus.CounterVec
	IndexerDuration   *prometheus.HistogramVec
	IndexerRejections *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	CircuitChanges    *prometheus.CounterVec
	SearchDuration    prometheus.Histogram
	SearchResponders  prometheus.Histogram
	SearchPartial     prometheus.Counter
	CacheLookups      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		IndexerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_requests_total",
			Help:      "Remote indexer attempts by outcome",
		}, []string{"indexer", "outcome"}),
		IndexerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "indexer_request_duration_seconds",
			Help:      "Latency of remote indexer attempts",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"indexer"}),
		IndexerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_rejections_total",
			Help:      "Calls rejected locally before reaching the indexer",
		}, []string{"indexer", "reason"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexer_circuit_state",
			Help:      "Circuit breaker state per indexer (0 closed, 1 half-open, 2 open)",
		}, []string{"indexer"}),
		CircuitChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_circuit_transitions_total",
			Help:      "Circuit breaker transitions by target state",
		}, []string{"indexer", "to"}),
		SearchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Time spent in fan-out searches",
			Buckets:   prometheus.DefBuckets,
		}),
		SearchResponders: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_responders_ratio",
			Help:      "Fraction of queried indexers that answered a search",
			Buckets:   []float64{0, 0.25, 0.5, 0.75, 1},
		}),
		SearchPartial: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_partial_total",
			Help:      "Searches where at least one indexer did not answer",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_cache_lookups_total",
			Help:      "Search cache lookups by result",
		}, []string{"result"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveAttempt(service string, kind indexer.ErrorKind, elapsed time.Duration) {
	outcome := string(kind)
	if kind == indexer.KindNone {
		outcome = "success"
	}
	m.IndexerRequests.WithLabelValues(service, outcome).Inc()
	m.IndexerDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRejection(service string, kind indexer.ErrorKind) {
	m.IndexerRejections.WithLabelValues(service, string(kind)).Inc()
}

func (m *Metrics) ObserveSearch(elapsed time.Duration, responded, total int) {
	m.SearchDuration.Observe(elapsed.Seconds())
	if total <= 0 {
		return
	}
	m.SearchResponders.Observe(float64(responded) / float64(total))
	if responded < total {
		m.SearchPartial.Inc()
	}
}

func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// StateChanged records a breaker transition.
func (m *Metrics) StateChanged(service string, _, to indexer.CircuitState) {
	m.CircuitState.WithLabelValues(service).Set(circuitValue(to))
	m.CircuitChanges.WithLabelValues(service, string(to)).Inc()
}

func circuitValue(s indexer.CircuitState) float64 {
	switch s {
	case indexer.CircuitHalfOpen:
		return 1
	case indexer.CircuitOpen:
		return 2
	default:
		return 0
	}
}
