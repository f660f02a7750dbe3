// Package metrics exposes ledger counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheikh-saqib/replicated-ledger/internal/writer"
)

const namespace = "ledger"

// Metrics holds the collectors. It satisfies writer.Observer and
// ledger.Observer.
type Metrics struct {
	registry *prometheus.Registry

	eventsFlushed  prometheus.Counter
	batchesFlushed prometheus.Counter
	batchFailures  prometheus.Counter
	flushDuration  prometheus.Histogram
	batchSize      prometheus.Histogram
	eventsDropped  *prometheus.CounterVec

	transfers        *prometheus.CounterVec
	transferDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "events_flushed_total",
			Help: "Mirror events handed to the relational store.",
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "batches_flushed_total",
			Help: "Mirror batches flushed.",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "batch_failures_total",
			Help: "Mirror batches with at least one failed write.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flush_duration_seconds",
			Help:    "Time spent writing one batch to the mirror.",
			Buckets: prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "writer", Name: "batch_size",
			Help:    "Events per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "events_dropped_total",
			Help: "Mirror events dropped because the buffer was full.",
		}, []string{"kind"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfers_total",
			Help: "Transfer calls by outcome.",
		}, []string{"outcome"}),
		transferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "transfer_duration_seconds",
			Help:    "Latency of transfer calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.eventsFlushed, m.batchesFlushed, m.batchFailures, m.flushDuration,
		m.batchSize, m.eventsDropped, m.transfers, m.transferDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) OnBatchFlushed(size int, elapsed time.Duration, err error) {
	m.eventsFlushed.Add(float64(size))
	m.batchesFlushed.Inc()
	m.batchSize.Observe(float64(size))
	m.flushDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.batchFailures.Inc()
	}
}

func (m *Metrics) OnEventDropped(kind writer.EventKind) {
	m.eventsDropped.WithLabelValues(string(kind)).Inc()
}

// OnTransfer records one transfer call. outcome is one of "committed",
// "cached", "rejected" or "error".
func (m *Metrics) OnTransfer(outcome string, elapsed time.Duration) {
	m.transfers.WithLabelValues(outcome).Inc()
	m.transferDuration.Observe(elapsed.Seconds())
}

// RegisterGauge exposes a value computed on scrape.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ writer.Observer = (*Metrics)(nil)
