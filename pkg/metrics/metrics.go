// Copyright © 2018 One Concern

// Package metrics exposes the scheduler, storage and transfer counters to prometheus.
//
// All recording methods are safe to call on a nil *Collector, so components may
// take an optional collector without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission results
const (
	AdmitCacheHit = "cache_hit"
	AdmitJoined   = "joined"
	AdmitQueued   = "queued"
	AdmitRejected = "rejected"
)

// Collector of prometheus metrics
type Collector struct {
	submissions   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	requeues      prometheus.Counter
	latency       prometheus.Histogram
	queueWait     prometheus.Histogram
	queueDepth    prometheus.Gauge
	inFlight      prometheus.Gauge
	workers       prometheus.Gauge
	evictions     prometheus.Counter
	transferBytes *prometheus.CounterVec
}

// NewCollector builds and registers the metrics
func NewCollector(opts ...Option) (*Collector, error) {
	s := defaultSettings()
	for _, apply := range opts {
		apply(s)
	}

	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      "actions_submitted_total",
			Help:      "Total number of submitted actions, by admission result",
		}, []string{"result"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      "executions_completed_total",
			Help:      "Total number of completed executions, by outcome",
		}, []string{"outcome"}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      "executions_requeued_total",
			Help:      "Total number of executions put back in the queue after a worker loss or error",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      "execution_latency_seconds",
			Help:      "Time from admission to completion",
			Buckets:   s.buckets,
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent queued before assignment",
			Buckets:   s.buckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued executions",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      "executions_in_flight",
			Help:      "Current number of assigned or executing executions",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      "workers",
			Help:      "Current number of registered worker sessions",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      "store_evictions_total",
			Help:      "Total number of blobs evicted from bounded stores",
		}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total number of bytes moved by the transfer service, by direction",
		}, []string{"direction"}),
	}

	if s.registerer != nil {
		for _, collector := range []prometheus.Collector{
			c.submissions, c.executions, c.requeues, c.latency, c.queueWait,
			c.queueDepth, c.inFlight, c.workers, c.evictions, c.transferBytes,
		} {
			if err := s.registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// RecordSubmission counts an admission by result
func (c *Collector) RecordSubmission(result string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(result).Inc()
}

// RecordCompleted counts a completed execution and observes its latency
func (c *Collector) RecordCompleted(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(outcome).Inc()
	c.latency.Observe(latency.Seconds())
}

// RecordRequeue counts an execution put back in the queue
func (c *Collector) RecordRequeue() {
	if c == nil {
		return
	}
	c.requeues.Inc()
}

// RecordAssigned observes the time an execution spent waiting for a worker
func (c *Collector) RecordAssigned(wait time.Duration) {
	if c == nil {
		return
	}
	c.queueWait.Observe(wait.Seconds())
}

// UpdateQueueStats sets the queue gauges
func (c *Collector) UpdateQueueStats(queued, inFlight, workers int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(queued))
	c.inFlight.Set(float64(inFlight))
	c.workers.Set(float64(workers))
}

// RecordEviction counts an evicted blob
func (c *Collector) RecordEviction() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

// RecordTransfer counts bytes moved in a direction ("upload" or "download")
func (c *Collector) RecordTransfer(direction string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// Handler serves the metrics gathered by g in the prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
