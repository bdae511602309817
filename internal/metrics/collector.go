// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records engine-level prometheus metrics. A nil *Collector is
// valid and records nothing, so call sites never need a guard.
type Collector struct {
	streamsCreated *prometheus.CounterVec
	streamsClosed  *prometheus.CounterVec
	streamsErrored *prometheus.CounterVec
	chunksTotal    *prometheus.CounterVec
	chunkSizeTotal *prometheus.CounterVec
	pipesTotal     *prometheus.CounterVec
	pipeDuration   prometheus.Histogram
	teesTotal      prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the engine metrics on the default registry under
// the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.streamsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_created_total",
			Help:      "Total number of streams created",
		},
		[]string{"kind"},
	)
	c.streamsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams that reached the closed state",
		},
		[]string{"kind"},
	)
	c.streamsErrored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_errored_total",
			Help:      "Total number of streams that reached the errored state",
		},
		[]string{"kind"},
	)
	c.chunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Total number of chunks queued",
		},
		[]string{"kind"},
	)
	c.chunkSizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_size_total",
			Help:      "Sum of strategy-reported chunk sizes queued",
		},
		[]string{"kind"},
	)
	c.pipesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipes_total",
			Help:      "Total number of pipe operations by outcome",
		},
		[]string{"outcome"},
	)
	c.pipeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipe_duration_seconds",
			Help:      "Pipe operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)
	c.teesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tees_total",
			Help:      "Total number of tee operations",
		},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// StreamCreated records a stream construction.
func (c *Collector) StreamCreated(kind string) {
	if c == nil {
		return
	}
	c.streamsCreated.WithLabelValues(kind).Inc()
}

// StreamClosed records a stream reaching closed.
func (c *Collector) StreamClosed(kind string) {
	if c == nil {
		return
	}
	c.streamsClosed.WithLabelValues(kind).Inc()
}

// StreamErrored records a stream reaching errored.
func (c *Collector) StreamErrored(kind string) {
	if c == nil {
		return
	}
	c.streamsErrored.WithLabelValues(kind).Inc()
}

// ChunkMoved records one queued chunk and its strategy-reported size.
func (c *Collector) ChunkMoved(kind string, size float64) {
	if c == nil {
		return
	}
	c.chunksTotal.WithLabelValues(kind).Inc()
	c.chunkSizeTotal.WithLabelValues(kind).Add(size)
}

// PipeFinished records a completed pipe operation.
func (c *Collector) PipeFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.pipesTotal.WithLabelValues(outcome).Inc()
	c.pipeDuration.Observe(d.Seconds())
}

// TeeStarted records a tee operation.
func (c *Collector) TeeStarted() {
	if c == nil {
		return
	}
	c.teesTotal.Inc()
}
