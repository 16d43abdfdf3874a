// Package metrics exposes Prometheus instrumentation for the bridge.
//
// Metrics:
//   - flowise_bridge_requests_total: completed requests by mode and status
//   - flowise_bridge_request_duration_seconds: request duration by mode
//   - flowise_bridge_active_streams: streaming sessions currently open
//   - flowise_bridge_tokens_forwarded_total: token chunks written to clients
//   - flowise_bridge_malformed_lines_total: upstream lines skipped as undecodable
//   - flowise_bridge_upstream_errors_total: upstream failures by stage
//   - flowise_bridge_time_to_first_token_seconds: latency until the first token chunk
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowise_bridge"

// Request modes.
const (
	ModeStream   = "stream"
	ModeBlocking = "blocking"
	// ModeInvalid labels requests rejected before a mode could be read.
	ModeInvalid = "invalid"
)

// Upstream failure stages.
const (
	StageConnect = "connect"
	StageStatus  = "status"
	StageStream  = "stream"
	StageIdle    = "idle"
)

// Collector owns every bridge metric and the registry they are registered with.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeStreams   prometheus.Gauge
	tokensForwarded prometheus.Counter
	malformedLines  prometheus.Counter
	upstreamErrors  *prometheus.CounterVec
	firstToken      prometheus.Histogram
}

// NewCollector creates and registers the bridge metrics. When registry is nil a
// fresh registry is created with the Go runtime and process collectors attached.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of chat completion requests handled",
			},
			[]string{"mode", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of chat completion requests in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of streaming sessions currently open",
		}),
		tokensForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_forwarded_total",
			Help:      "Total number of token chunks written to clients",
		}),
		malformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_lines_total",
			Help:      "Total number of upstream stream lines skipped as undecodable",
		}),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of Flowise failures by stage",
			},
			[]string{"stage"},
		),
		firstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request start to the first token chunk",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.activeStreams,
		c.tokensForwarded,
		c.malformedLines,
		c.upstreamErrors,
		c.firstToken,
	)
	return c
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(mode, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(mode, status).Inc()
	c.requestDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// StreamOpened increments the active stream gauge.
func (c *Collector) StreamOpened() { c.activeStreams.Inc() }

// StreamClosed decrements the active stream gauge.
func (c *Collector) StreamClosed() { c.activeStreams.Dec() }

// TokenForwarded counts one token chunk written to a client.
func (c *Collector) TokenForwarded() { c.tokensForwarded.Inc() }

// MalformedLine counts one skipped upstream line.
func (c *Collector) MalformedLine() { c.malformedLines.Inc() }

// UpstreamError counts a Flowise failure at the given stage.
func (c *Collector) UpstreamError(stage string) {
	c.upstreamErrors.WithLabelValues(stage).Inc()
}

// FirstToken observes the time to first token.
func (c *Collector) FirstToken(d time.Duration) {
	c.firstToken.Observe(d.Seconds())
}

// Handler returns the /metrics exposition handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
