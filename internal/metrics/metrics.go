// ABOUTME: Prometheus collectors for widget messages, bot turns and escalations
// ABOUTME: Collector satisfies conversation.Recorder and serves its own registry over HTTP

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-support/internal/conversation"
	"github.com/2389/coven-support/internal/store"
)

const (
	namespace = "coven"
	subsystem = "support"
)

// Collector records conversation activity. Each Collector owns a registry,
// so tests and multiple servers in one process do not collide.
type Collector struct {
	registry *prometheus.Registry

	MessagesTotal    *prometheus.CounterVec
	TurnsStarted     prometheus.Counter
	TurnsTotal       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	TurnsInFlight    prometheus.Gauge
	EscalationsTotal prometheus.Counter
	ResolverPanics   prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// Option configures a Collector
type Option func(*options)

type options struct {
	runtime bool
}

// WithRuntimeCollectors also registers the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(o *options) {
		o.runtime = true
	}
}

// New creates a Collector with a fresh registry.
func New(opts ...Option) *Collector {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	if o.runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_total",
				Help:      "Messages appended to conversations",
			},
			[]string{"sender"},
		),
		TurnsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "turns_started_total",
				Help:      "Bot turns scheduled",
			},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "turns_total",
				Help:      "Bot turns finished, by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "turn_duration_seconds",
				Help:      "Wall time from scheduling a turn to its end",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10},
			},
			[]string{"outcome"},
		),
		TurnsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "turns_in_flight",
				Help:      "Bot turns scheduled but not finished",
			},
		),
		EscalationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "escalations_total",
				Help:      "Bot replies that handed the conversation to an agent",
			},
		),
		ResolverPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resolver_panics_total",
				Help:      "Bot resolver panics answered with the failure reply",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry exposes the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// MessageSent counts one appended message.
func (c *Collector) MessageSent(sender store.Sender) {
	c.MessagesTotal.WithLabelValues(string(sender)).Inc()
}

// TurnStarted counts a scheduled turn.
func (c *Collector) TurnStarted() {
	c.TurnsStarted.Inc()
	c.TurnsInFlight.Inc()
}

// TurnFinished records how a turn ended and how long it took.
func (c *Collector) TurnFinished(outcome conversation.TurnOutcome, elapsed time.Duration) {
	c.TurnsInFlight.Dec()
	c.TurnsTotal.WithLabelValues(string(outcome)).Inc()
	c.TurnDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// Escalated counts a bot escalation.
func (c *Collector) Escalated() {
	c.EscalationsTotal.Inc()
}

// ResolverRecovered counts a recovered resolver panic.
func (c *Collector) ResolverRecovered() {
	c.ResolverPanics.Inc()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var _ conversation.Recorder = (*Collector)(nil)
