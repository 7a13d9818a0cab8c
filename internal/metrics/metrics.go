// Package metrics holds the Prometheus collectors for one murmur process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "murmur"

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	spawnsCreated     prometheus.Counter
	transitions       *prometheus.CounterVec
	launchFailures    *prometheus.CounterVec
	correlations      *prometheus.CounterVec
	messagesProcessed prometheus.Counter
	directives        *prometheus.CounterVec
	timersExpired     prometheus.Counter
	streamClients     prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spawnsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_created_total",
			Help:      "Spawns created.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_transitions_total",
			Help:      "Spawn status transitions by target status.",
		}, []string{"status"}),
		launchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Provider process start failures.",
		}, []string{"provider", "kind"}),
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Session correlation outcomes by strategy, or miss.",
		}, []string{"strategy"}),
		messagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Channel messages run through mention and directive processing.",
		}),
		directives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_total",
			Help:      "Control directives handled.",
		}, []string{"kind"}),
		timersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_timers_expired_total",
			Help:      "Channel timers that fired.",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected spawn stream consumers.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.spawnsCreated,
		m.transitions,
		m.launchFailures,
		m.correlations,
		m.messagesProcessed,
		m.directives,
		m.timersExpired,
		m.streamClients,
	)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SpawnCreated() {
	if m != nil {
		m.spawnsCreated.Inc()
	}
}

func (m *Metrics) Transition(status string) {
	if m != nil {
		m.transitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) LaunchFailure(provider, kind string) {
	if m != nil {
		m.launchFailures.WithLabelValues(provider, kind).Inc()
	}
}

// Correlation records a strategy hit. Pass "miss" when nothing matched.
func (m *Metrics) Correlation(strategy string) {
	if m != nil {
		m.correlations.WithLabelValues(strategy).Inc()
	}
}

func (m *Metrics) MessageProcessed() {
	if m != nil {
		m.messagesProcessed.Inc()
	}
}

func (m *Metrics) Directive(kind string) {
	if m != nil {
		m.directives.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TimerExpired() {
	if m != nil {
		m.timersExpired.Inc()
	}
}

// StreamOpened increments the client gauge and returns the matching decrement.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.streamClients.Inc()
	return m.streamClients.Dec
}
