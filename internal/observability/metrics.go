// Package observability exposes Prometheus metrics derived from the service
// event bus. The bus remains the behavioural contract; metrics are a
// read-only projection of it.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ivory/internal/agent/app"
	"ivory/internal/eventbus"
)

// Metrics holds the collector set for one service instance.
type Metrics struct {
	registry *prometheus.Registry

	turnsStarted   prometheus.Counter
	turnsCompleted prometheus.Counter
	turnsErrored   prometheus.Counter
	turnsAborted   prometheus.Counter

	toolExecutions *prometheus.CounterVec
	toolDuration   prometheus.Histogram

	permissionPrompts prometheus.Counter
	activeSessions    prometheus.GaugeFunc

	unsubs []func()
}

// NewMetrics builds the collector set on a private registry so tests can run
// several instances side by side.
func NewMetrics(sessionCount func() int) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}

	m.turnsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivory", Subsystem: "agent", Name: "turns_started_total",
		Help: "Turns accepted by the runner.",
	})
	m.turnsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivory", Subsystem: "agent", Name: "turns_completed_total",
		Help: "Turns that ended with a final response.",
	})
	m.turnsErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivory", Subsystem: "agent", Name: "turns_errored_total",
		Help: "Turns that surfaced an error.",
	})
	m.turnsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivory", Subsystem: "agent", Name: "turns_aborted_total",
		Help: "Turns unwound by an abort.",
	})
	m.toolExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ivory", Subsystem: "tools", Name: "executions_total",
		Help: "Tool executions by terminal status.",
	}, []string{"status"})
	m.toolDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ivory", Subsystem: "tools", Name: "execution_duration_seconds",
		Help:    "Wall time of completed tool executions.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	m.permissionPrompts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivory", Subsystem: "agent", Name: "permission_prompts_total",
		Help: "Permission prompts raised.",
	})
	m.activeSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ivory", Subsystem: "sessions", Name: "active",
		Help: "Resident sessions.",
	}, func() float64 {
		if sessionCount == nil {
			return 0
		}
		return float64(sessionCount())
	})

	registry.MustRegister(
		m.turnsStarted, m.turnsCompleted, m.turnsErrored, m.turnsAborted,
		m.toolExecutions, m.toolDuration, m.permissionPrompts, m.activeSessions,
	)
	return m
}

// Bind subscribes the collectors to the service bus. Call Unbind to detach.
func (m *Metrics) Bind(bus *eventbus.Bus) {
	sub := func(topic string, fn func(eventbus.Event)) {
		m.unsubs = append(m.unsubs, bus.On(topic, fn))
	}

	sub(app.TopicProcessingStarted, func(eventbus.Event) { m.turnsStarted.Inc() })
	sub(app.TopicProcessingCompleted, func(eventbus.Event) { m.turnsCompleted.Inc() })
	sub(app.TopicProcessingError, func(eventbus.Event) { m.turnsErrored.Inc() })
	sub(app.TopicProcessingAborted, func(eventbus.Event) { m.turnsAborted.Inc() })

	toolTerminal := func(status string) func(eventbus.Event) {
		return func(e eventbus.Event) {
			m.toolExecutions.WithLabelValues(status).Inc()
			if payload, ok := e.Payload.(app.ToolEventPayload); ok && payload.Tool.DurationMS > 0 {
				m.toolDuration.Observe(float64(payload.Tool.DurationMS) / 1000)
			}
		}
	}
	sub(app.TopicToolCompleted, toolTerminal("completed"))
	sub(app.TopicToolError, toolTerminal("error"))
	sub(app.TopicToolAborted, toolTerminal("aborted"))

	sub(app.TopicPermissionRequested, func(eventbus.Event) { m.permissionPrompts.Inc() })
}

// Unbind detaches all bus subscriptions.
func (m *Metrics) Unbind() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
