package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "script_manager"

// Metrics holds the Prometheus collectors of the script manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	executionsScheduled *prometheus.CounterVec
	pushAttempts        *prometheus.CounterVec
	cacheLookups        *prometheus.CounterVec
	auditDropped        prometheus.Counter
	eventsPublished     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Executions reaching a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time of remote dispatch",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		executionsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_scheduled_total",
				Help:      "Execution records created by scheduling requests",
			},
			[]string{"schedule_type"},
		),
		pushAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_attempts_total",
				Help:      "Best-effort pushes of pending scripts to machines",
			},
			[]string{"result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Parsed content cache lookups",
			},
			[]string{"result"},
		),
		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_entries_dropped_total",
				Help:      "Audit entries that could not be queued or written",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Lifecycle events handed to the event sink",
			},
			[]string{"channel", "result"},
		),
	}

	registry.MustRegister(
		m.executionsCompleted,
		m.executionDuration,
		m.executionsScheduled,
		m.pushAttempts,
		m.cacheLookups,
		m.auditDropped,
		m.eventsPublished,
	)
	return m
}

func (m *Metrics) RecordExecutionCompleted(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordScheduled(scheduleType string, count int) {
	if m == nil {
		return
	}
	m.executionsScheduled.WithLabelValues(scheduleType).Add(float64(count))
}

// RecordPush counts one push attempt; ok false covers both transport errors
// and a remote success:false.
func (m *Metrics) RecordPush(ok bool) {
	if m == nil {
		return
	}
	m.pushAttempts.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	m.cacheLookups.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *Metrics) RecordEvent(channel string, ok bool) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(channel, result(ok)).Inc()
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
