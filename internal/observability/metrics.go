package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	TurnLatency       prometheus.Histogram
	FlushOutcomes     *prometheus.CounterVec
	FlushedMessages   prometheus.Counter
	RetentionDeleted  *prometheus.CounterVec
	RetentionFailures prometheus.Counter
	MalformedEntries  *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open chat websocket connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction.",
		}, []string{"direction"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by stage.",
		}, []string{"stage"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Completion provider errors by retryability.",
		}, []string{"retryable"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Latency of a full request/reply turn in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		FlushOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_outcomes_total",
			Help:      "Session flush attempts by outcome.",
		}, []string{"outcome"}),
		FlushedMessages: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_messages_total",
			Help:      "Messages migrated from the volatile log into durable history.",
		}),
		RetentionDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Durable history removed by retention enforcement.",
		}, []string{"unit"}),
		RetentionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_failures_total",
			Help:      "Retention passes that failed after a committed flush.",
		}),
		MalformedEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_log_entries_total",
			Help:      "Volatile log entries skipped because they failed to decode.",
		}, []string{"source"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveTurn(d time.Duration) {
	if m == nil {
		return
	}
	m.TurnLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("turn_total", float64(d)/float64(time.Millisecond))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) ObserveProviderError(retryable bool) {
	if m == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	m.ProviderErrors.WithLabelValues(label).Inc()
	m.stages.ObserveIndicator("provider_error")
}

func (m *Metrics) ObserveFlush(outcome string, messages int) {
	if m == nil {
		return
	}
	m.FlushOutcomes.WithLabelValues(outcome).Inc()
	if messages > 0 {
		m.FlushedMessages.Add(float64(messages))
	}
	m.stages.ObserveIndicator("flush_" + outcome)
}

func (m *Metrics) ObserveRetention(unit string, deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.RetentionDeleted.WithLabelValues(unit).Add(float64(deleted))
}

func (m *Metrics) ObserveRetentionFailure() {
	if m == nil {
		return
	}
	m.RetentionFailures.Inc()
	m.stages.ObserveIndicator("retention_failure")
}

func (m *Metrics) ObserveMalformed(source string) {
	if m == nil {
		return
	}
	m.MalformedEntries.WithLabelValues(source).Inc()
	m.stages.ObserveIndicator("malformed_entry")
}

func (m *Metrics) ObserveWSMessage(direction string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) ObserveWSWriteError(stage string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// LatencySnapshot reports rolling per-stage latency percentiles.
func (m *Metrics) LatencySnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
