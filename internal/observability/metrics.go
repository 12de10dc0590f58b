package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WebhookRequests   *prometheus.CounterVec
	Segments          prometheus.Counter
	ParticipantEvents *prometheus.CounterVec
	Dispatches        *prometheus.CounterVec
	DispatchDropped   *prometheus.CounterVec
	DispatchLatency   *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	LiveSubscribers   prometheus.Gauge

	window *sinkWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of meetings with an active upstream relay connection.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WebhookRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhooks by event and result.",
		}, []string{"event", "result"}),
		Segments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Transcript segments sequenced by the relay.",
		}),
		ParticipantEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_events_total",
			Help:      "Classified participant events by type.",
		}, []string{"type"}),
		Dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Sink dispatches by sink and result.",
		}, []string{"sink", "result"}),
		DispatchDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Dispatches dropped because the queue was full.",
		}, []string{"sink"}),
		DispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Sink call latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"sink"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Jobs waiting in each fan-out shard.",
		}, []string{"shard"}),
		LiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscribers",
			Help:      "Connected live transcript viewers.",
		}),
		window: newSinkWindow(256),
	}
}

// ObserveDispatch records the outcome and latency of one sink call.
func (m *Metrics) ObserveDispatch(sink string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	ms := float64(d.Microseconds()) / 1000
	m.Dispatches.WithLabelValues(sink, result).Inc()
	m.DispatchLatency.WithLabelValues(sink).Observe(ms)
	m.window.Observe(sink, ms, err != nil)
}

func (m *Metrics) ObserveDropped(sink string) {
	if m == nil {
		return
	}
	m.DispatchDropped.WithLabelValues(sink).Inc()
	m.window.ObserveDropped(sink)
}

// ObserveQueueDepth records the backlog of one fan-out shard.
func (m *Metrics) ObserveQueueDepth(shard, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
}

// SetQueueSource installs the function reporting fan-out shard backlogs in
// SnapshotSinks.
func (m *Metrics) SetQueueSource(fn func() []QueueStats) {
	if m == nil {
		return
	}
	m.window.SetQueues(fn)
}

func (m *Metrics) SnapshotSinks() SinkSnapshot {
	if m == nil {
		return SinkSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
