package worker

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mhmd-249/cbi/internal/linking"
	"github.com/mhmd-249/cbi/internal/llm"
	"github.com/mhmd-249/cbi/internal/queue"
	"github.com/mhmd-249/cbi/internal/realtime"
)

// Metrics holds Prometheus metrics for message processing and fan-out.
type Metrics struct {
	MessagesTotal       *prometheus.CounterVec
	TurnDuration        prometheus.Histogram
	TransitionsTotal    *prometheus.CounterVec
	ReportsTotal        *prometheus.CounterVec
	LinksTotal          *prometheus.CounterVec
	QueueErrorsTotal    prometheus.Counter
	ClaimedTotal        prometheus.Counter
	QueueLength         prometheus.Gauge
	QueuePending        prometheus.Gauge
	ActiveConversations prometheus.Gauge
	LLMCallsTotal       *prometheus.CounterVec
	LLMTokensIn         prometheus.Counter
	LLMTokensOut        prometheus.Counter
	LLMDuration         prometheus.Histogram
	PublishesTotal      *prometheus.CounterVec
	PublishDelivered    prometheus.Counter
	NotificationsTotal  *prometheus.CounterVec
	WSConnections       prometheus.Gauge
	WSRejectsTotal      *prometheus.CounterVec
	WSForwardedTotal    prometheus.Counter
	WebhooksTotal       *prometheus.CounterVec
}

// NewMetrics registers and returns worker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_messages_total",
			Help: "Queue entries handled by outcome.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cbi_turn_duration_seconds",
			Help:    "Duration of one conversation turn including persistence.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_conversation_transitions_total",
			Help: "Conversation mode transitions.",
		}, []string{"from", "to"}),
		ReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_reports_total",
			Help: "Finalized reports by urgency and alert type.",
		}, []string{"urgency", "alert_type"}),
		LinksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_report_links_total",
			Help: "Report links created by type.",
		}, []string{"type"}),
		QueueErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbi_queue_errors_total",
			Help: "Failed queue reads.",
		}),
		ClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbi_queue_claimed_total",
			Help: "Entries reclaimed from idle consumers.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbi_queue_length",
			Help: "Entries retained in the ingestion log.",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbi_queue_pending",
			Help: "Entries delivered but not acknowledged.",
		}),
		ActiveConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbi_active_conversations",
			Help: "Conversations with an unexpired state record.",
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_llm_calls_total",
			Help: "Text-understanding service calls by error kind (empty on success).",
		}, []string{"kind"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbi_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbi_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cbi_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_realtime_publishes_total",
			Help: "Realtime publishes by envelope type and result.",
		}, []string{"type", "result"}),
		PublishDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbi_realtime_delivered_total",
			Help: "Subscribers reached by realtime publishes.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_notifications_total",
			Help: "External notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbi_ws_connections",
			Help: "Open realtime client connections.",
		}),
		WSRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_ws_rejects_total",
			Help: "Realtime connections closed before subscribing, by close code.",
		}, []string{"code"}),
		WSForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbi_ws_forwarded_total",
			Help: "Payloads forwarded to realtime clients.",
		}),
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbi_webhooks_total",
			Help: "Inbound webhooks by channel and result.",
		}, []string{"channel", "result"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.TurnDuration,
		m.TransitionsTotal,
		m.ReportsTotal,
		m.LinksTotal,
		m.QueueErrorsTotal,
		m.ClaimedTotal,
		m.QueueLength,
		m.QueuePending,
		m.ActiveConversations,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.PublishesTotal,
		m.PublishDelivered,
		m.NotificationsTotal,
		m.WSConnections,
		m.WSRejectsTotal,
		m.WSForwardedTotal,
		m.WebhooksTotal,
	)

	return m
}

// LLMHooks returns llm.Hooks that record every provider call.
func (m *Metrics) LLMHooks() llm.Hooks {
	return llm.Hooks{
		OnCall: func(kind llm.ErrorKind, inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.WithLabelValues(string(kind)).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
	}
}

// PublishHooks returns realtime.PublishHooks that record publishes.
func (m *Metrics) PublishHooks() realtime.PublishHooks {
	return realtime.PublishHooks{
		OnPublish: func(typ realtime.EnvelopeType, delivered int, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.PublishesTotal.WithLabelValues(string(typ), result).Inc()
			m.PublishDelivered.Add(float64(delivered))
		},
	}
}

// GatewayHooks returns realtime.GatewayHooks that track connections.
func (m *Metrics) GatewayHooks() realtime.GatewayHooks {
	return realtime.GatewayHooks{
		OnConnect:    m.WSConnections.Inc,
		OnDisconnect: m.WSConnections.Dec,
		OnReject: func(code int) {
			m.WSRejectsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
		},
		OnForward: m.WSForwardedTotal.Inc,
	}
}

// NotificationResult records one external delivery.
func (m *Metrics) NotificationResult(ch linking.Channel, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.NotificationsTotal.WithLabelValues(string(ch), result).Inc()
}

// SetQueueStats updates the queue gauges.
func (m *Metrics) SetQueueStats(s queue.Stats) {
	m.QueueLength.Set(float64(s.Length))
	m.QueuePending.Set(float64(s.Pending))
}

// SetActiveConversations updates the active conversation gauge.
func (m *Metrics) SetActiveConversations(n int) {
	m.ActiveConversations.Set(float64(n))
}

// Webhook records one inbound webhook.
func (m *Metrics) Webhook(channel, result string) {
	m.WebhooksTotal.WithLabelValues(channel, result).Inc()
}
