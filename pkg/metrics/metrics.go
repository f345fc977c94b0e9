package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	InboundMessages          *prometheus.CounterVec
	StateTransitions         *prometheus.CounterVec
	ClassifierFallbacks      prometheus.Counter
	EscalationsCreated       *prometheus.CounterVec
	TriggerFirings           *prometheus.CounterVec
	TriggerTickDuration      prometheus.Histogram
	ScheduledFiringsCount    prometheus.Gauge
	TriggerLeaderChanges     prometheus.Counter
	LeaderElectionDuration   prometheus.Histogram
	RedisOperationDuration   *prometheus.HistogramVec
	ContextStoreFailures     *prometheus.CounterVec
	DeliveryAttempts         *prometheus.CounterVec
	NotificationsProcessed   *prometheus.CounterVec
	NotificationQueueLatency prometheus.Histogram
	ContextKeysInspected     prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics returns the process-wide metrics registered on the default registry.
func NewMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers a fresh metric set on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_messages_total",
			Help: "Total number of inbound guest messages by outcome",
		}, []string{"outcome"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conversation_transitions_total",
			Help: "Total number of conversation state transitions",
		}, []string{"from", "to"}),
		ClassifierFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "classifier_fallbacks_total",
			Help: "Total number of classifications that fell back to the default intent",
		}),
		EscalationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalations_created_total",
			Help: "Total number of escalation records created",
		}, []string{"reason"}),
		TriggerFirings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_firings_total",
			Help: "Total number of trigger firings evaluated by status",
		}, []string{"kind", "status"}),
		TriggerTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trigger_tick_duration_seconds",
			Help:    "Time taken to evaluate one trigger engine tick",
			Buckets: prometheus.DefBuckets,
		}),
		ScheduledFiringsCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scheduled_firings_due",
			Help: "Number of scheduled firings that were due on the last tick",
		}),
		TriggerLeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "trigger_leader_changes_total",
			Help: "Total number of trigger engine leader changes",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ContextStoreFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "context_store_failures_total",
			Help: "Total number of context store operations that degraded",
		}, []string{"operation"}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Total number of outbound delivery attempts by result",
		}, []string{"result"}),
		NotificationsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "staff_notifications_processed_total",
			Help: "Total number of staff notifications processed",
		}, []string{"status"}),
		NotificationQueueLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "staff_notification_processing_seconds",
			Help:    "Time taken to process staff notification stream messages",
			Buckets: prometheus.DefBuckets,
		}),
		ContextKeysInspected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "context_keys_without_ttl",
			Help: "Context keys found without an expiry on the last advisory scan",
		}),
	}
}
