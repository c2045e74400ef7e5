package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 单次推送结果计数
	PushDeliveryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_delivery_total",
			Help: "Web Push delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered, gone, transient
	)

	// 推送调用延迟（秒）
	PushDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_delivery_duration_seconds",
			Help:    "Web Push provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"outcome"},
	)

	// 推送服务熔断状态变化
	PushBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_breaker_transitions_total",
			Help: "Circuit breaker state changes per push host",
		},
		[]string{"host", "state"},
	)

	// 分发耗时（秒）
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_dispatch_duration_seconds",
			Help:    "Duration of one sendToUser/sendToAll call",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind", "status"},
	)

	// 被清理的过期订阅
	SubscriptionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_subscriptions_pruned_total",
			Help: "Subscriptions deleted after the push service reported them gone",
		},
	)

	// 因偏好设置被跳过的订阅
	PreferenceSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_preference_skipped_total",
			Help: "Subscriptions skipped because the owner disabled the category",
		},
		[]string{"category"},
	)

	// 积分入账计数
	LoyaltyCreditCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_credit_total",
			Help: "Loyalty credit attempts by trigger and result",
		},
		[]string{"source", "result"}, // result: applied, already_credited, error
	)

	// 免费理发发放计数
	FreeCutsGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_free_cuts_granted_total",
			Help: "Free cuts granted by reaching a stamp multiple",
		},
	)

	// 定时扫描耗时（秒）
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loyalty_sweep_duration_seconds",
			Help:    "Duration of one loyalty sweep",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"sql"},
	)

	// Outbox 发布结果
	OutboxPublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_total",
			Help: "Outbox events handed to the publisher, by routing key and result",
		},
		[]string{"routing_key", "result"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

func RecordPushDelivery(outcome string, duration time.Duration) {
	PushDeliveryCount.WithLabelValues(outcome).Inc()
	PushDeliveryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordBreakerTransition(host, state string) {
	PushBreakerTransitions.WithLabelValues(host, state).Inc()
}

func RecordDispatch(kind, status string, duration time.Duration) {
	DispatchDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

func AddSubscriptionsPruned(n int) {
	SubscriptionsPruned.Add(float64(n))
}

func AddPreferenceSkipped(category string, n int) {
	PreferenceSkipped.WithLabelValues(category).Add(float64(n))
}

func IncrementLoyaltyCredit(source, result string) {
	LoyaltyCreditCount.WithLabelValues(source, result).Inc()
}

func IncrementFreeCutsGranted() {
	FreeCutsGranted.Inc()
}

func RecordSweepDuration(duration time.Duration) {
	SweepDuration.Observe(duration.Seconds())
}

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func IncrementSlowQuery(sql string, _ time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementOutboxPublish(routingKey, result string) {
	OutboxPublishCount.WithLabelValues(routingKey, result).Inc()
}
