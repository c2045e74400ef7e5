package outbox

import (
	"context"
	"encoding/json"
	"time"

	"barberloyalty/pkg/metrics"
	"barberloyalty/pkg/trace"

	"go.uber.org/zap"
)

type eventStore interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int, cause string) error
}

// Dispatcher 负责从 outbox 中读取事件并发布
type Dispatcher struct {
	repo       eventStore
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(repo eventStore, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	return d
}

// Start 启动 Dispatcher，阻塞直到 ctx 结束
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.ProcessPending(ctx)
		}
	}
}

// ProcessPending 处理一批待发送事件，返回成功发布的数量。
// 单条失败只影响该事件的重试计数，不中断这一批。
func (d *Dispatcher) ProcessPending(ctx context.Context) int {
	events, err := d.repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	published := 0
	for _, event := range events {
		if d.publish(ctx, event) {
			published++
		}
	}
	d.logger.Debug("Outbox batch processed",
		zap.Int("published", published),
		zap.Int("batch", len(events)),
	)
	return published
}

func (d *Dispatcher) publish(ctx context.Context, event *Event) bool {
	log := d.logger.With(
		zap.Int64("event_id", event.ID),
		zap.String("routing_key", event.RoutingKey),
	)

	if err := d.publisher.PublishRaw(withPayloadTrace(ctx, event.Payload), event.RoutingKey, event.Payload); err != nil {
		metrics.IncrementOutboxPublish(event.RoutingKey, "failed")
		log.Error("Failed to publish event", zap.Int("retry_count", event.RetryCount), zap.Error(err))
		if err := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries, err.Error()); err != nil {
			log.Error("Failed to mark event as failed", zap.Error(err))
		}
		return false
	}

	metrics.IncrementOutboxPublish(event.RoutingKey, "sent")
	// 已发布但没标记成功时，下一轮会重发；消费端按 (客户, 章号) 去重
	if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
		log.Error("Failed to mark event as sent", zap.Error(err))
		return false
	}
	return true
}

// withPayloadTrace 从 payload 中提取 trace_id（如果存在）
func withPayloadTrace(ctx context.Context, payload json.RawMessage) context.Context {
	var p struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ctx
	}
	return trace.WithContext(ctx, p.TraceID)
}
