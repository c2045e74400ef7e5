package mq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"barberloyalty/pkg/metrics"
	"barberloyalty/pkg/otel"
	"barberloyalty/pkg/trace"
	"barberloyalty/pkg/util"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// ErrPermanent 标记重试也不会成功的失败（比如消息体无法解析），直接进 DLQ
var ErrPermanent = errors.New("permanent failure")

// ConsumerOptions 控制失败重试；超过 MaxRetries 的消息转入 DLQ。
// 重新入队前等待 RetryBackoff * 次数，最多 MaxRetryBackoff。
type ConsumerOptions struct {
	MaxRetries      int64
	RetryCounter    *util.RetryCounter
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryCounter == nil {
		o.RetryCounter = util.NewRetryCounter(nil, 0)
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = 30 * o.RetryBackoff
	}
	return o
}

func (o ConsumerOptions) backoff(attempt int64) time.Duration {
	d := o.RetryBackoff * time.Duration(attempt)
	if d > o.MaxRetryBackoff || d <= 0 {
		return o.MaxRetryBackoff
	}
	return d
}

type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	dlq        amqpPublisher
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	opts       ConsumerOptions
	logger     *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, queueName, routingKey string, opts ConsumerOptions, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := dial(url, "consumer-"+queueName)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*Consumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := declareExchanges(ch); err != nil {
		return fail(err)
	}
	if _, err := declareQueue(ch, dlqQueueName(queueName), routingKey, DLQExchangeName); err != nil {
		return fail(err)
	}
	q, err := declareQueue(ch, queueName, routingKey, ExchangeName)
	if err != nil {
		return fail(err)
	}
	// 一次只处理一条，失败重入队不会饿死其他消息
	if err := ch.Qos(1, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set qos: %w", err))
	}

	opts = opts.withDefaults()

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		dlq:        ch,
		queue:      q,
		routingKey: routingKey,
		opts:       opts,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) IsConnected() bool {
	return c != nil && c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Start consumes until ctx is cancelled or the channel closes. Blocking.
func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.ConsumeWithContext(ctx,
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.process(ctx, msg)
		}
	}
}

// process 保证每条消息都会被 ack 或 nack
func (c *Consumer) process(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	ctx := otel.ExtractMQHeaders(parent, msg.Headers)
	if traceID, ok := msg.Headers[headerTraceID].(string); ok {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	defer span.End()
	defer func() { metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start)) }()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.Any("panic", r),
			)
			c.fail(ctx, msg, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		c.fail(ctx, msg, err)
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
	_ = c.opts.RetryCounter.Reset(ctx, c.retryKey(msg))
}

// fail 未超过重试次数 → 退避后 nack 重新入队；超过 → 转 DLQ 并 ack
func (c *Consumer) fail(ctx context.Context, msg amqp091.Delivery, cause error) {
	key := c.retryKey(msg)
	count, err := c.opts.RetryCounter.IncrementAndGet(ctx, key)
	if err != nil {
		c.logger.Warn("Retry counter unavailable, requeueing", zap.Error(err))
		c.requeue(ctx, msg, c.opts.MaxRetryBackoff)
		return
	}

	if util.ShouldRetry(count, c.opts.MaxRetries, !errors.Is(cause, ErrPermanent)) {
		c.requeue(ctx, msg, c.opts.backoff(count))
		return
	}

	if err := publishToDLQ(ctx, c.dlq, c.routingKey, c.queue.Name, msg, cause.Error(), count, time.Now()); err != nil {
		c.logger.Error("Failed to publish to DLQ, requeueing", zap.Error(err))
		c.requeue(ctx, msg, c.opts.MaxRetryBackoff)
		return
	}
	c.logger.Warn("Message moved to DLQ",
		zap.String("routing_key", c.routingKey),
		zap.Int64("attempts", count),
		zap.Error(cause),
	)
	_ = msg.Ack(false)
	_ = c.opts.RetryCounter.Reset(ctx, key)
}

// requeue 在 Qos(1) 下阻塞本消费者 wait 时间再 nack，避免失败消息空转
func (c *Consumer) requeue(ctx context.Context, msg amqp091.Delivery, wait time.Duration) {
	t := time.NewTimer(wait)
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	t.Stop()
	if err := msg.Nack(false, true); err != nil {
		c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
}

func (c *Consumer) retryKey(msg amqp091.Delivery) string {
	id := msg.MessageId
	if id == "" {
		sum := sha256.Sum256(msg.Body)
		id = hex.EncodeToString(sum[:8])
	}
	return util.FormatRetryKey(c.queue.Name, id)
}
