package mq

import (
	"context"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// 死信消息上附带的诊断 header
const (
	headerDLQReason     = "x-dlq-reason"
	headerDLQQueue      = "x-dlq-source-queue"
	headerDLQAttempts   = "x-dlq-attempts"
	headerDLQFailedTime = "x-dlq-failed-at"
)

func dlqQueueName(queue string) string {
	return queue + ".dlq"
}

// amqpPublisher is the publishing half of *amqp091.Channel.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// publishToDLQ 把消息原样转入死信 exchange。routing key 不变，
// 绑定在 <queue>.dlq 上的队列保存它，直到管理员处理。
func publishToDLQ(ctx context.Context, ch amqpPublisher, routingKey, queue string, msg amqp091.Delivery, reason string, attempts int64, now time.Time) error {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[headerDLQReason] = reason
	headers[headerDLQQueue] = queue
	headers[headerDLQAttempts] = strconv.FormatInt(attempts, 10)
	headers[headerDLQFailedTime] = now.UTC().Format(time.RFC3339)

	return ch.PublishWithContext(ctx,
		DLQExchangeName,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			MessageId:    msg.MessageId,
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
}
