package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher 发布已编码的事件；*mq.Publisher 与 LocalPublisher 都实现它
type Publisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

// LocalHandler has the same shape as an MQ consumer handler.
type LocalHandler func(ctx context.Context, data json.RawMessage) error

// LocalPublisher 在没有 MQ 时把事件直接交给进程内的 handler
type LocalPublisher struct {
	mu       sync.RWMutex
	handlers map[string]LocalHandler
}

func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{handlers: make(map[string]LocalHandler)}
}

func (p *LocalPublisher) Register(routingKey string, h LocalHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[routingKey] = h
}

func (p *LocalPublisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	p.mu.RLock()
	h, ok := p.handlers[routingKey]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no local handler for routing key %q", routingKey)
	}
	return h(ctx, body)
}
