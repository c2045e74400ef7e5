package outbox

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrAlreadySent: 事件已经发布过，重放需要 force
var ErrAlreadySent = errors.New("outbox event already sent")

type replayStore interface {
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int, cause string) error
}

// ReplayService 供管理员手动重放 Outbox 事件（例如 DLQ 处理完之后）
type ReplayService struct {
	repo      replayStore
	publisher Publisher
	logger    *zap.Logger
}

func NewReplayService(repo replayStore, publisher Publisher, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// ReplayEvent publishes one event now. Sent events are refused unless force
// is set; the loyalty.credited consumer dedups a forced duplicate.
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64, force bool) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == StatusSent && !force {
		return fmt.Errorf("%w: %d", ErrAlreadySent, eventID)
	}
	return s.publish(ctx, event)
}

func (s *ReplayService) publish(ctx context.Context, event *Event) error {
	if err := s.publisher.PublishRaw(withPayloadTrace(ctx, event.Payload), event.RoutingKey, event.Payload); err != nil {
		// 手动重放失败直接回到 failed，不再占用自动重试次数
		if markErr := s.repo.MarkAsFailed(ctx, event.ID, 1, err.Error()); markErr != nil {
			return fmt.Errorf("publish event %d: %w (mark failed: %v)", event.ID, err, markErr)
		}
		return fmt.Errorf("publish event %d: %w", event.ID, err)
	}
	if err := s.repo.MarkAsSent(ctx, event.ID); err != nil {
		return fmt.Errorf("mark event %d sent: %w", event.ID, err)
	}
	return nil
}

// ReplayFailedEvents 重放最多 limit 个 failed 事件，返回成功数
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := s.publish(ctx, event); err != nil {
			s.logger.Warn("Replay failed",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			continue
		}
		replayed++
	}
	s.logger.Info("Replayed failed outbox events",
		zap.Int("replayed", replayed),
		zap.Int("examined", len(events)),
	)
	return replayed, nil
}
