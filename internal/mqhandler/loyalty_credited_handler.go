package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	mqcontracts "barberloyalty/contracts/mq"
	"barberloyalty/internal/domain"
	"barberloyalty/pkg/logger"
	"barberloyalty/pkg/mq"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Notifier interface {
	SendToUser(ctx context.Context, userID uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error)
}

type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Release(ctx context.Context, scope, key string)
}

const dedupScope = "loyalty_credited_notify"

type LoyaltyCreditedHandler struct {
	notifier Notifier
	deduper  Deduper
	logger   *zap.Logger
}

func NewLoyaltyCreditedHandler(notifier Notifier, deduper Deduper, logger *zap.Logger) *LoyaltyCreditedHandler {
	return &LoyaltyCreditedHandler{
		notifier: notifier,
		deduper:  deduper,
		logger:   logger,
	}
}

// Handle -- 盖章成功后给客户推送通知。推送失败不影响已经提交的入账。
func (h *LoyaltyCreditedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.LoyaltyCreditedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal loyalty credited payload", zap.Error(err))
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	}
	if p.CustomerID == uuid.Nil {
		return fmt.Errorf("%w: loyalty credited payload without customer", mq.ErrPermanent)
	}

	// 同一客户的同一个章号只通知一次（消息可能被重投）
	key := p.CustomerID.String() + ":" + strconv.Itoa(p.StampCount)
	if h.deduper != nil && !h.deduper.AcquireOnce(ctx, dedupScope, key) {
		return nil
	}

	metadata := map[string]any{
		"source":      p.Source,
		"stamp_count": p.StampCount,
	}
	if p.BookingID != nil {
		metadata["booking_id"] = p.BookingID.String()
	}

	res, err := h.notifier.SendToUser(ctx, p.CustomerID, StampNotification(p), domain.CategoryLoyaltyStamp, metadata)
	if err != nil {
		if h.deduper != nil {
			h.deduper.Release(ctx, dedupScope, key)
		}
		log.Error("Failed to send loyalty notification",
			zap.String("customer_id", p.CustomerID.String()),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrValidation) {
			return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
		}
		return err
	}

	log.Info("Loyalty notification dispatched",
		zap.String("customer_id", p.CustomerID.String()),
		zap.Int("stamp_count", p.StampCount),
		zap.String("status", res.Status),
		zap.Int("sent", res.Sent),
	)
	return nil
}

// StampNotification builds the push payload for a credited stamp.
func StampNotification(p mqcontracts.LoyaltyCreditedPayload) domain.Notification {
	n := domain.Notification{
		Title: "Stamp added",
		Tag:   "loyalty",
		Data: map[string]any{
			"url":               "/loyalty",
			"stampCount":        p.StampCount,
			"freeCutsAvailable": p.FreeCutsAvailable,
		},
	}
	if p.FreeCutGranted {
		n.Title = "You earned a free cut!"
		n.Body = fmt.Sprintf("That's %d stamps. Your next haircut is on us.", p.StampCount)
		return n
	}
	left := domain.StampsPerFreeCut - p.StampCount%domain.StampsPerFreeCut
	n.Body = fmt.Sprintf("You have %d stamps, %d more until a free cut.", p.StampCount, left)
	return n
}
