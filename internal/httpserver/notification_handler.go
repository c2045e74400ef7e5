package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	dbcontracts "barberloyalty/contracts/db"
	"barberloyalty/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Dispatcher interface {
	SendToUser(ctx context.Context, userID uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error)
	SendToAll(ctx context.Context, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error)
}

type HistoryReader interface {
	List(ctx context.Context, limit, offset int) ([]dbcontracts.NotificationHistory, error)
}

type NotificationHandler struct {
	dispatcher Dispatcher
	history    HistoryReader
	logger     *zap.Logger
}

func NewNotificationHandler(dispatcher Dispatcher, history HistoryReader, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{dispatcher: dispatcher, history: history, logger: logger}
}

type sendRequest struct {
	UserID           *uuid.UUID          `json:"userId"`
	Notification     domain.Notification `json:"notification"`
	NotificationType string              `json:"notificationType"`
	Metadata         map[string]any      `json:"metadata"`
}

func (r *sendRequest) validate() error {
	r.Notification.Title = strings.TrimSpace(r.Notification.Title)
	r.Notification.Body = strings.TrimSpace(r.Notification.Body)
	if r.Notification.Title == "" || r.Notification.Body == "" {
		return fmt.Errorf("%w: notification title and body are required", domain.ErrValidation)
	}
	if r.NotificationType == "" {
		r.NotificationType = string(domain.CategoryAdminBroadcast)
	}
	return nil
}

// Send 指定 userId 时单发，否则广播
// POST /notifications/send
func (h *NotificationHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	category := domain.Category(req.NotificationType)
	if !category.Known() {
		h.logger.Warn("Unknown notification type, treating as broadcast", zap.String("type", req.NotificationType))
	}

	var (
		res *domain.DispatchResult
		err error
	)
	if req.UserID != nil {
		res, err = h.dispatcher.SendToUser(c.Request.Context(), *req.UserID, req.Notification, category, req.Metadata)
	} else {
		res, err = h.dispatcher.SendToAll(c.Request.Context(), req.Notification, category, req.Metadata)
	}
	if err != nil {
		writeError(c, h.logger, "notifications.send", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /notifications/history?limit=&offset=
func (h *NotificationHandler) History(c *gin.Context) {
	rows, err := h.history.List(c.Request.Context(), queryInt(c, "limit", 50, 500), queryInt(c, "offset", 0, 0))
	if err != nil {
		writeError(c, h.logger, "notifications.history", err)
		return
	}
	if rows == nil {
		rows = []dbcontracts.NotificationHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}
