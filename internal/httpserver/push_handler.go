package httpserver

import (
	"context"
	"net/http"
	"net/url"

	dbcontracts "barberloyalty/contracts/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SubscriptionWriter interface {
	Upsert(ctx context.Context, s *dbcontracts.PushSubscription) error
	DeleteByEndpoint(ctx context.Context, customerID uuid.UUID, endpoint string) (bool, error)
}

type PreferenceStore interface {
	Get(ctx context.Context, customerID uuid.UUID) (*dbcontracts.NotificationPreference, error)
	Upsert(ctx context.Context, p *dbcontracts.NotificationPreference) error
}

// Invalidator drops cached preference lookups after a change.
type Invalidator interface {
	Invalidate()
}

type PushHandler struct {
	subs        SubscriptionWriter
	prefs       PreferenceStore
	invalidator Invalidator
	publicKey   string
	logger      *zap.Logger
}

func NewPushHandler(subs SubscriptionWriter, prefs PreferenceStore, invalidator Invalidator, vapidPublicKey string, logger *zap.Logger) *PushHandler {
	return &PushHandler{
		subs:        subs,
		prefs:       prefs,
		invalidator: invalidator,
		publicKey:   vapidPublicKey,
		logger:      logger,
	}
}

// GET /push/vapid-public-key
func (h *PushHandler) PublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": h.publicKey})
}

// subscribeRequest 与浏览器 PushSubscription.toJSON() 的结构一致
type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

// POST /push/subscriptions
func (h *PushHandler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint and keys are required"})
		return
	}
	if u, err := url.Parse(req.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint must be an https URL"})
		return
	}

	uid, _ := currentUser(c)
	sub := &dbcontracts.PushSubscription{
		CustomerID: uid,
		Endpoint:   req.Endpoint,
		P256dh:     req.Keys.P256dh,
		Auth:       req.Keys.Auth,
		UserAgent:  c.Request.UserAgent(),
	}
	if err := h.subs.Upsert(c.Request.Context(), sub); err != nil {
		writeError(c, h.logger, "push.subscribe", err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DELETE /push/subscriptions
func (h *PushHandler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	uid, _ := currentUser(c)
	deleted, err := h.subs.DeleteByEndpoint(c.Request.Context(), uid, req.Endpoint)
	if err != nil {
		writeError(c, h.logger, "push.unsubscribe", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// GET /preferences
func (h *PushHandler) GetPreferences(c *gin.Context) {
	uid, _ := currentUser(c)
	p, err := h.prefs.Get(c.Request.Context(), uid)
	if err != nil {
		writeError(c, h.logger, "preferences.get", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type preferencesRequest struct {
	BookingConfirmations *bool `json:"booking_confirmations"`
	Reminders            *bool `json:"reminders"`
	ChatMessages         *bool `json:"chat_messages"`
	Giveaways            *bool `json:"giveaways"`
	Promotions           *bool `json:"promotions"`
}

// PUT /preferences  省略的字段保持原值
func (h *PushHandler) PutPreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	uid, _ := currentUser(c)
	ctx := c.Request.Context()
	p, err := h.prefs.Get(ctx, uid)
	if err != nil {
		writeError(c, h.logger, "preferences.get", err)
		return
	}
	apply := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&p.BookingConfirmations, req.BookingConfirmations)
	apply(&p.Reminders, req.Reminders)
	apply(&p.ChatMessages, req.ChatMessages)
	apply(&p.Giveaways, req.Giveaways)
	apply(&p.Promotions, req.Promotions)

	if err := h.prefs.Upsert(ctx, p); err != nil {
		writeError(c, h.logger, "preferences.put", err)
		return
	}
	if h.invalidator != nil {
		h.invalidator.Invalidate()
	}
	c.JSON(http.StatusOK, p)
}
