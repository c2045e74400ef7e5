package httpserver

import (
	"context"
	"net/http"
	"time"

	"barberloyalty/pkg/errtrack"
	"barberloyalty/pkg/otel"
	"barberloyalty/pkg/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadyCheck 返回 nil 表示依赖可用
type ReadyCheck func(ctx context.Context) error

type Handlers struct {
	Loyalty      *LoyaltyHandler
	Notification *NotificationHandler
	Push         *PushHandler
	Admin        *AdminHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, readyChecks map[string]ReadyCheck, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(errtrack.Recovery(logger), TraceMiddleware(), otel.GinMiddleware("/healthz", "/readyz", "/metrics"), MetricsMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		for name, check := range readyChecks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.GET("/push/vapid-public-key", h.Push.PublicKey)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/loyalty/sweep", RequirePermission(rbac.PermissionLoyaltySweep), h.Loyalty.Sweep)
		auth.POST("/loyalty/scan", RequirePermission(rbac.PermissionLoyaltyScan), h.Loyalty.Scan)
		auth.POST("/loyalty/redeem", RequirePermission(rbac.PermissionLoyaltyRedeem), h.Loyalty.Redeem)
		auth.GET("/loyalty/account", RequirePermission(rbac.PermissionLoyaltyRead), h.Loyalty.Account)
		auth.GET("/loyalty/stamps", RequirePermission(rbac.PermissionLoyaltyRead), h.Loyalty.Stamps)

		auth.POST("/notifications/send", RequirePermission(rbac.PermissionNotifySend), h.Notification.Send)
		auth.GET("/notifications/history", RequirePermission(rbac.PermissionNotifyHistory), h.Notification.History)

		auth.POST("/push/subscriptions", RequirePermission(rbac.PermissionPushSubscribe), h.Push.Subscribe)
		auth.DELETE("/push/subscriptions", RequirePermission(rbac.PermissionPushSubscribe), h.Push.Unsubscribe)
		auth.GET("/preferences", RequirePermission(rbac.PermissionPushSubscribe), h.Push.GetPreferences)
		auth.PUT("/preferences", RequirePermission(rbac.PermissionPushSubscribe), h.Push.PutPreferences)

		auth.POST("/admin/outbox/replay", RequirePermission(rbac.PermissionOutboxReplay), h.Admin.ReplayOutboxEvent)
		auth.POST("/admin/outbox/replay-failed", RequirePermission(rbac.PermissionOutboxReplay), h.Admin.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

// Server wraps the router in an http.Server with timeouts.
func (r *Router) Server(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}
