// Package errtrack reports errors and recovered panics to Sentry. Without a
// DSN every call is a no-op.
package errtrack

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"barberloyalty/pkg/trace"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Config struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	Release     string  `yaml:"release"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Init configures the global Sentry client and returns a flush function.
func Init(cfg Config, logger *zap.Logger) (func(), error) {
	return initWith(cfg, nil, logger)
}

func initWith(cfg Config, transport sentry.Transport, logger *zap.Logger) (func(), error) {
	if cfg.DSN == "" && transport == nil {
		logger.Info("Sentry disabled (no DSN)")
		return func() {}, nil
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
		Transport:        transport,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	logger.Info("Sentry initialized", zap.String("environment", cfg.Environment))
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureError reports err with the request trace id and the given tags.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil || sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		if id := trace.FromContext(ctx); id != "" {
			scope.SetTag("trace_id", id)
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Recovery replaces gin.Recovery: panics are logged, reported and answered
// with a 500.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("Panic recovered",
				zap.String("path", c.Request.URL.Path),
				zap.String("trace_id", trace.FromContext(c.Request.Context())),
				zap.Any("panic", r),
			)
			if hub := sentry.CurrentHub(); hub.Client() != nil {
				hub := hub.Clone()
				hub.Scope().SetTag("route", c.FullPath())
				hub.Scope().SetRequest(c.Request)
				hub.Recover(r)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}()
		c.Next()
	}
}
