package httpserver

import (
	"errors"
	"net/http"

	"barberloyalty/internal/domain"
	"barberloyalty/pkg/errtrack"
	"barberloyalty/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps domain errors to status codes. Store failures are logged
// and reported; their detail is not returned to the caller.
func writeError(c *gin.Context, log *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNoFreeCuts):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		ctx := c.Request.Context()
		logger.WithTrace(ctx, log).Error("Request failed", zap.String("op", op), zap.Error(err))
		errtrack.CaptureError(ctx, err, map[string]string{"op": op})

		msg := "internal error"
		if errors.Is(err, domain.ErrStoreUnavailable) {
			msg = "store unavailable, safe to retry"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
