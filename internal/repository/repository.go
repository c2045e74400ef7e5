package repository

import (
	"context"
	"fmt"
	"time"

	"barberloyalty/internal/domain"
	"barberloyalty/pkg/util"
)

const defaultTimeout = 5 * time.Second

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// storeErr 把底层错误统一包装为 ErrStoreUnavailable，并保留分类信息
func storeErr(op string, err error) error {
	_, errType := util.IsRetryableError(err)
	return fmt.Errorf("%w: %s (%s): %v", domain.ErrStoreUnavailable, op, errType, err)
}
