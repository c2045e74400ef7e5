package util

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// RetryCounter 记录每条 MQ 消息的失败次数。rdb 为 nil 时退化为进程内计数，
// 多个消费者实例之间不共享。
type RetryCounter struct {
	rdb   *redis.Client
	local *gocache.Cache
	ttl   time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	r := &RetryCounter{rdb: rdb, ttl: ttl}
	if rdb == nil {
		r.local = gocache.New(ttl, 2*ttl)
	}
	return r
}

// IncrementAndGet: INCR and the first EXPIRE run in one MULTI.
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	if r == nil {
		return 1, nil
	}
	if r.rdb == nil {
		// Add 只在 key 不存在时成功，已存在就继续累加
		_ = r.local.Add(key, int64(0), r.ttl)
		return r.local.IncrementInt64(key, 1)
	}

	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	if r == nil {
		return nil
	}
	if r.rdb == nil {
		r.local.Delete(key)
		return nil
	}
	return r.rdb.Del(ctx, key).Err()
}

// FormatRetryKey -> mq:retry:<queue>:<message id>
func FormatRetryKey(queue, messageID string) string {
	return "mq:retry:" + queue + ":" + messageID
}
