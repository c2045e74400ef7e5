// Package scheduler runs periodic jobs on tickers. With Redis configured a
// job runs on at most one instance per interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart 启动时立即执行一次
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type Locker interface {
	AcquireFor(ctx context.Context, scope, key string, ttl time.Duration) bool
}

type Scheduler struct {
	jobs   []Job
	locker Locker
	logger *zap.Logger
}

func New(locker Locker, logger *zap.Logger) *Scheduler {
	return &Scheduler{locker: locker, logger: logger}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		s.logger.Warn("Job disabled", zap.String("job", job.Name))
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start blocks until ctx is cancelled and every job goroutine returned.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.logger.Info("Scheduled job started",
		zap.String("job", job.Name),
		zap.Duration("interval", job.Interval),
	)

	if job.RunOnStart {
		s.runOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduled job stopped", zap.String("job", job.Name))
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	// 锁略短于间隔，避免下一轮因为时钟抖动被自己挡住
	ttl := job.Interval * 9 / 10
	if s.locker != nil && !s.locker.AcquireFor(ctx, "job", job.Name, ttl) {
		s.logger.Debug("Job already ran on another instance", zap.String("job", job.Name))
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panic recovered", zap.String("job", job.Name), zap.Any("panic", r))
		}
	}()

	if err := job.Run(ctx); err != nil {
		s.logger.Error("Job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Job finished", zap.String("job", job.Name), zap.Duration("elapsed", time.Since(start)))
}
