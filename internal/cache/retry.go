package cache

import (
	"context"
	"time"

	"pipeline_forecast_backend/platform/logger"
)

const defaultRetryInterval = 30 * time.Second

// RetryLoop periodically refreshes keys that were served stale.
type RetryLoop struct {
	cache    *Coordinator
	log      *logger.Logger
	interval time.Duration
}

func NewRetryLoop(c *Coordinator, log *logger.Logger, interval time.Duration) *RetryLoop {
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &RetryLoop{cache: c, log: log, interval: interval}
}

func (r *RetryLoop) Run(ctx context.Context) {
	if r == nil || r.cache == nil {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.retry(ctx)
		}
	}
}

func (r *RetryLoop) retry(ctx context.Context) {
	refreshed, err := r.cache.RetryPending(ctx)
	if err != nil {
		r.log.Warn("cache retry left keys pending", "refreshed", refreshed, "pending", len(r.cache.Pending()), "error", err)
		return
	}
	if refreshed > 0 {
		r.log.Info("cache retry refreshed stale keys", "refreshed", refreshed)
	}
}
