package store

import (
	"context"
	"time"

	"gitea.jw6.us/james/davkit/internal/logger"
	"gitea.jw6.us/james/davkit/internal/metrics"
)

const slowQuery = 500 * time.Millisecond

func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
		if elapsed := time.Since(start); elapsed > slowQuery {
			logger.Warn("store", "slow %s took %s (request %s)", operation, elapsed, metrics.RequestIDFromContext(ctx))
		}
	}
}
