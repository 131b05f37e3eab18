package server

import (
	"context"
	"time"

	"dealdesk/internal/engine"
)

// StartReaper expires idle negotiations every interval until ctx is done. Reads already expire
// lazily, this keeps the active index and event log current for sessions nobody touches.
func StartReaper(ctx context.Context, e engine.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.ReapExpired(ctx); err != nil && ctx.Err() == nil && e.Log != nil {
					e.Log.Warn("reap expired negotiations failed", "error", err)
				}
			}
		}
	}()
}
