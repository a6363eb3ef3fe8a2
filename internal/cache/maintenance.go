package cache

import (
	"context"
	"log/slog"
	"time"
)

// runMaintenance calls sweep on every tick until ctx is done or done is closed.
func runMaintenance(ctx context.Context, done <-chan struct{}, interval time.Duration,
	now func() time.Time, sweep func(time.Time) int, logger *slog.Logger, name string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := sweep(now()); n > 0 {
				logger.Debug("cache maintenance", "cache", name, "evicted", n)
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
