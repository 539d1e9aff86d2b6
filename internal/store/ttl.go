package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// PurgeCallback is called after each sweep that removed at least one session.
type PurgeCallback func(purged int64)

// StartTTLWorker runs a background goroutine that periodically purges
// expired sessions. Reads never depend on it; it only reclaims space.
func StartTTLWorker(ctx context.Context, repo Repository, interval time.Duration, onPurge PurgeCallback) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, repo, onPurge)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, repo Repository, onPurge PurgeCallback) {
	purged, err := repo.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during sweep", "error", err)
			return
		}
		slog.Error("TTL worker failed to purge expired sessions", "error", err)
		return
	}
	if purged == 0 {
		return
	}

	slog.Info("TTL worker purged expired sessions", "count", purged)
	if onPurge != nil {
		onPurge(purged)
	}
}
