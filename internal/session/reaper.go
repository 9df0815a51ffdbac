package session

import (
	"context"
	"log/slog"
	"time"
)

const defaultReaperInterval = 5 * time.Minute

// ReaperConfig controls the idle session reaper.
type ReaperConfig struct {
	Interval time.Duration
	IdleTTL  time.Duration
	// IsLive reports whether a session still has an open connection.
	IsLive func(sessionID string) bool
	// OnEvict is called for every removed session.
	OnEvict func(sessionID string)
	// AfterSweep runs at the end of every sweep, e.g. to prune archives.
	AfterSweep func(ctx context.Context)
}

// StartReaper runs a background goroutine that periodically removes idle
// sessions. It stops when ctx is cancelled; the returned channel is closed
// once the goroutine has exited.
func StartReaper(ctx context.Context, store *Store, cfg ReaperConfig) <-chan struct{} {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", interval, "idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, store, cfg)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweepOnce(ctx context.Context, store *Store, cfg ReaperConfig) {
	removed := store.Sweep(cfg.IdleTTL, cfg.IsLive)
	if len(removed) > 0 {
		slog.Info("Session reaper removed idle sessions", "count", len(removed), "remaining", store.Len())
		if cfg.OnEvict != nil {
			for _, id := range removed {
				cfg.OnEvict(id)
			}
		}
	}

	if cfg.AfterSweep != nil {
		cfg.AfterSweep(ctx)
	}
}
