package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically evicts sessions idle longer than the configured TTL.
// It runs as a single long-lived goroutine and exits promptly on context
// cancellation without starting a new sweep.
type Reaper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	// OnReap, when set, is invoked with the number of sessions evicted by
	// each non-empty sweep. Used to feed the metrics counter.
	OnReap func(int)
}

// NewReaper creates a reaper over the given registry.
func NewReaper(registry *Registry, ttl, interval time.Duration) *Reaper {
	return &Reaper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	rp.logger.Info("session reaper started", "ttl", rp.ttl, "interval", rp.interval)
	for {
		select {
		case <-ctx.Done():
			rp.logger.Info("session reaper stopped")
			return
		case <-ticker.C:
			if n := rp.registry.CleanupExpired(rp.ttl); n > 0 {
				rp.logger.Info("evicted idle sessions", "count", n, "remaining", rp.registry.Count())
				if rp.OnReap != nil {
					rp.OnReap(n)
				}
			}
		}
	}
}
