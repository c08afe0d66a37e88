package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Reaper periodically removes rooms that lost all their subscribers
// without going through Leave, typically because every connection was
// pruned as slow or stale during a broadcast.
type Reaper struct {
	hub       *Hub
	interval  time.Duration
	threshold time.Duration
	clock     clockwork.Clock
}

func NewReaper(h *Hub, interval, threshold time.Duration, clock clockwork.Clock) *Reaper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reaper{hub: h, interval: interval, threshold: threshold, clock: clock}
}

// Run sweeps on every tick until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("idle room reaper started", "interval", r.interval, "threshold", r.threshold)
	for {
		select {
		case <-ctx.Done():
			slog.Info("idle room reaper stopped")
			return
		case <-ticker.Chan():
			cutoff := r.clock.Now().Add(-r.threshold)
			if reaped := r.hub.ReapIdle(cutoff); reaped > 0 {
				slog.Info("reaper sweep finished", "rooms_reaped", reaped)
			}
		}
	}
}
