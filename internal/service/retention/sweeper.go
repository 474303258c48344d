// Package retention deletes measurements older than a configured
// period in the background.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/nordan/reqprof/internal/storage"
)

const minSweepInterval = time.Minute

// Sweeper periodically removes expired measurements. Sweeps happen at a
// quarter of the retention period so a freshly expired record never
// outlives the period by much.
type Sweeper struct {
	store    storage.Storage
	period   time.Duration
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// New constructs a Sweeper for the given retention period.
func New(store storage.Storage, period time.Duration, log *slog.Logger) *Sweeper {
	interval := period / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	if log != nil {
		log = log.With("component", "retention")
	}
	return &Sweeper{
		store:    store,
		period:   period,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run blocks sweeping until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.log != nil {
		s.log.Info("retention sweeper started", "period", s.period, "interval", s.interval)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.log != nil {
				s.log.Info("retention sweeper stopped")
			}
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := float64(s.now().Add(-s.period).UnixNano()) / 1e9
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		if s.log != nil {
			s.log.Error("retention sweep failed", "error", err)
		}
		return
	}
	if removed > 0 && s.log != nil {
		s.log.Info("expired measurements removed", "count", removed)
	}
}
