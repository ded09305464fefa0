// Package sweeper runs the periodic job that expires overdue authorization
// holds.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// HoldExpirer is the slice of the hold manager the sweeper needs.
type HoldExpirer interface {
	SweepExpired(ctx context.Context) (processed, failed int, err error)
}

// Sweeper drives expiry on a fixed cadence.
type Sweeper struct {
	holds    HoldExpirer
	log      *slog.Logger
	interval time.Duration
}

// New builds a sweeper. interval defaults to one hour when unset.
func New(holds HoldExpirer, log *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{holds: holds, log: log, interval: interval}
}

// Run blocks, sweeping once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("expiry sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Failures on individual holds are logged by the
// hold manager and do not abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	processed, failed, err := s.holds.SweepExpired(ctx)
	if err != nil {
		s.log.Error("expiry sweep failed", "error", err)
		return
	}
	if processed > 0 || failed > 0 {
		s.log.Info("expiry sweep completed", "expired", processed, "failed", failed)
	}
}
