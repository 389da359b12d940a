package approval

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the expiry sweep and the reminder scheduler on a fixed
// interval, independent of request handling.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper ticking every interval. A non-positive
// interval falls back to DefaultSweepInterval.
func NewSweeper(g *Gate, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{gate: g, interval: interval, logger: g.logger}
}

// Interval returns the tick spacing.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run ticks until ctx is cancelled. A failed tick is logged and the next
// tick proceeds.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("approval sweeper starting", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("approval sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep followed by one reminder pass. Reminders are checked
// at the sweep cadence; RemindDue decides which requests are due.
func (s *Sweeper) Tick(ctx context.Context) {
	if res, err := s.gate.Sweep(ctx); err != nil {
		s.logger.Error("approval sweep failed", "error", err)
	} else if len(res.Expired) > 0 || res.Conflicts > 0 {
		s.logger.Info("approvals expired", "count", len(res.Expired), "conflicts", res.Conflicts)
	}
	if n, err := s.gate.RemindDue(ctx); err != nil {
		s.logger.Error("reminder pass failed", "error", err)
	} else if n > 0 {
		s.logger.Info("reminders sent", "count", n)
	}
}
