package cli

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the outbound worker and background timers",
		Long: `Run the outbound worker together with the approval sweeper, the reminder
timer and the aggregate reconciler until interrupted.

Intervals come from configuration:
  approval.sweep_interval        expire overdue requests
  approval.reminder_interval     remind pending approvers
  aggregate.reconcile_interval   recompute counters and report drift

Example:
  steward serve --db ./steward.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if err := serve(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
					return WrapExitError(ExitFailure, "serve", err)
				}
				return nil
			})
		},
	}
}

// serve runs the worker and the timers until ctx is done.
func serve(ctx context.Context, s *session) error {
	log := s.logger
	log.Info("serving",
		"db", s.cfg.DB.Path,
		"sweep_interval", s.svc.Sweeper().Interval(),
		"reminder_interval", s.cfg.Approval.ReminderInterval,
		"reconcile_interval", s.cfg.Aggregate.ReconcileInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.svc.Run(ctx)
	})
	g.Go(func() error {
		return s.svc.Sweeper().Run(ctx)
	})
	g.Go(func() error {
		return every(ctx, s.cfg.Aggregate.ReconcileInterval, func() {
			report, err := s.svc.Reconcile(ctx)
			if err != nil {
				log.Error("reconcile failed", "error", err)
				return
			}
			log.Log(ctx, levelFor(report.Consistent()), "reconciled",
				"workflows", report.Workflows, "agents", report.Agents, "drifts", len(report.Drifts))
		})
	})
	err := g.Wait()
	log.Info("stopped")
	return err
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn()
		}
	}
}

func levelFor(ok bool) slog.Level {
	if ok {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
