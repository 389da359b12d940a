package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDashboardCommand creates the dashboard command.
func NewDashboardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard <user|company|workflow|agent> <uid>",
		Short: "Show aggregate statistics",
		Long: `Show the maintained aggregate statistics for a user, company, workflow or
agent.

Examples:
  steward dashboard user <user-uid>
  steward dashboard workflow <workflow-uid> --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				ctx := cmd.Context()
				var (
					view any
					err  error
				)
				switch args[0] {
				case "user":
					view, err = s.svc.UserDashboard(ctx, args[1])
				case "company":
					view, err = s.svc.CompanyDashboard(ctx, args[1])
				case "workflow":
					view, err = s.svc.WorkflowStats(ctx, args[1])
				case "agent":
					view, err = s.svc.AgentStats(ctx, args[1])
				default:
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown dashboard %q: want user, company, workflow or agent", args[0]))
				}
				if err != nil {
					return out.Fail("load dashboard", err)
				}
				return out.Success(view, "")
			})
		},
	}
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute aggregates and report drift",
		Long: `Recompute every workflow and agent counter from raw execution rows and
compare with the maintained values. Exits 1 when drift is found.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				report, err := s.svc.Reconcile(cmd.Context())
				if err != nil {
					return out.Fail("reconcile", err)
				}
				text := fmt.Sprintf("checked %d workflow(s), %d agent(s): %d drift(s)",
					report.Workflows, report.Agents, len(report.Drifts))
				if err := out.Success(report, text); err != nil {
					return err
				}
				if !report.Consistent() {
					return NewExitError(ExitFailure, fmt.Sprintf("%d aggregate(s) drifted", len(report.Drifts)))
				}
				return nil
			})
		},
	}
}
