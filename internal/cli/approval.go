package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewApprovalCommand creates the approval command group.
func NewApprovalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Decide, list, expire and remind approval requests",
	}
	cmd.AddCommand(newApprovalDecideCommand(rootOpts))
	cmd.AddCommand(newApprovalListCommand(rootOpts))
	cmd.AddCommand(newApprovalShowCommand(rootOpts))
	cmd.AddCommand(newApprovalSweepCommand(rootOpts))
	cmd.AddCommand(newApprovalRemindCommand(rootOpts))
	return cmd
}

func newApprovalDecideCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decide <request-uid> <approve|reject>",
		Short: "Approve or reject a pending request",
		Long: `Approve or reject a pending request. The acting identity must be a user.

Example:
  steward approval decide <request-uid> approve --as user:<user-uid> --reason "checked"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				req, err := s.svc.DecideApproval(cmd.Context(), actor, args[0], args[1], reason)
				if err != nil {
					return out.Fail("decide approval", err)
				}
				return out.Success(req.Snapshot(), fmt.Sprintf("approval %s %s", req.UID, req.Status))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	return cmd
}

func newApprovalListCommand(rootOpts *RootOptions) *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List pending, unexpired requests",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				reqs, err := s.svc.ListPendingApprovals(cmd.Context(), approver)
				if err != nil {
					return out.Fail("list approvals", err)
				}
				data := make([]any, len(reqs))
				var b strings.Builder
				for i := range reqs {
					data[i] = reqs[i].Snapshot()
					fmt.Fprintf(&b, "%s  step %d  %s  expires %s\n",
						reqs[i].UID, reqs[i].Step, reqs[i].RiskLevel, reqs[i].ExpiresAt.Format(time.RFC3339))
				}
				text := strings.TrimSuffix(b.String(), "\n")
				if text == "" {
					text = "No pending approvals."
				}
				return out.Success(data, text)
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "only requests routed to this approver")
	return cmd
}

func newApprovalShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <request-uid>",
		Short:         "Show one approval request",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				req, err := s.svc.GetApproval(cmd.Context(), args[0])
				if err != nil {
					return out.Fail("get approval", err)
				}
				return out.Success(req.Snapshot(), "")
			})
		},
	}
}

func newApprovalSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sweep",
		Short:         "Expire every overdue pending request",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				res, err := s.svc.Sweep(cmd.Context())
				if err != nil {
					return out.Fail("sweep approvals", err)
				}
				return out.Success(res, fmt.Sprintf("expired %d request(s), %d lost to a decision", len(res.Expired), res.Conflicts))
			})
		},
	}
}

func newApprovalRemindCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remind",
		Short:         "Send every reminder that is due",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				n, err := s.svc.RemindDue(cmd.Context())
				if err != nil {
					return out.Fail("send reminders", err)
				}
				return out.Success(map[string]int{"sent": n}, fmt.Sprintf("sent %d reminder(s)", n))
			})
		},
	}
}
