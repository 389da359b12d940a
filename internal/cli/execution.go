package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
)

// NewExecutionCommand creates the execution command group.
func NewExecutionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Create, drive and inspect executions",
	}
	cmd.AddCommand(newExecCreateCommand(rootOpts))
	cmd.AddCommand(newExecDispatchCommand(rootOpts))
	cmd.AddCommand(newStepReportCommand(rootOpts, "complete"))
	cmd.AddCommand(newStepReportCommand(rootOpts, "fail"))
	cmd.AddCommand(newExecCancelCommand(rootOpts))
	cmd.AddCommand(newExecStatusCommand(rootOpts))
	return cmd
}

func describeExecution(e *model.Execution) string {
	return fmt.Sprintf("execution %s %s (step %d/%d)", e.UID, e.Status, e.CurrentStep, e.TotalSteps)
}

func newExecCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:           "create <workflow-uid>",
		Short:         "Create a PENDING execution",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			in, err := parseObject("input", input)
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				e, err := s.svc.CreateExecution(cmd.Context(), actor, args[0], in)
				if err != nil {
					return out.Fail("create execution", err)
				}
				return out.Success(e.Snapshot(), describeExecution(e))
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "input as a JSON object")
	return cmd
}

func newExecDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "dispatch <execution-uid>",
		Short:         "Start a PENDING execution",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				e, err := s.svc.DispatchExecution(cmd.Context(), actor, args[0])
				if err != nil {
					return out.Fail("dispatch execution", err)
				}
				return out.Success(e.Snapshot(), describeExecution(e))
			})
		},
	}
}

// newStepReportCommand builds "complete" and "fail", which differ only in
// whether --error is required.
func newStepReportCommand(rootOpts *RootOptions, verb string) *cobra.Command {
	var (
		step     int
		output   string
		seconds  float64
		apiCalls int64
		errText  string
	)
	cmd := &cobra.Command{
		Use:           verb + " <execution-uid>",
		Short:         "Report the outcome of the current step (" + verb + ")",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			o, err := parseObject("output", output)
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				ctx := cmd.Context()
				if step == 0 {
					v, err := s.svc.GetExecutionStatus(ctx, args[0])
					if err != nil {
						return out.Fail("load execution", err)
					}
					step = v.CurrentStep
				}
				res := engine.StepResult{
					Step:            step,
					Output:          o,
					DurationSeconds: seconds,
					Usage:           model.ResourceUsage{APICalls: apiCalls},
				}
				var e *model.Execution
				if verb == "fail" {
					res.Error = errText
					e, err = s.svc.FailStep(ctx, actor, args[0], res)
				} else {
					e, err = s.svc.CompleteStep(ctx, actor, args[0], res)
				}
				if err != nil {
					return out.Fail(verb+" step", err)
				}
				return out.Success(e.Snapshot(), describeExecution(e))
			})
		},
	}
	cmd.Flags().IntVar(&step, "step", 0, "step number (default current step)")
	cmd.Flags().StringVar(&output, "output", "", "step output as a JSON object")
	cmd.Flags().Float64Var(&seconds, "seconds", 0, "step duration in seconds")
	cmd.Flags().Int64Var(&apiCalls, "api-calls", 0, "API calls made by the step")
	if verb == "fail" {
		cmd.Flags().StringVar(&errText, "error", "", "failure detail (required)")
		_ = cmd.MarkFlagRequired("error")
	}
	return cmd
}

func newExecCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:           "cancel <execution-uid>",
		Short:         "Cancel a non-terminal execution",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				e, err := s.svc.CancelExecution(cmd.Context(), actor, args[0], reason)
				if err != nil {
					return out.Fail("cancel execution", err)
				}
				return out.Success(e.Snapshot(), describeExecution(e))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newExecStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <execution-uid>",
		Short:         "Show an execution's progress",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				v, err := s.svc.GetExecutionStatus(cmd.Context(), args[0])
				if err != nil {
					return out.Fail("execution status", err)
				}
				text := fmt.Sprintf("execution %s %s (step %d/%d, attempts %d, %.0fs)",
					v.ExecutionID, v.Status, v.CurrentStep, v.TotalSteps, v.Attempts, v.DurationSeconds)
				if v.ApprovalID != "" {
					text += "\napproval " + v.ApprovalID
				}
				if v.ErrorDetail != "" {
					text += "\nerror: " + v.ErrorDetail
				}
				return out.Success(v, text)
			})
		},
	}
}
