package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/steward/internal/definition"
)

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Import and export workflow definitions",
	}
	cmd.AddCommand(newWorkflowImportCommand(rootOpts))
	cmd.AddCommand(newWorkflowExportCommand(rootOpts))
	cmd.AddCommand(newWorkflowValidateCommand(rootOpts))
	return cmd
}

func newWorkflowImportCommand(rootOpts *RootOptions) *cobra.Command {
	var owner, company string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create a workflow from a YAML or CUE definition",
		Long: `Create a workflow from a YAML or CUE definition and assign the agents it
names. The import is a single governed change: it either fully applies or
leaves nothing behind.

Example:
  steward workflow import payroll.yaml --owner <user-uid> --company <company-uid>`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			doc, err := definition.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid definition", err)
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				wf, err := s.svc.ImportWorkflow(cmd.Context(), actor, owner, company, doc)
				if err != nil {
					return out.Fail("import workflow", err)
				}
				out.VerboseLog("imported %d steps, %d agents", wf.Steps.Len(), len(doc.Agents))
				return out.Success(wf.Snapshot(), fmt.Sprintf("workflow %s (%s)", wf.UID, wf.Name))
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning user uid (required)")
	cmd.Flags().StringVar(&company, "company", "", "company uid")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newWorkflowExportCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "export <workflow-uid>",
		Short:         "Write a workflow as a YAML definition",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				doc, err := s.svc.ExportWorkflow(cmd.Context(), args[0])
				if err != nil {
					return out.Fail("export workflow", err)
				}
				if rootOpts.Format == "json" {
					return out.Success(doc, "")
				}
				data, err := doc.YAML()
				if err != nil {
					return WrapExitError(ExitCommandError, "encode definition", err)
				}
				if output == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return WrapExitError(ExitCommandError, "write definition", err)
				}
				return out.Success(nil, fmt.Sprintf("wrote %s", output))
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newWorkflowValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <file>",
		Short:         "Check a definition without touching the database",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			doc, err := definition.Load(args[0])
			if err != nil {
				if outErr := out.Error("VALIDATION", err.Error(), nil); outErr != nil {
					return outErr
				}
				return WrapExitError(ExitFailure, "invalid definition", err)
			}
			return out.Success(doc, fmt.Sprintf("%s: %d steps ok", doc.Name, len(doc.Steps)))
		},
	}
}
