package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/model"
)

// AuditOptions holds the shared filter flags of audit query and summary.
type AuditOptions struct {
	Resource string
	ID       string
	Actor    string
	Events   []string
	Since    string
	Until    string
	Failures bool
	After    int64
	Limit    int
}

func (o *AuditOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Resource, "resource", "", "resource type, e.g. workflow_execution")
	cmd.Flags().StringVar(&o.ID, "id", "", "resource uid (requires --resource)")
	cmd.Flags().StringVar(&o.Actor, "actor", "", "actor as type:id")
	cmd.Flags().StringSliceVar(&o.Events, "event", nil, "event name (repeatable)")
	cmd.Flags().StringVar(&o.Since, "since", "", "inclusive lower bound (RFC3339)")
	cmd.Flags().StringVar(&o.Until, "until", "", "exclusive upper bound (RFC3339)")
	cmd.Flags().BoolVar(&o.Failures, "failures", false, "only failed attempts")
	cmd.Flags().Int64Var(&o.After, "after", 0, "only entries after this seq")
	cmd.Flags().IntVar(&o.Limit, "limit", 0, "maximum entries (0 = all)")
}

// filter converts the flags to a capture.Filter.
func (o *AuditOptions) filter() (capture.Filter, error) {
	f := capture.Filter{Events: o.Events, AfterSeq: o.After, Limit: o.Limit}
	if o.Resource != "" {
		rt, err := model.ParseResourceType(o.Resource)
		if err != nil {
			return f, NewExitError(ExitCommandError, err.Error())
		}
		f.ResourceType = rt
	}
	if o.ID != "" {
		if o.Resource == "" {
			return f, NewExitError(ExitCommandError, "--id requires --resource")
		}
		f.ResourceID = o.ID
	}
	if o.Actor != "" {
		a, err := model.ParseActor(o.Actor)
		if err != nil {
			return f, NewExitError(ExitCommandError, err.Error())
		}
		f.Actor = &a
	}
	for _, b := range []struct {
		flag, raw string
		dst       **time.Time
	}{{"since", o.Since, &f.Since}, {"until", o.Until, &f.Until}} {
		if b.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, b.raw)
		if err != nil {
			return f, NewExitError(ExitCommandError, fmt.Sprintf("invalid --%s: %v", b.flag, err))
		}
		*b.dst = &t
	}
	if o.Failures {
		no := false
		f.Success = &no
	}
	return f, nil
}

// AuditEntryView is the CLI rendering of an audit entry.
type AuditEntryView struct {
	Seq          int64                  `json:"seq"`
	UID          string                 `json:"uid"`
	OccurredAt   string                 `json:"occurred_at"`
	Event        string                 `json:"event"`
	Kind         string                 `json:"kind"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Actor        string                 `json:"actor"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	Before       string                 `json:"before,omitempty"`
	After        string                 `json:"after,omitempty"`
	Related      []model.RecordedChange `json:"related,omitempty"`
}

func viewEntries(entries []model.AuditEntry) ([]AuditEntryView, string) {
	views := make([]AuditEntryView, len(entries))
	var b strings.Builder
	for i, e := range entries {
		views[i] = AuditEntryView{
			Seq:          e.Seq,
			UID:          e.UID,
			OccurredAt:   e.OccurredAt.UTC().Format(time.RFC3339),
			Event:        e.Event,
			Kind:         string(e.Kind),
			ResourceType: string(e.ResourceType),
			ResourceID:   e.ResourceID,
			Actor:        e.Actor.String(),
			Success:      e.Success,
			Error:        e.Error,
			Before:       e.Before,
			After:        e.After,
			Related:      e.Related,
		}
		mark := "✓"
		if !e.Success {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%6d %s %s %-26s %s:%s %s\n", e.Seq, mark,
			views[i].OccurredAt, e.Event, e.ResourceType, e.ResourceID, views[i].Actor)
		if e.Error != "" {
			fmt.Fprintf(&b, "         %s\n", e.Error)
		}
	}
	text := strings.TrimSuffix(b.String(), "\n")
	if text == "" {
		text = "No audit entries."
	}
	return views, text
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify the audit trail",
	}
	cmd.AddCommand(newAuditQueryCommand(rootOpts))
	cmd.AddCommand(newAuditTrailCommand(rootOpts))
	cmd.AddCommand(newAuditSummaryCommand(rootOpts))
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	return cmd
}

func newAuditQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit entries in seq order",
		Long: `List audit entries in seq order, optionally filtered.

Examples:
  steward audit query --resource workflow_execution --id <uid>
  steward audit query --actor user:<uid> --since 2026-01-01T00:00:00Z
  steward audit query --failures --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.filter()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				entries, err := s.svc.QueryAudit(cmd.Context(), f)
				if err != nil {
					return out.Fail("query audit", err)
				}
				views, text := viewEntries(entries)
				return out.Success(views, text)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func newAuditTrailCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "trail <execution-uid>",
		Short:         "Show the history of an execution and its approvals",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				entries, err := s.svc.AuditTrail(cmd.Context(), args[0])
				if err != nil {
					return out.Fail("audit trail", err)
				}
				views, text := viewEntries(entries)
				return out.Success(views, text)
			})
		},
	}
}

func newAuditSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{}
	cmd := &cobra.Command{
		Use:           "summary",
		Short:         "Count audit entries by kind, resource, event and actor",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.filter()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				sum, err := s.svc.AuditSummary(cmd.Context(), f)
				if err != nil {
					return out.Fail("audit summary", err)
				}
				return out.Success(sum, "")
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <resource-type> <uid>",
		Short: "Replay a resource's history and compare it with the live row",
		Long: `Replay a resource's audit history and compare the reconstructed state with
the live row. Exits 1 when they differ.

Example:
  steward audit verify workflow_execution <uid>`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := model.ParseResourceType(args[0])
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				if err := s.svc.VerifyResource(cmd.Context(), rt, args[1]); err != nil {
					if outErr := out.Error("MISMATCH", err.Error(), nil); outErr != nil {
						return outErr
					}
					return WrapExitError(ExitFailure, "verification failed", err)
				}
				return out.Success(map[string]any{"resource_type": rt, "uid": args[1], "consistent": true},
					fmt.Sprintf("%s %s matches its audit history", rt, args[1]))
			})
		},
	}
}
