package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/service"
)

// run opens a session, hands it to fn and closes it.
func (o *RootOptions) run(cmd *cobra.Command, fn func(s *session, out *OutputFormatter) error) error {
	s, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s, o.formatter(cmd))
}

// parseObject decodes a JSON object flag. Empty means nil.
func parseObject(name, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --%s: %v", name, err))
	}
	return m, nil
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and apply the schema",
		Long: `Create the SQLite database (if missing) and apply the schema.

Example:
  steward init --db ./steward.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				return out.Success(map[string]any{"db": s.cfg.DB.Path},
					fmt.Sprintf("initialized %s", s.cfg.DB.Path))
			})
		},
	}
}

// NewOrgCommand creates the org command group: companies, users,
// memberships and agents.
func NewOrgCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage companies, users, memberships and agents",
	}
	cmd.AddCommand(newCompanyCreateCommand(rootOpts))
	cmd.AddCommand(newUserCreateCommand(rootOpts))
	cmd.AddCommand(newMemberAddCommand(rootOpts))
	cmd.AddCommand(newAgentCreateCommand(rootOpts))
	cmd.AddCommand(newAgentStatusCommand(rootOpts))
	return cmd
}

func newCompanyCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "company <name> <slug>",
		Short:         "Create a company",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				c, err := s.svc.CreateCompany(cmd.Context(), actor, args[0], args[1])
				if err != nil {
					return out.Fail("create company", err)
				}
				return out.Success(c.Snapshot(), fmt.Sprintf("company %s (%s)", c.UID, c.Slug))
			})
		},
	}
}

func newUserCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "user <email> <full-name>",
		Short:         "Create a user",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				u, err := s.svc.CreateUser(cmd.Context(), actor, args[0], args[1])
				if err != nil {
					return out.Fail("create user", err)
				}
				return out.Success(u.Snapshot(), fmt.Sprintf("user %s (%s)", u.UID, u.Email))
			})
		},
	}
}

func newMemberAddCommand(rootOpts *RootOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:           "member <user-uid> <company-uid>",
		Short:         "Add a user to a company",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			r, err := model.ParseMembershipRole(role)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				m, err := s.svc.AddMembership(cmd.Context(), actor, args[0], args[1], r)
				if err != nil {
					return out.Fail("add membership", err)
				}
				return out.Success(m.Snapshot(), fmt.Sprintf("membership %s (%s, primary=%t)", m.UID, m.Role, m.IsPrimary))
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(model.MemberMember), "membership role (owner|admin|manager|member|viewer)")
	return cmd
}

func newAgentCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		company      string
		capabilities []string
	)
	cmd := &cobra.Command{
		Use:           "agent <name> <role>",
		Short:         "Register an agent",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				a, err := s.svc.CreateAgent(cmd.Context(), actor, service.AgentSpec{
					CompanyUID:   company,
					Name:         args[0],
					Role:         model.AgentRole(args[1]),
					Capabilities: capabilities,
				})
				if err != nil {
					return out.Fail("create agent", err)
				}
				return out.Success(a.Snapshot(), fmt.Sprintf("agent %s (%s, %s)", a.UID, a.Role, a.Status))
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "owning company uid")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability name (repeatable)")
	return cmd
}

func newAgentStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "agent-status <agent-uid> <IDLE|BUSY|OFFLINE|ERROR>",
		Short:         "Set an agent's status",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			return rootOpts.run(cmd, func(s *session, out *OutputFormatter) error {
				status := model.AgentStatus(strings.ToUpper(args[1]))
				a, err := s.svc.SetAgentStatus(cmd.Context(), actor, args[0], status)
				if err != nil {
					return out.Fail("set agent status", err)
				}
				return out.Success(a.Snapshot(), fmt.Sprintf("agent %s is %s", a.UID, a.Status))
			})
		},
	}
}
