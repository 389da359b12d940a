package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/steward/internal/config"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/service"
	"github.com/roach88/steward/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	Database   string
	ConfigFile string
	Actor      string // "type:id"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the steward CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "steward",
		Short: "steward - governed workflow execution",
		Long: `Run agent workflows behind approval gates, with every change to every
governed entity recorded in an append-only audit trail.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides db.path)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to config file (default ./steward.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "as", "system:cli", "acting identity as type:id")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewOrgCommand(opts))
	cmd.AddCommand(NewWorkflowCommand(opts))
	cmd.AddCommand(NewExecutionCommand(opts))
	cmd.AddCommand(NewApprovalCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewDashboardCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// actor parses the --as flag.
func (o *RootOptions) actor() (model.Actor, error) {
	a, err := model.ParseActor(o.Actor)
	if err != nil {
		return model.Actor{}, NewExitError(ExitCommandError, err.Error())
	}
	return a, nil
}

// session is an open store with the service built on it.
type session struct {
	cfg    *config.Config
	store  *store.Store
	svc    *service.Service
	logger *slog.Logger
}

func (s *session) Close() error {
	return s.store.Close()
}

// open loads configuration, opens the database and builds the service.
// The --db flag wins over the configured path.
func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.DB.Path = o.Database
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	svc, err := service.New(st,
		service.WithLogger(logger),
		service.WithApprovalTimeout(cfg.Approval.Timeout),
		service.WithReminderInterval(cfg.Approval.ReminderInterval),
		service.WithSweepInterval(cfg.Approval.SweepInterval))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start service", err)
	}
	return &session{cfg: cfg, store: st, svc: svc, logger: logger}, nil
}
