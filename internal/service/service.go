package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/steward/internal/aggregate"
	"github.com/roach88/steward/internal/approval"
	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Service is the collaborator-facing entry point. It owns one machine,
// gate and aggregator over a single store.
type Service struct {
	store      *store.Store
	rec        *capture.Recorder
	machine    *engine.Machine
	gate       *approval.Gate
	aggregator *aggregate.Aggregator
	sweeper    *approval.Sweeper
	logger     *slog.Logger
}

type options struct {
	logger           *slog.Logger
	clock            engine.Clock
	ids              model.IDGenerator
	dispatcher       engine.Dispatcher
	notifier         engine.Notifier
	approvalTimeout  time.Duration
	reminderInterval time.Duration
	sweepInterval    time.Duration
}

// Option configures a Service.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(c engine.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator replaces UUIDv7 ids.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithDispatcher sets the agent dispatcher.
func WithDispatcher(d engine.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithNotifier sets the approval notifier.
func WithNotifier(n engine.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithApprovalTimeout sets how long new approval requests stay open.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *options) { o.approvalTimeout = d }
}

// WithReminderInterval sets the minimum spacing between reminders.
func WithReminderInterval(d time.Duration) Option {
	return func(o *options) { o.reminderInterval = d }
}

// WithSweepInterval sets how often the sweeper expires overdue requests and
// checks for due reminders.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// New wires the components over s.
func New(s *store.Store, opts ...Option) (*Service, error) {
	o := options{
		logger:           slog.Default(),
		clock:            engine.SystemClock{},
		approvalTimeout:  approval.DefaultTimeout,
		reminderInterval: approval.DefaultReminderInterval,
		sweepInterval:    approval.DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	recOpts := []capture.Option{capture.WithLogger(o.logger)}
	if o.ids != nil {
		recOpts = append(recOpts, capture.WithIDGenerator(o.ids))
	}
	rec := capture.NewRecorder(s, o.clock, recOpts...)

	machineOpts := []engine.Option{engine.WithLogger(o.logger)}
	if o.dispatcher != nil {
		machineOpts = append(machineOpts, engine.WithDispatcher(o.dispatcher))
	}
	if o.notifier != nil {
		machineOpts = append(machineOpts, engine.WithNotifier(o.notifier))
	}
	machine, err := engine.New(rec, machineOpts...)
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}
	gate := approval.New(machine,
		approval.WithTimeout(o.approvalTimeout),
		approval.WithReminderInterval(o.reminderInterval),
		approval.WithLogger(o.logger))

	agg, err := aggregate.New(s, aggregate.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("create aggregator: %w", err)
	}

	return &Service{
		store:      s,
		rec:        rec,
		machine:    machine,
		gate:       gate,
		aggregator: agg,
		sweeper:    approval.NewSweeper(gate, o.sweepInterval),
		logger:     o.logger,
	}, nil
}

// Machine returns the execution state machine.
func (s *Service) Machine() *engine.Machine { return s.machine }

// Gate returns the approval gate.
func (s *Service) Gate() *approval.Gate { return s.gate }

// Sweeper returns the background expiry and reminder loop.
func (s *Service) Sweeper() *approval.Sweeper { return s.sweeper }

// Recorder returns the change capture recorder.
func (s *Service) Recorder() *capture.Recorder { return s.rec }

// CreateExecution creates a PENDING execution of workflowUID.
func (s *Service) CreateExecution(ctx context.Context, actor model.Actor, workflowUID string, input map[string]any) (*model.Execution, error) {
	return s.machine.CreateExecution(ctx, actor, workflowUID, input)
}

// DispatchExecution starts a PENDING execution.
func (s *Service) DispatchExecution(ctx context.Context, actor model.Actor, executionUID string) (*model.Execution, error) {
	return s.machine.Dispatch(ctx, actor, executionUID)
}

// CompleteStep reports a successful step.
func (s *Service) CompleteStep(ctx context.Context, actor model.Actor, executionUID string, res engine.StepResult) (*model.Execution, error) {
	return s.machine.CompleteStep(ctx, actor, executionUID, res)
}

// FailStep reports a failed step attempt.
func (s *Service) FailStep(ctx context.Context, actor model.Actor, executionUID string, res engine.StepResult) (*model.Execution, error) {
	return s.machine.FailStep(ctx, actor, executionUID, res)
}

// CancelExecution cancels a non-terminal execution.
func (s *Service) CancelExecution(ctx context.Context, actor model.Actor, executionUID, reason string) (*model.Execution, error) {
	return s.machine.Cancel(ctx, actor, executionUID, reason)
}

// GetExecutionStatus returns the current state of an execution.
func (s *Service) GetExecutionStatus(ctx context.Context, executionUID string) (*engine.StatusView, error) {
	return s.machine.Status(ctx, executionUID)
}

// DecideApproval records a human decision. decision is "approve" or
// "reject".
func (s *Service) DecideApproval(ctx context.Context, actor model.Actor, requestUID, decision, reason string) (*model.ApprovalRequest, error) {
	d, err := model.ParseDecision(decision)
	if err != nil {
		return nil, engine.ValidationError(model.ResourceApproval, requestUID, "%v", err)
	}
	return s.gate.Decide(ctx, actor, requestUID, d, reason)
}

// GetApproval returns one approval request.
func (s *Service) GetApproval(ctx context.Context, requestUID string) (*model.ApprovalRequest, error) {
	return s.gate.Get(ctx, requestUID)
}

// ListPendingApprovals returns open requests for approver, or all open
// requests when approver is empty.
func (s *Service) ListPendingApprovals(ctx context.Context, approver string) ([]model.ApprovalRequest, error) {
	return s.gate.ListPending(ctx, approver)
}

// Sweep expires overdue approval requests.
func (s *Service) Sweep(ctx context.Context) (*approval.SweepResult, error) {
	return s.gate.Sweep(ctx)
}

// RemindDue sends every reminder that is due.
func (s *Service) RemindDue(ctx context.Context) (int, error) {
	return s.gate.RemindDue(ctx)
}

// QueryAudit returns audit entries matching f in seq order.
func (s *Service) QueryAudit(ctx context.Context, f capture.Filter) ([]model.AuditEntry, error) {
	entries, err := s.rec.Query(ctx, f)
	if err != nil {
		return nil, engine.FromStore(f.ResourceType, f.ResourceID, err)
	}
	return entries, nil
}

// AuditTrail returns the history of an execution and its approvals.
func (s *Service) AuditTrail(ctx context.Context, executionUID string) ([]model.AuditEntry, error) {
	entries, err := s.rec.Trail(ctx, executionUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceExecution, executionUID, err)
	}
	return entries, nil
}

// AuditSummary counts audit entries matching f.
func (s *Service) AuditSummary(ctx context.Context, f capture.Filter) (*capture.Summary, error) {
	sum, err := s.rec.Summary(ctx, f)
	if err != nil {
		return nil, engine.FromStore(f.ResourceType, f.ResourceID, err)
	}
	return sum, nil
}

// VerifyResource replays a resource's audit history and compares the result
// with the live row.
func (s *Service) VerifyResource(ctx context.Context, rt model.ResourceType, id string) error {
	return s.rec.Verify(ctx, rt, id)
}

// UserDashboard returns the aggregate view for one user.
func (s *Service) UserDashboard(ctx context.Context, userUID string) (*aggregate.UserDashboard, error) {
	v, err := s.aggregator.UserDashboard(ctx, userUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceUser, userUID, err)
	}
	return v, nil
}

// CompanyDashboard returns the aggregate view for one company.
func (s *Service) CompanyDashboard(ctx context.Context, companyUID string) (*aggregate.CompanyDashboard, error) {
	v, err := s.aggregator.CompanyDashboard(ctx, companyUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceCompany, companyUID, err)
	}
	return v, nil
}

// WorkflowStats returns the aggregate view for one workflow.
func (s *Service) WorkflowStats(ctx context.Context, workflowUID string) (*aggregate.WorkflowStats, error) {
	v, err := s.aggregator.WorkflowStats(ctx, workflowUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceWorkflow, workflowUID, err)
	}
	return v, nil
}

// AgentStats returns the aggregate view for one agent.
func (s *Service) AgentStats(ctx context.Context, agentUID string) (*aggregate.AgentStats, error) {
	v, err := s.aggregator.AgentStats(ctx, agentUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceAgent, agentUID, err)
	}
	return v, nil
}

// Reconcile recomputes every maintained aggregate and reports drift.
func (s *Service) Reconcile(ctx context.Context) (*aggregate.Report, error) {
	return s.aggregator.Reconcile(ctx)
}

// Run processes outbound calls until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.machine.Run(ctx)
}

// Drain processes every queued outbound call and returns how many ran.
func (s *Service) Drain(ctx context.Context) (int, error) {
	return s.machine.Drain(ctx)
}
