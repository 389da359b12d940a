package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Defaults used when no configuration is supplied.
const (
	DefaultTimeout          = 24 * time.Hour
	DefaultReminderInterval = 4 * time.Hour
	DefaultSweepInterval    = time.Minute
)

// Audit event names for approval transitions.
const (
	EventApproved     = "approval_approved"
	EventRejected     = "approval_rejected"
	EventExpired      = "approval_expired"
	EventReminderSent = "approval_reminder_sent"
)

// SweeperActor is the identity the expiry sweep and reminder scheduler run as.
var SweeperActor = model.SystemActor("approval-sweeper")

// Gate manages approval requests. It opens requests for the execution
// machine and drives the machine with each decision.
type Gate struct {
	machine          *engine.Machine
	timeout          time.Duration
	reminderInterval time.Duration
	logger           *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout sets the default time a request stays open.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		g.timeout = d
	}
}

// WithReminderInterval sets the minimum time between reminders.
func WithReminderInterval(d time.Duration) Option {
	return func(g *Gate) {
		g.reminderInterval = d
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// New creates a Gate and installs it on m.
func New(m *engine.Machine, opts ...Option) *Gate {
	g := &Gate{
		machine:          m,
		timeout:          DefaultTimeout,
		reminderInterval: DefaultReminderInterval,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	m.SetGate(g)
	return g
}

func (g *Gate) now() time.Time {
	return g.machine.Recorder().Now()
}

// Open implements engine.Gate. The approver defaults to the workflow owner
// and the timeout to the gate's default.
func (g *Gate) Open(ctx context.Context, u *engine.Unit, exec *model.Execution, wf *model.Workflow, step int, opts engine.ApprovalOptions) (*model.ApprovalRequest, error) {
	def, ok := wf.Steps.At(step)
	if !ok {
		return nil, engine.ValidationError(model.ResourceWorkflow, wf.UID, "workflow has no step %d", step)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = g.timeout
	}
	if timeout < 0 {
		return nil, engine.ValidationError(model.ResourceExecution, exec.UID, "approval timeout must be positive")
	}
	approver := opts.Approver
	if approver == "" {
		owner, err := u.Tx().GetUser(ctx, wf.UserID)
		if err != nil {
			return nil, engine.FromStore(model.ResourceUser, "", err)
		}
		approver = owner.UID
	}

	now := u.Now()
	risk := wf.StepRisk(def)
	req := &model.ApprovalRequest{
		UID:         u.NewID(),
		ExecutionID: exec.ID,
		Step:        step,
		CompanyID:   exec.CompanyID,
		RequestedBy: u.Actor(),
		Approver:    approver,
		RiskLevel:   risk,
		Action: model.ActionSnapshot{
			SchemaVersion: model.ActionSchemaVersion,
			Workflow:      wf.UID,
			WorkflowName:  wf.Name,
			Step:          step,
			StepName:      def.Name,
			StepType:      def.Type,
			Risk:          risk,
			Input:         exec.Input,
		},
		Status:    model.ApprovalPending,
		ExpiresAt: now.Add(timeout),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := u.Tx().InsertApproval(ctx, req); err != nil {
		return nil, engine.FromStore(model.ResourceApproval, req.UID, err)
	}
	return req, nil
}

// Cancel implements engine.Gate.
func (g *Gate) Cancel(ctx context.Context, u *engine.Unit, requestID int64, reason string) (*capture.Change, error) {
	req, err := u.Tx().GetApproval(ctx, requestID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceApproval, "", err)
	}
	if req.Status != model.ApprovalPending {
		return nil, nil
	}
	before := req.Snapshot()
	req.Status = model.ApprovalCancelled
	req.DecisionReason = reason
	req.UpdatedAt = u.Now()
	if err := u.Tx().UpdateApproval(ctx, req); err != nil {
		return nil, engine.FromStore(model.ResourceApproval, req.UID, err)
	}
	c := capture.Modified(model.ResourceApproval, req.UID, before, req.Snapshot())
	return &c, nil
}

// Create opens an approval request on the current step of a RUNNING
// execution, whatever the step's risk.
func (g *Gate) Create(ctx context.Context, actor model.Actor, executionUID string, opts engine.ApprovalOptions) (*model.ApprovalRequest, error) {
	return g.machine.RequestApproval(ctx, actor, executionUID, opts)
}

// Get returns a request by public id.
func (g *Gate) Get(ctx context.Context, requestUID string) (*model.ApprovalRequest, error) {
	req, err := g.machine.Recorder().Store().Reader().GetApprovalByUID(ctx, requestUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceApproval, requestUID, err)
	}
	return req, nil
}

// Decide records a decision on a PENDING request and resumes or fails the
// execution in the same unit.
//
// A request already past its deadline is expired instead: the expiry is
// committed and EXPIRED is returned. A request that is already resolved
// yields CONFLICT, or EXPIRED if it resolved by expiring.
func (g *Gate) Decide(ctx context.Context, actor model.Actor, requestUID string, decision model.Decision, reason string) (*model.ApprovalRequest, error) {
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return nil, engine.ValidationError(model.ResourceApproval, requestUID, "unknown decision %q", decision)
	}
	if actor.Type != model.ActorUser {
		return nil, engine.ValidationError(model.ResourceApproval, requestUID, "approvals are decided by users, not %s", actor.Type)
	}

	var (
		req     *model.ApprovalRequest
		expired bool
	)
	err := g.machine.Mutate(ctx, actor, model.ResourceApproval, requestUID, func(u *engine.Unit) error {
		var err error
		if req, err = g.loadPending(ctx, u, requestUID); err != nil {
			return err
		}
		if req.Expired(u.Now()) {
			expired = true
			return g.expire(ctx, u, req)
		}

		before := req.Snapshot()
		now := u.Now()
		req.Status = decision.Status()
		req.DecidedAt = &now
		req.DecidedBy = actor.ID
		req.DecisionReason = reason
		req.UpdatedAt = now
		if err := u.Tx().UpdateApproval(ctx, req); err != nil {
			return engine.FromStore(model.ResourceApproval, req.UID, err)
		}
		event := EventApproved
		if req.Status == model.ApprovalRejected {
			event = EventRejected
		}
		if _, err := u.Commit(ctx, capture.Record{
			Event:  event,
			Change: capture.Modified(model.ResourceApproval, req.UID, before, req.Snapshot()),
		}); err != nil {
			return engine.FromStore(model.ResourceApproval, req.UID, err)
		}

		if req.Status == model.ApprovalApproved {
			err = g.machine.ResumeApproved(ctx, u, req)
		} else {
			err = g.machine.FailForApproval(ctx, u, req, rejectionDetail(req))
		}
		if err != nil {
			return err
		}
		return notify(ctx, u, engine.NotifyApprovalDecided, req)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return req, engine.ExpiredError(req.UID, req.ExpiresAt.Format(time.RFC3339))
	}
	g.logger.Info("approval decided",
		"approval", req.UID,
		"status", string(req.Status),
		"decided_by", actor.ID)
	return req, nil
}

// Expire moves a PENDING request past its deadline to EXPIRED and fails its
// execution. It reports false, with no error, when the request is already
// resolved or not yet due, so repeated sweeps are no-ops.
func (g *Gate) Expire(ctx context.Context, actor model.Actor, requestUID string) (bool, error) {
	done := false
	err := g.machine.Mutate(ctx, actor, model.ResourceApproval, requestUID, func(u *engine.Unit) error {
		req, err := u.Tx().GetApprovalByUID(ctx, requestUID)
		if err != nil {
			return engine.FromStore(model.ResourceApproval, requestUID, err)
		}
		if req.Status != model.ApprovalPending || !req.Expired(u.Now()) {
			return nil
		}
		done = true
		return g.expire(ctx, u, req)
	})
	return done, err
}

// SweepResult lists what one sweep changed.
type SweepResult struct {
	Expired   []string `json:"expired"`
	Conflicts int      `json:"conflicts"`
}

// Sweep expires every PENDING request past its deadline. Each request is
// expired in its own unit; one that loses a race with a decision is
// counted as a conflict and skipped.
func (g *Gate) Sweep(ctx context.Context) (*SweepResult, error) {
	now := g.now()
	due, err := g.machine.Recorder().Store().Reader().ListApprovals(ctx, store.ApprovalFilter{
		Statuses:  []model.ApprovalStatus{model.ApprovalPending},
		ExpiresBy: &now,
	})
	if err != nil {
		return nil, engine.FromStore(model.ResourceApproval, "", err)
	}

	res := &SweepResult{Expired: []string{}}
	for _, req := range due {
		ok, err := g.Expire(ctx, SweeperActor, req.UID)
		switch {
		case engine.IsConflict(err):
			res.Conflicts++
			g.logger.Debug("sweep lost race", "approval", req.UID, "error", err)
		case err != nil:
			return res, err
		case ok:
			res.Expired = append(res.Expired, req.UID)
		}
	}
	if len(res.Expired) > 0 {
		g.logger.Info("approval sweep finished", "expired", len(res.Expired), "conflicts", res.Conflicts)
	}
	return res, nil
}

// Remind sends a reminder for a PENDING, unexpired request unless one was
// sent within the reminder interval (measured from creation for the first
// reminder). It reports whether a reminder was sent.
func (g *Gate) Remind(ctx context.Context, actor model.Actor, requestUID string) (bool, error) {
	sent := false
	err := g.machine.Mutate(ctx, actor, model.ResourceApproval, requestUID, func(u *engine.Unit) error {
		req, err := g.loadPending(ctx, u, requestUID)
		if err != nil {
			return err
		}
		now := u.Now()
		if req.Expired(now) {
			return engine.ConflictError(model.ResourceApproval, req.UID, "request expired at %s", req.ExpiresAt.Format(time.RFC3339))
		}
		if !g.reminderDue(req, now) {
			return nil
		}

		before := req.Snapshot()
		req.ReminderCount++
		req.LastReminderAt = &now
		req.UpdatedAt = now
		if err := u.Tx().UpdateApproval(ctx, req); err != nil {
			return engine.FromStore(model.ResourceApproval, req.UID, err)
		}
		if _, err := u.Commit(ctx, capture.Record{
			Event:  EventReminderSent,
			Change: capture.Modified(model.ResourceApproval, req.UID, before, req.Snapshot()),
		}); err != nil {
			return engine.FromStore(model.ResourceApproval, req.UID, err)
		}
		sent = true
		return notify(ctx, u, engine.NotifyApprovalReminder, req)
	})
	return sent, err
}

// RemindDue sends every reminder that is due and returns how many were sent.
func (g *Gate) RemindDue(ctx context.Context) (int, error) {
	now := g.now()
	cutoff := now.Add(-g.reminderInterval)
	pending, err := g.machine.Recorder().Store().Reader().ListApprovals(ctx, store.ApprovalFilter{
		Statuses:     []model.ApprovalStatus{model.ApprovalPending},
		RemindBefore: &cutoff,
	})
	if err != nil {
		return 0, engine.FromStore(model.ResourceApproval, "", err)
	}

	n := 0
	for i := range pending {
		req := &pending[i]
		if req.Expired(now) || !g.reminderDue(req, now) {
			continue
		}
		sent, err := g.Remind(ctx, SweeperActor, req.UID)
		if engine.IsConflict(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		if sent {
			n++
		}
	}
	return n, nil
}

// ListPending returns the unexpired PENDING requests waiting on approver,
// soonest deadline first. An empty approver lists all of them.
func (g *Gate) ListPending(ctx context.Context, approver string) ([]model.ApprovalRequest, error) {
	now := g.now()
	all, err := g.machine.Recorder().Store().Reader().ListApprovals(ctx, store.ApprovalFilter{
		Approver: approver,
		Statuses: []model.ApprovalStatus{model.ApprovalPending},
	})
	if err != nil {
		return nil, engine.FromStore(model.ResourceApproval, "", err)
	}
	out := all[:0]
	for _, req := range all {
		if !req.Expired(now) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (g *Gate) loadPending(ctx context.Context, u *engine.Unit, requestUID string) (*model.ApprovalRequest, error) {
	req, err := u.Tx().GetApprovalByUID(ctx, requestUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceApproval, requestUID, err)
	}
	switch req.Status {
	case model.ApprovalPending:
		return req, nil
	case model.ApprovalExpired:
		return nil, engine.ExpiredError(req.UID, req.ExpiresAt.Format(time.RFC3339))
	default:
		return nil, engine.ConflictError(model.ResourceApproval, req.UID, "request is already %s", req.Status)
	}
}

// expire commits EXPIRED and fails the execution if it is still waiting on
// this request.
func (g *Gate) expire(ctx context.Context, u *engine.Unit, req *model.ApprovalRequest) error {
	before := req.Snapshot()
	req.Status = model.ApprovalExpired
	req.UpdatedAt = u.Now()
	if err := u.Tx().UpdateApproval(ctx, req); err != nil {
		return engine.FromStore(model.ResourceApproval, req.UID, err)
	}
	if _, err := u.Commit(ctx, capture.Record{
		Event:  EventExpired,
		Change: capture.Modified(model.ResourceApproval, req.UID, before, req.Snapshot()),
	}); err != nil {
		return engine.FromStore(model.ResourceApproval, req.UID, err)
	}

	exec, err := u.Tx().GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return engine.FromStore(model.ResourceExecution, "", err)
	}
	if exec.Status == model.StatusAwaitingApproval && exec.ApprovalRequestID != nil && *exec.ApprovalRequestID == req.ID {
		detail := fmt.Sprintf("approval timeout: request %s for step %d expired at %s",
			req.UID, req.Step, req.ExpiresAt.Format(time.RFC3339))
		if err := g.machine.FailForApproval(ctx, u, req, detail); err != nil {
			return err
		}
	}
	return notify(ctx, u, engine.NotifyApprovalExpired, req)
}

func (g *Gate) reminderDue(req *model.ApprovalRequest, now time.Time) bool {
	ref := req.CreatedAt
	if req.LastReminderAt != nil {
		ref = *req.LastReminderAt
	}
	return now.Sub(ref) >= g.reminderInterval
}

func rejectionDetail(req *model.ApprovalRequest) string {
	detail := fmt.Sprintf("approval rejected by %s", req.DecidedBy)
	if req.DecisionReason != "" {
		detail += ": " + req.DecisionReason
	}
	return detail
}

// notify queues a notification about req once the unit commits.
func notify(ctx context.Context, u *engine.Unit, kind engine.NotificationKind, req *model.ApprovalRequest) error {
	exec, err := u.Tx().GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return engine.FromStore(model.ResourceExecution, "", err)
	}
	u.Notify(engine.Notification{
		Kind:        kind,
		ApprovalID:  req.UID,
		ExecutionID: exec.UID,
		Approver:    req.Approver,
		Status:      req.Status,
		Step:        req.Step,
		ExpiresAt:   req.ExpiresAt.Format(time.RFC3339),
		Reason:      req.DecisionReason,
	})
	return nil
}
