package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/steward/internal/aggregate"
	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Audit event names for execution transitions.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventApprovalRequested  = "approval_requested"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionSucceeded = "execution_succeeded"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
)

// CreateExecution creates a PENDING execution of an active workflow.
func (m *Machine) CreateExecution(ctx context.Context, actor model.Actor, workflowUID string, input map[string]any) (*model.Execution, error) {
	var exec *model.Execution
	err := m.Mutate(ctx, actor, model.ResourceWorkflow, workflowUID, func(u *Unit) error {
		wf, err := u.Tx().GetWorkflowByUID(ctx, workflowUID)
		if err != nil {
			return FromStore(model.ResourceWorkflow, workflowUID, err)
		}
		if !wf.IsActive {
			return ValidationError(model.ResourceWorkflow, wf.UID, "workflow is inactive")
		}
		if err := wf.Steps.Validate(); err != nil {
			return ValidationError(model.ResourceWorkflow, wf.UID, "invalid steps: %v", err)
		}

		now := u.Now()
		exec = &model.Execution{
			UID:        u.NewID(),
			WorkflowID: wf.ID,
			UserID:     wf.UserID,
			CompanyID:  wf.CompanyID,
			Status:     model.StatusPending,
			Input:      input,
			TotalSteps: wf.Steps.Len(),
			StepLog:    model.NewStepLog(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := u.Tx().InsertExecution(ctx, exec); err != nil {
			return FromStore(model.ResourceExecution, exec.UID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:  EventExecutionCreated,
			Change: capture.Created(model.ResourceExecution, exec.UID, exec.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Dispatch moves a PENDING execution to RUNNING on step 1, assigning the
// workflow's agents. If step 1 is gated the execution goes straight on to
// AWAITING_APPROVAL.
func (m *Machine) Dispatch(ctx context.Context, actor model.Actor, executionUID string) (*model.Execution, error) {
	var exec *model.Execution
	err := m.Mutate(ctx, actor, model.ResourceExecution, executionUID, func(u *Unit) error {
		var wf *model.Workflow
		var err error
		if exec, wf, err = m.load(ctx, u, executionUID, model.StatusPending); err != nil {
			return err
		}
		if !wf.IsActive {
			return ValidationError(model.ResourceWorkflow, wf.UID, "workflow is inactive")
		}

		ch := track(exec)
		if err := m.assignAgents(ctx, u, exec, wf); err != nil {
			return err
		}
		now := u.Now()
		exec.Status = model.StatusRunning
		exec.StartedAt = &now
		exec.CurrentStep = 1
		exec.Attempts = 0
		if err := m.save(ctx, u, exec, ch, EventExecutionStarted, nil, ""); err != nil {
			return err
		}
		return m.enterStep(ctx, u, exec, wf)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// CompleteStep applies a successful step report. The reported step must be
// the execution's current step.
func (m *Machine) CompleteStep(ctx context.Context, actor model.Actor, executionUID string, res StepResult) (*model.Execution, error) {
	if res.Error != "" {
		return nil, ValidationError(model.ResourceExecution, executionUID, "completed step carries an error; use FailStep")
	}
	var exec *model.Execution
	err := m.Mutate(ctx, actor, model.ResourceExecution, executionUID, func(u *Unit) error {
		var wf *model.Workflow
		var err error
		if exec, wf, err = m.loadStep(ctx, u, executionUID, res.Step); err != nil {
			return err
		}

		ch := track(exec)
		m.logStep(u, exec, wf, model.OutcomeCompleted, res, "")
		if exec.Output == nil {
			exec.Output = map[string]any{}
		}
		for k, v := range res.Output {
			exec.Output[k] = v
		}
		last := exec.CurrentStep >= exec.TotalSteps
		if !last {
			exec.CurrentStep++
			exec.Attempts = 0
		}
		if err := m.save(ctx, u, exec, ch, EventStepCompleted, nil, ""); err != nil {
			return err
		}
		if last {
			return m.finish(ctx, u, exec, model.StatusSuccess, "")
		}
		return m.enterStep(ctx, u, exec, wf)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// FailStep applies a failed step report. The execution stays RUNNING and the
// step is dispatched again while the workflow's retry budget lasts; after
// that it goes FAILED. Every attempt is audited with success=false.
func (m *Machine) FailStep(ctx context.Context, actor model.Actor, executionUID string, res StepResult) (*model.Execution, error) {
	if res.Error == "" {
		return nil, ValidationError(model.ResourceExecution, executionUID, "failed step must carry an error")
	}
	var exec *model.Execution
	err := m.Mutate(ctx, actor, model.ResourceExecution, executionUID, func(u *Unit) error {
		var wf *model.Workflow
		var err error
		if exec, wf, err = m.loadStep(ctx, u, executionUID, res.Step); err != nil {
			return err
		}

		ch := track(exec)
		m.logStep(u, exec, wf, model.OutcomeFailed, res, res.Error)
		budget := NewRetryBudget(wf.MaxRetries, exec.Attempts)
		exhausted := budget.Spend(exec.UID, exec.CurrentStep)
		exec.Attempts = budget.Used()
		if err := m.save(ctx, u, exec, ch, EventStepFailed, nil, res.Error); err != nil {
			return err
		}
		if IsRetriesExhausted(exhausted) {
			return m.finish(ctx, u, exec, model.StatusFailed, fmt.Sprintf("%v: %s", exhausted, res.Error))
		}
		m.logger.Info("step retrying",
			"execution", exec.UID,
			"step", exec.CurrentStep,
			"attempt", exec.Attempts+1,
			"remaining", budget.Remaining())
		return m.queueDispatch(ctx, u, exec, wf)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel moves a non-terminal execution to CANCELLED. A pending approval
// request is cancelled in the same unit. Cancelled executions are not
// counted by the aggregation layer.
func (m *Machine) Cancel(ctx context.Context, actor model.Actor, executionUID, reason string) (*model.Execution, error) {
	var exec *model.Execution
	err := m.Mutate(ctx, actor, model.ResourceExecution, executionUID, func(u *Unit) error {
		var err error
		if exec, _, err = m.load(ctx, u, executionUID); err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return ConflictError(model.ResourceExecution, exec.UID, "execution is already %s", exec.Status)
		}

		var related []capture.Change
		if exec.Status == model.StatusAwaitingApproval && exec.ApprovalRequestID != nil && m.gate != nil {
			c, err := m.gate.Cancel(ctx, u, *exec.ApprovalRequestID, reason)
			if err != nil {
				return err
			}
			if c != nil {
				related = append(related, *c)
			}
		}

		ch := track(exec)
		now := u.Now()
		exec.Status = model.StatusCancelled
		exec.ErrorDetail = "cancelled"
		if reason != "" {
			exec.ErrorDetail = "cancelled: " + reason
		}
		exec.CompletedAt = &now
		if exec.StartedAt != nil {
			exec.DurationSeconds = now.Sub(*exec.StartedAt).Seconds()
		}
		return m.save(ctx, u, exec, ch, EventExecutionCancelled, related, "")
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// RequestApproval escalates the current step of a RUNNING execution to a
// human, regardless of its risk level.
func (m *Machine) RequestApproval(ctx context.Context, actor model.Actor, executionUID string, opts ApprovalOptions) (*model.ApprovalRequest, error) {
	var req *model.ApprovalRequest
	err := m.Mutate(ctx, actor, model.ResourceExecution, executionUID, func(u *Unit) error {
		exec, wf, err := m.load(ctx, u, executionUID, model.StatusRunning)
		if err != nil {
			return err
		}
		req, err = m.await(ctx, u, exec, wf, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ResumeApproved applies an APPROVED decision inside the gate's unit. The
// gated step is recorded as approved and the execution resumes at the next
// step, or succeeds if it was the last one.
func (m *Machine) ResumeApproved(ctx context.Context, u *Unit, req *model.ApprovalRequest) error {
	exec, wf, err := m.loadForApproval(ctx, u, req)
	if err != nil {
		return err
	}

	ch := track(exec)
	m.logStep(u, exec, wf, model.OutcomeApproved, StepResult{
		Output: map[string]any{"decided_by": req.DecidedBy},
	}, "")
	exec.Status = model.StatusRunning
	last := exec.CurrentStep >= exec.TotalSteps
	if !last {
		exec.CurrentStep++
		exec.Attempts = 0
	}
	if err := m.save(ctx, u, exec, ch, EventExecutionResumed, nil, ""); err != nil {
		return err
	}
	if last {
		return m.finish(ctx, u, exec, model.StatusSuccess, "")
	}
	return m.enterStep(ctx, u, exec, wf)
}

// FailForApproval fails the execution blocked on req after a rejection or
// expiry, inside the gate's unit.
func (m *Machine) FailForApproval(ctx context.Context, u *Unit, req *model.ApprovalRequest, detail string) error {
	exec, wf, err := m.loadForApproval(ctx, u, req)
	if err != nil {
		return err
	}

	outcome := model.OutcomeRejected
	if req.Status == model.ApprovalExpired {
		outcome = model.OutcomeExpired
	}
	ch := track(exec)
	m.logStep(u, exec, wf, outcome, StepResult{}, detail)
	if err := m.save(ctx, u, exec, ch, EventStepFailed, nil, detail); err != nil {
		return err
	}
	return m.finish(ctx, u, exec, model.StatusFailed, detail)
}

// StatusView is the collaborator-facing status of one execution.
type StatusView struct {
	ExecutionID     string              `json:"execution_id"`
	WorkflowID      string              `json:"workflow_id"`
	Status          string              `json:"status"`
	CurrentStep     int                 `json:"current_step"`
	TotalSteps      int                 `json:"total_steps"`
	Attempts        int                 `json:"attempts"`
	StepLog         []model.StepRecord  `json:"step_log"`
	Usage           model.ResourceUsage `json:"usage"`
	ErrorDetail     string              `json:"error_detail,omitempty"`
	ApprovalID      string              `json:"approval_request_id,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	DurationSeconds float64             `json:"duration_seconds"`
}

// Status returns the current state of an execution.
func (m *Machine) Status(ctx context.Context, executionUID string) (*StatusView, error) {
	r := m.rec.Store().Reader()
	exec, err := r.GetExecutionByUID(ctx, executionUID)
	if err != nil {
		return nil, FromStore(model.ResourceExecution, executionUID, err)
	}
	wf, err := r.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, FromStore(model.ResourceWorkflow, "", err)
	}
	v := &StatusView{
		ExecutionID:     exec.UID,
		WorkflowID:      wf.UID,
		Status:          string(exec.Status),
		CurrentStep:     exec.CurrentStep,
		TotalSteps:      exec.TotalSteps,
		Attempts:        exec.Attempts,
		StepLog:         exec.StepLog.Records,
		Usage:           exec.Usage,
		ErrorDetail:     exec.ErrorDetail,
		StartedAt:       exec.StartedAt,
		CompletedAt:     exec.CompletedAt,
		DurationSeconds: exec.DurationSeconds,
	}
	if exec.ApprovalRequestID != nil {
		req, err := r.GetApproval(ctx, *exec.ApprovalRequestID)
		if err != nil {
			return nil, FromStore(model.ResourceApproval, "", err)
		}
		v.ApprovalID = req.UID
	}
	return v, nil
}

// load reads an execution and its workflow inside u. When states are given
// the execution must be in one of them.
func (m *Machine) load(ctx context.Context, u *Unit, executionUID string, states ...model.ExecutionStatus) (*model.Execution, *model.Workflow, error) {
	exec, err := u.Tx().GetExecutionByUID(ctx, executionUID)
	if err != nil {
		return nil, nil, FromStore(model.ResourceExecution, executionUID, err)
	}
	if len(states) > 0 && !statusIn(exec.Status, states) {
		return nil, nil, ConflictError(model.ResourceExecution, exec.UID,
			"execution is %s, want %s", exec.Status, states[0])
	}
	wf, err := u.Tx().GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, nil, FromStore(model.ResourceWorkflow, "", err)
	}
	return exec, wf, nil
}

func (m *Machine) loadStep(ctx context.Context, u *Unit, executionUID string, step int) (*model.Execution, *model.Workflow, error) {
	exec, wf, err := m.load(ctx, u, executionUID, model.StatusRunning)
	if err != nil {
		return nil, nil, err
	}
	if step != exec.CurrentStep {
		return nil, nil, ConflictError(model.ResourceExecution, exec.UID,
			"report for step %d, execution is on step %d", step, exec.CurrentStep)
	}
	return exec, wf, nil
}

func (m *Machine) loadForApproval(ctx context.Context, u *Unit, req *model.ApprovalRequest) (*model.Execution, *model.Workflow, error) {
	exec, err := u.Tx().GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, nil, FromStore(model.ResourceExecution, "", err)
	}
	if exec.Status != model.StatusAwaitingApproval {
		return nil, nil, ConflictError(model.ResourceExecution, exec.UID,
			"execution is %s, want %s", exec.Status, model.StatusAwaitingApproval)
	}
	if exec.ApprovalRequestID == nil || *exec.ApprovalRequestID != req.ID || exec.CurrentStep != req.Step {
		return nil, nil, ConflictError(model.ResourceExecution, exec.UID,
			"execution is not waiting on approval %s", req.UID)
	}
	wf, err := u.Tx().GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, nil, FromStore(model.ResourceWorkflow, "", err)
	}
	return exec, wf, nil
}

// enterStep either gates the current step or hands it to an agent.
func (m *Machine) enterStep(ctx context.Context, u *Unit, exec *model.Execution, wf *model.Workflow) error {
	if wf.StepRequiresApproval(exec.CurrentStep) {
		_, err := m.await(ctx, u, exec, wf, ApprovalOptions{})
		return err
	}
	return m.queueDispatch(ctx, u, exec, wf)
}

// await opens an approval request on the current step and parks the
// execution in AWAITING_APPROVAL.
func (m *Machine) await(ctx context.Context, u *Unit, exec *model.Execution, wf *model.Workflow, opts ApprovalOptions) (*model.ApprovalRequest, error) {
	if m.gate == nil {
		return nil, ValidationError(model.ResourceExecution, exec.UID, "step %d requires approval but no approval gate is configured", exec.CurrentStep)
	}
	req, err := m.gate.Open(ctx, u, exec, wf, exec.CurrentStep, opts)
	if err != nil {
		return nil, FromStore(model.ResourceApproval, "", err)
	}

	ch := track(exec)
	exec.Status = model.StatusAwaitingApproval
	exec.ApprovalRequestID = &req.ID
	related := []capture.Change{capture.Created(model.ResourceApproval, req.UID, req.Snapshot())}
	if err := m.save(ctx, u, exec, ch, EventApprovalRequested, related, ""); err != nil {
		return nil, err
	}
	u.Notify(Notification{
		Kind:        NotifyApprovalCreated,
		ApprovalID:  req.UID,
		ExecutionID: exec.UID,
		Approver:    req.Approver,
		Status:      req.Status,
		Step:        req.Step,
		ExpiresAt:   req.ExpiresAt.Format(time.RFC3339),
	})
	return req, nil
}

func (m *Machine) queueDispatch(ctx context.Context, u *Unit, exec *model.Execution, wf *model.Workflow) error {
	step, ok := wf.Steps.At(exec.CurrentStep)
	if !ok {
		return ValidationError(model.ResourceWorkflow, wf.UID, "workflow has no step %d", exec.CurrentStep)
	}
	req := DispatchRequest{
		ExecutionID: exec.UID,
		WorkflowID:  wf.UID,
		Step:        exec.CurrentStep,
		StepName:    step.Name,
		StepType:    step.Type,
		Attempt:     exec.Attempts + 1,
		Input:       exec.Input,
	}
	if exec.ExecutorAgentID != nil {
		a, err := u.Tx().GetAgent(ctx, *exec.ExecutorAgentID)
		if err != nil {
			return FromStore(model.ResourceAgent, "", err)
		}
		req.AgentID = a.UID
	}
	u.dispatch(req)
	return nil
}

// assignAgents resolves each role through the workflow's agent
// associations. Roles without an active, assignable agent stay unassigned.
func (m *Machine) assignAgents(ctx context.Context, u *Unit, exec *model.Execution, wf *model.Workflow) error {
	for _, role := range model.AgentRoles {
		wa, err := u.Tx().GetWorkflowAgent(ctx, wf.ID, role)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return FromStore(model.ResourceWorkflowAgent, "", err)
		}
		a, err := u.Tx().GetAgent(ctx, wa.AgentID)
		if err != nil {
			return FromStore(model.ResourceAgent, "", err)
		}
		if !a.IsActive || !a.Status.Assignable() {
			m.logger.Warn("agent not assignable",
				"execution", exec.UID,
				"agent", a.UID,
				"role", string(role),
				"status", string(a.Status))
			continue
		}
		id := a.ID
		switch role {
		case model.RolePlanner:
			exec.PlannerAgentID = &id
		case model.RoleExecutor:
			exec.ExecutorAgentID = &id
		case model.RoleAuditor:
			exec.AuditorAgentID = &id
		}
	}
	return nil
}

func (m *Machine) logStep(u *Unit, exec *model.Execution, wf *model.Workflow, outcome model.StepOutcome, res StepResult, errText string) {
	name := ""
	if s, ok := wf.Steps.At(exec.CurrentStep); ok {
		name = s.Name
	}
	agent := ""
	if u.Actor().Type == model.ActorAgent {
		agent = u.Actor().ID
	}
	exec.StepLog = exec.StepLog.Append(model.StepRecord{
		Step:            exec.CurrentStep,
		Name:            name,
		Attempt:         exec.Attempts + 1,
		Outcome:         outcome,
		Output:          res.Output,
		Error:           errText,
		DurationSeconds: res.DurationSeconds,
		Agent:           agent,
		RecordedAt:      u.Now(),
	})
	exec.Usage = exec.Usage.Add(res.Usage)
}

// finish commits a terminal transition. SUCCESS and FAILED fold into the
// aggregates in the same unit.
func (m *Machine) finish(ctx context.Context, u *Unit, exec *model.Execution, status model.ExecutionStatus, detail string) error {
	ch := track(exec)
	now := u.Now()
	exec.Status = status
	exec.ErrorDetail = detail
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationSeconds = now.Sub(*exec.StartedAt).Seconds()
	}
	related, err := aggregate.ApplyTerminal(ctx, u.Tx(), exec, now)
	if err != nil {
		return FromStore(model.ResourceWorkflow, "", err)
	}
	event := EventExecutionSucceeded
	if status == model.StatusFailed {
		event = EventExecutionFailed
	}
	return m.save(ctx, u, exec, ch, event, related, "")
}

// tracked holds an execution's state before a transition.
type tracked struct {
	before model.Snapshot
	from   model.ExecutionStatus
}

func track(exec *model.Execution) tracked {
	return tracked{before: exec.Snapshot(), from: exec.Status}
}

// save validates the status edge, writes the execution with its version
// check and commits one audit entry.
func (m *Machine) save(ctx context.Context, u *Unit, exec *model.Execution, ch tracked, event string, related []capture.Change, failure string) error {
	if ch.from != exec.Status && !ch.from.CanTransitionTo(exec.Status) {
		return ConflictError(model.ResourceExecution, exec.UID, "illegal transition %s -> %s", ch.from, exec.Status)
	}
	exec.UpdatedAt = u.Now()
	if err := u.Tx().UpdateExecution(ctx, exec); err != nil {
		return FromStore(model.ResourceExecution, exec.UID, err)
	}
	_, err := u.Commit(ctx, capture.Record{
		Event:   event,
		Change:  capture.Modified(model.ResourceExecution, exec.UID, ch.before, exec.Snapshot()),
		Related: related,
		Failure: failure,
	})
	if err != nil {
		return FromStore(model.ResourceExecution, exec.UID, err)
	}
	if ch.from != exec.Status {
		u.moves = append(u.moves, move{execution: exec.UID, from: ch.from, to: exec.Status, event: event})
	}
	return nil
}

func statusIn(s model.ExecutionStatus, states []model.ExecutionStatus) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}
