package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/steward/internal/approval"
	"github.com/roach88/steward/internal/definition"
	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/service"
	"github.com/roach88/steward/internal/store"
	"github.com/roach88/steward/internal/testutil"
)

// Acting identities a step can choose with "as".
const (
	actorOwner    = "owner"
	actorReviewer = "reviewer"
	actorAgent    = "agent"
	actorSystem   = "system"
)

// Harness runs one scenario against a fresh store.
type Harness struct {
	store    *store.Store
	svc      *service.Service
	clock    *testutil.ManualClock
	owner    *model.User
	reviewer *model.User
	workflow *model.Workflow
	exec     string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a manual clock and
// sequential ids, so trails are reproducible. A step whose outcome differs
// from its expectation is recorded on the result and the flow continues.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{store: st, clock: testutil.NewManualClock()}
	h.svc, err = service.New(st,
		service.WithClock(h.clock),
		service.WithIDGenerator(testutil.NewSequenceIDs()),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step, result); err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Op, err))
		}
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to collect result: %w", err)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	admin := model.SystemActor("harness")
	var err error
	if h.owner, err = h.svc.CreateUser(ctx, admin, "owner@scenario.test", "Scenario Owner"); err != nil {
		return err
	}
	if h.reviewer, err = h.svc.CreateUser(ctx, admin, "reviewer@scenario.test", "Scenario Reviewer"); err != nil {
		return err
	}

	doc := *scenario.Definition()
	doc.Agents = nil
	for _, r := range scenario.Agents {
		role, err := model.ParseAgentRole(r)
		if err != nil {
			return err
		}
		a, err := h.svc.CreateAgent(ctx, admin, service.AgentSpec{Name: strings.ToLower(string(role)) + "-1", Role: role})
		if err != nil {
			return err
		}
		doc.Agents = append(doc.Agents, definition.Assignment{Role: string(role), Agent: a.UID})
	}
	h.workflow, err = h.svc.ImportWorkflow(ctx, admin, h.owner.UID, "", &doc)
	return err
}

func (h *Harness) actor(name string) model.Actor {
	switch name {
	case actorReviewer:
		return model.UserActor(h.reviewer.UID)
	case actorAgent:
		return model.AgentActor("scenario-agent")
	case actorSystem:
		return model.SystemActor("scenario")
	}
	return model.UserActor(h.owner.UID)
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	if h.exec == "" && needsExecution(step.Op) {
		return fmt.Errorf("no execution created yet")
	}
	actor := h.actor(step.As)

	var (
		err   error
		count *int
	)
	switch step.Op {
	case OpCreate:
		var exec *model.Execution
		if exec, err = h.svc.CreateExecution(ctx, actor, h.workflow.UID, step.Input); err == nil {
			h.exec = exec.UID
			result.Execution = exec.UID
		}
	case OpDispatch:
		_, err = h.svc.DispatchExecution(ctx, actor, h.exec)
	case OpComplete:
		_, err = h.svc.CompleteStep(ctx, h.agentActor(step), h.exec, h.stepResult(ctx, step))
	case OpFail:
		res := h.stepResult(ctx, step)
		res.Error = step.Error
		_, err = h.svc.FailStep(ctx, h.agentActor(step), h.exec, res)
	case OpCancel:
		_, err = h.svc.CancelExecution(ctx, actor, h.exec, step.Reason)
	case OpDecide:
		var uid string
		if uid, err = h.pendingApproval(ctx); err == nil {
			_, err = h.svc.DecideApproval(ctx, actor, uid, step.Decision, step.Reason)
		}
	case OpDecideConcurrently:
		err = h.decideConcurrently(ctx, actor, step)
	case OpAdvance:
		d, _ := time.ParseDuration(step.Duration)
		h.clock.Advance(d)
	case OpSweep:
		var res *approval.SweepResult
		if res, err = h.svc.Sweep(ctx); err == nil {
			n := len(res.Expired)
			count = &n
		}
	case OpRemind:
		var n int
		if n, err = h.svc.RemindDue(ctx); err == nil {
			count = &n
		}
	case OpDrain:
		var n int
		if n, err = h.svc.Drain(ctx); err == nil {
			count = &n
		}
	}
	return h.check(ctx, step, err, count)
}

func needsExecution(op string) bool {
	switch op {
	case OpCreate, OpAdvance, OpSweep, OpRemind, OpDrain:
		return false
	}
	return true
}

// agentActor defaults complete and fail to the agent identity.
func (h *Harness) agentActor(step Step) model.Actor {
	if step.As == "" {
		return h.actor(actorAgent)
	}
	return h.actor(step.As)
}

// stepResult builds a report for step.Step, or for the current step when
// it is zero.
func (h *Harness) stepResult(ctx context.Context, step Step) engine.StepResult {
	n := step.Step
	if n == 0 {
		if v, err := h.svc.GetExecutionStatus(ctx, h.exec); err == nil {
			n = v.CurrentStep
		}
	}
	return engine.StepResult{Step: n, Output: step.Output, DurationSeconds: step.Seconds}
}

func (h *Harness) pendingApproval(ctx context.Context) (string, error) {
	v, err := h.svc.GetExecutionStatus(ctx, h.exec)
	if err != nil {
		return "", err
	}
	if v.ApprovalID == "" {
		return "", fmt.Errorf("execution has no approval request")
	}
	return v.ApprovalID, nil
}

// decideConcurrently races the decisions on the pending request. Exactly
// one must commit; every other attempt must fail with CONFLICT.
func (h *Harness) decideConcurrently(ctx context.Context, actor model.Actor, step Step) error {
	uid, err := h.pendingApproval(ctx)
	if err != nil {
		return err
	}
	errs := make([]error, len(step.Decisions))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, d := range step.Decisions {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.DecideApproval(ctx, actor, uid, d, step.Reason)
		}(i, d)
	}
	close(start)
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case engine.IsConflict(err):
		default:
			return err
		}
	}
	if won != 1 {
		return fmt.Errorf("%d of %d concurrent decisions committed, want 1", won, len(errs))
	}
	return nil
}

// check compares a step's outcome with its expectation.
func (h *Harness) check(ctx context.Context, step Step, err error, count *int) error {
	want := step.Expect
	if want == nil {
		want = &Expect{}
	}
	switch {
	case want.Error == "" && err != nil:
		return err
	case want.Error != "" && err == nil:
		return fmt.Errorf("expected %s error, got success", want.Error)
	case want.Error != "" && string(engine.CodeOf(err)) != want.Error:
		return fmt.Errorf("expected %s error, got %v", want.Error, err)
	}
	if want.Count != nil {
		if count == nil {
			return fmt.Errorf("count is not reported by %s", step.Op)
		}
		if *count != *want.Count {
			return fmt.Errorf("expected count %d, got %d", *want.Count, *count)
		}
	}
	if want.Status != "" {
		v, err := h.svc.GetExecutionStatus(ctx, h.exec)
		if err != nil {
			return err
		}
		if v.Status != want.Status {
			return fmt.Errorf("expected status %s, got %s", want.Status, v.Status)
		}
	}
	return nil
}

// collect loads the trail and final snapshots of the scenario's execution.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	r := h.store.Reader()
	wf, err := r.GetWorkflowByUID(ctx, h.workflow.UID)
	if err != nil {
		return err
	}
	result.State[resourceWorkflow] = wf.Snapshot()
	if h.exec == "" {
		return nil
	}

	entries, err := h.svc.AuditTrail(ctx, h.exec)
	if err != nil {
		return err
	}
	if result.Trail, err = project(entries); err != nil {
		return err
	}

	exec, err := r.GetExecutionByUID(ctx, h.exec)
	if err != nil {
		return err
	}
	result.State[resourceExecution] = exec.Snapshot()
	approvals, err := r.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: exec.ID})
	if err != nil {
		return err
	}
	if len(approvals) > 0 {
		last := approvals[len(approvals)-1]
		result.State[resourceApproval] = last.Snapshot()
	}
	return nil
}
