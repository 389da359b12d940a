package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/definition"
	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
	"github.com/roach88/steward/internal/testutil"
)

var admin = model.SystemActor("admin")

type fixture struct {
	svc      *Service
	store    *store.Store
	clock    *testutil.ManualClock
	company  *model.Company
	owner    *model.User
	planner  *model.Agent
	executor *model.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, clock: testutil.NewManualClock()}
	f.svc, err = New(s, WithClock(f.clock), WithIDGenerator(testutil.NewSequenceIDs()))
	require.NoError(t, err)

	f.company, err = f.svc.CreateCompany(ctx, admin, "Acme", "ACME")
	require.NoError(t, err)
	f.owner, err = f.svc.CreateUser(ctx, admin, "Owner@Acme.test", "Olive Owner")
	require.NoError(t, err)
	_, err = f.svc.AddMembership(ctx, admin, f.owner.UID, f.company.UID, model.MemberOwner)
	require.NoError(t, err)

	f.planner, err = f.svc.CreateAgent(ctx, admin, AgentSpec{CompanyUID: f.company.UID, Name: "planner", Role: model.RolePlanner})
	require.NoError(t, err)
	f.executor, err = f.svc.CreateAgent(ctx, admin, AgentSpec{CompanyUID: f.company.UID, Name: "executor", Role: model.RoleExecutor, Capabilities: []string{"bank", "llm", "bank"}})
	require.NoError(t, err)
	return f
}

func (f *fixture) payroll() *definition.Document {
	return &definition.Document{
		Name:           "payroll",
		MaxRetries:     1,
		TimeoutMinutes: 60,
		Steps: []definition.Step{
			{Name: "prepare", Type: "llm"},
			{Name: "transfer", Type: "bank", Risk: "HIGH"},
		},
		Agents: []definition.Assignment{
			{Role: "PLANNER", Agent: f.planner.UID},
			{Role: "EXECUTOR", Agent: f.executor.UID},
		},
	}
}

func (f *fixture) ownerActor() model.Actor {
	return model.UserActor(f.owner.UID)
}

func TestOrg_Basics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "acme", f.company.Slug)
	assert.Equal(t, "owner@acme.test", f.owner.Email)
	assert.Equal(t, []string{"bank", "llm"}, f.executor.Capabilities.Items)
	assert.Equal(t, model.AgentIdle, f.executor.Status)

	ctx := context.Background()
	_, err := f.svc.CreateCompany(ctx, admin, "Acme Again", "acme")
	assert.True(t, engine.IsConflict(err), "duplicate slug: %v", err)
	_, err = f.svc.CreateUser(ctx, admin, "not-an-email", "x")
	assert.True(t, engine.IsValidation(err))
	_, err = f.svc.CreateAgent(ctx, admin, AgentSpec{Name: "x", Role: "JANITOR"})
	assert.True(t, engine.IsValidation(err))
	_, err = f.svc.CreateCompany(ctx, model.Actor{}, "Nobody", "nobody")
	assert.True(t, engine.IsValidation(err), "an actor is required")
}

func TestSetPrimaryMembership_DemotesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.svc.CreateCompany(ctx, admin, "Globex", "globex")
	require.NoError(t, err)
	second, err := f.svc.AddMembership(ctx, admin, f.owner.UID, other.UID, model.MemberViewer)
	require.NoError(t, err)
	assert.False(t, second.IsPrimary, "only the first membership starts primary")

	promoted, err := f.svc.SetPrimaryMembership(ctx, admin, f.owner.UID, other.UID)
	require.NoError(t, err)
	assert.True(t, promoted.IsPrimary)

	primary, err := f.store.Reader().PrimaryMembership(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, second.UID, primary.UID)

	entries, err := f.svc.QueryAudit(ctx, capture.Filter{Events: []string{EventPrimaryChanged}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Related, 1, "the demotion is part of the same entry")
	assert.Equal(t, model.ResourceMembership, entries[0].Related[0].ResourceType)

	again, err := f.svc.SetPrimaryMembership(ctx, admin, f.owner.UID, other.UID)
	require.NoError(t, err)
	assert.Equal(t, promoted.Version, again.Version, "already primary is a no-op")

	err = f.svc.RemoveMembership(ctx, admin, f.owner.UID, other.UID)
	assert.True(t, engine.IsValidation(err), "primary with siblings cannot be removed")
	require.NoError(t, f.svc.RemoveMembership(ctx, admin, f.owner.UID, f.company.UID))
}

func TestImportWorkflow_AssignsAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf, err := f.svc.ImportWorkflow(ctx, admin, f.owner.UID, f.company.UID, f.payroll())
	require.NoError(t, err)
	assert.True(t, wf.IsActive)
	require.NotNil(t, wf.CompanyID)
	assert.Equal(t, f.company.ID, *wf.CompanyID)

	doc, err := f.svc.ExportWorkflow(ctx, wf.UID)
	require.NoError(t, err)
	assert.Equal(t, []definition.Assignment{
		{Role: "PLANNER", Agent: f.planner.UID},
		{Role: "EXECUTOR", Agent: f.executor.UID},
	}, doc.Agents)

	require.NoError(t, f.svc.UnassignAgent(ctx, admin, wf.UID, model.RolePlanner))
	err = f.svc.UnassignAgent(ctx, admin, wf.UID, model.RolePlanner)
	assert.True(t, engine.IsNotFound(err))

	removed, err := f.svc.QueryAudit(ctx, capture.Filter{Kinds: []model.EventKind{model.EventRemove}})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, EventWorkflowAgentRemoved, removed[0].Event)
}

func TestImportWorkflow_RollsBackOnBadAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.payroll()
	doc.Agents[0].Agent = f.executor.UID
	_, err := f.svc.ImportWorkflow(ctx, admin, f.owner.UID, "", doc)
	assert.True(t, engine.IsValidation(err), "role mismatch: %v", err)

	wfs, err := f.store.Reader().ListWorkflows(ctx, store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, wfs)

	outsider, err := f.svc.CreateUser(ctx, admin, "out@side.test", "Outsider")
	require.NoError(t, err)
	_, err = f.svc.ImportWorkflow(ctx, admin, outsider.UID, f.company.UID, f.payroll())
	assert.True(t, engine.IsValidation(err), "owner must belong to the company")
}

func TestExecutionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, err := f.svc.ImportWorkflow(ctx, admin, f.owner.UID, f.company.UID, f.payroll())
	require.NoError(t, err)

	exec, err := f.svc.CreateExecution(ctx, f.ownerActor(), wf.UID, map[string]any{"period": "2026-01"})
	require.NoError(t, err)
	exec, err = f.svc.DispatchExecution(ctx, f.ownerActor(), exec.UID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, exec.Status)
	require.NotNil(t, exec.PlannerAgentID)
	assert.Equal(t, f.planner.ID, *exec.PlannerAgentID)

	steps := model.NewStepList(model.StepDefinition{Name: "only", Type: "llm"})
	_, err = f.svc.UpdateWorkflowSteps(ctx, admin, wf.UID, steps)
	assert.True(t, engine.IsValidation(err), "steps are frozen while in flight")

	off := false
	_, err = f.svc.UpdateWorkflow(ctx, admin, wf.UID, WorkflowPatch{IsActive: &off})
	require.NoError(t, err, "metadata stays editable")
	on := true
	_, err = f.svc.UpdateWorkflow(ctx, admin, wf.UID, WorkflowPatch{IsActive: &on})
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	agent := model.AgentActor(f.executor.UID)
	exec, err = f.svc.CompleteStep(ctx, agent, exec.UID, engine.StepResult{Step: 1, DurationSeconds: 20})
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingApproval, exec.Status)

	pending, err := f.svc.ListPendingApprovals(ctx, f.owner.UID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.svc.DecideApproval(ctx, f.ownerActor(), pending[0].UID, "maybe", "")
	assert.True(t, engine.IsValidation(err))

	f.clock.Advance(10 * time.Second)
	req, err := f.svc.DecideApproval(ctx, f.ownerActor(), pending[0].UID, "approve", "numbers check out")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, req.Status)

	status, err := f.svc.GetExecutionStatus(ctx, exec.UID)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusSuccess), status.Status)
	assert.Equal(t, 30.0, status.DurationSeconds)

	stats, err := f.svc.WorkflowStats(ctx, wf.UID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Counters.Total)
	assert.Equal(t, int64(1), stats.Counters.Successful)
	assert.Equal(t, stats.Executions.Successful, stats.Counters.Successful)

	pstats, err := f.svc.AgentStats(ctx, f.planner.UID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pstats.CompletedTasks)

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "drift: %+v", report.Drifts)

	require.NoError(t, f.svc.VerifyResource(ctx, model.ResourceExecution, exec.UID))
	require.NoError(t, f.svc.VerifyResource(ctx, model.ResourceWorkflow, wf.UID))

	trail, err := f.svc.AuditTrail(ctx, exec.UID)
	require.NoError(t, err)
	assert.Equal(t, engine.EventExecutionCreated, trail[0].Event)
	assert.Equal(t, engine.EventExecutionSucceeded, trail[len(trail)-1].Event)

	updated, err := f.svc.UpdateWorkflowSteps(ctx, admin, wf.UID, steps)
	require.NoError(t, err, "terminal executions no longer pin the steps")
	assert.Equal(t, 1, updated.Steps.Len())
}

func TestDashboards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, err := f.svc.ImportWorkflow(ctx, admin, f.owner.UID, f.company.UID, f.payroll())
	require.NoError(t, err)

	exec, err := f.svc.CreateExecution(ctx, f.ownerActor(), wf.UID, nil)
	require.NoError(t, err)
	_, err = f.svc.CancelExecution(ctx, f.ownerActor(), exec.UID, "not this month")
	require.NoError(t, err)

	user, err := f.svc.UserDashboard(ctx, f.owner.UID)
	require.NoError(t, err)
	assert.Equal(t, 1, user.Workflows)
	assert.Equal(t, int64(1), user.Executions.Cancelled)

	company, err := f.svc.CompanyDashboard(ctx, f.company.UID)
	require.NoError(t, err)
	assert.Equal(t, f.company.UID, company.CompanyID)

	_, err = f.svc.UserDashboard(ctx, "missing")
	assert.True(t, engine.IsNotFound(err))

	sum, err := f.svc.AuditSummary(ctx, capture.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.Failures)
	assert.Equal(t, int64(1), sum.ByEvent[engine.EventExecutionCancelled])
}

func TestSetAgentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.SetAgentStatus(ctx, admin, f.executor.UID, model.AgentOffline)
	require.NoError(t, err)
	assert.Equal(t, model.AgentOffline, a.Status)

	_, err = f.svc.SetAgentStatus(ctx, admin, f.executor.UID, "ASLEEP")
	assert.True(t, engine.IsValidation(err))

	wf, err := f.svc.ImportWorkflow(ctx, admin, f.owner.UID, "", f.payroll())
	require.NoError(t, err)
	exec, err := f.svc.CreateExecution(ctx, f.ownerActor(), wf.UID, nil)
	require.NoError(t, err)
	exec, err = f.svc.DispatchExecution(ctx, f.ownerActor(), exec.UID)
	require.NoError(t, err)
	assert.Nil(t, exec.ExecutorAgentID, "offline agents are skipped")
	assert.NotNil(t, exec.PlannerAgentID)
}

func TestSweeper_ExpiresOverdueRequests(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := testutil.NewManualClock()
	svc, err := New(s, WithClock(clock), WithApprovalTimeout(time.Hour), WithSweepInterval(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, svc.Sweeper().Interval())

	f := &fixture{svc: svc, store: s, clock: clock}
	ctx := context.Background()
	f.owner, err = svc.CreateUser(ctx, admin, "owner@acme.test", "Olive Owner")
	require.NoError(t, err)
	doc := &definition.Document{
		Name:  "wire",
		Steps: []definition.Step{{Name: "transfer", Type: "bank", Risk: "HIGH"}},
	}
	wf, err := svc.ImportWorkflow(ctx, admin, f.owner.UID, "", doc)
	require.NoError(t, err)
	exec, err := svc.CreateExecution(ctx, f.ownerActor(), wf.UID, nil)
	require.NoError(t, err)
	exec, err = svc.DispatchExecution(ctx, f.ownerActor(), exec.UID)
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingApproval, exec.Status)

	svc.Sweeper().Tick(ctx)
	status, err := svc.GetExecutionStatus(ctx, exec.UID)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusAwaitingApproval), status.Status)

	clock.Advance(time.Hour + time.Second)
	svc.Sweeper().Tick(ctx)
	status, err = svc.GetExecutionStatus(ctx, exec.UID)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusFailed), status.Status)

	def, err := New(s)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, def.Sweeper().Interval())
}
