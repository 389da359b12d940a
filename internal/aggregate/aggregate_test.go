package aggregate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
	"github.com/roach88/steward/internal/testutil"
)

type env struct {
	store    *store.Store
	ids      *testutil.SequenceIDs
	company  *model.Company
	user     *model.User
	workflow *model.Workflow
	planner  *model.Agent
	executor *model.Agent
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := &env{store: s, ids: testutil.NewSequenceIDs()}
	now := testutil.Epoch
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		e.company = &model.Company{UID: e.ids.Generate(), Name: "Acme", Slug: "acme", IsActive: true, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertCompany(ctx, e.company); err != nil {
			return err
		}
		e.user = &model.User{UID: e.ids.Generate(), Email: "ops@acme.test", FullName: "Ops", IsActive: true, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertUser(ctx, e.user); err != nil {
			return err
		}
		e.workflow = &model.Workflow{
			UID:       e.ids.Generate(),
			UserID:    e.user.ID,
			CompanyID: &e.company.ID,
			Name:      "payroll",
			Steps:     model.NewStepList(model.StepDefinition{Name: "compute", Type: "script"}),
			RiskLevel: model.RiskLow,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertWorkflow(ctx, e.workflow); err != nil {
			return err
		}
		e.planner = e.agent(model.RolePlanner, "planner")
		if err := tx.InsertAgent(ctx, e.planner); err != nil {
			return err
		}
		e.executor = e.agent(model.RoleExecutor, "executor")
		return tx.InsertAgent(ctx, e.executor)
	})
	require.NoError(t, err)
	return e
}

func (e *env) agent(role model.AgentRole, name string) *model.Agent {
	return &model.Agent{
		UID:          e.ids.Generate(),
		CompanyID:    &e.company.ID,
		Name:         name,
		Role:         role,
		Status:       model.AgentIdle,
		Capabilities: model.NewCapabilitySet("http"),
		IsActive:     true,
		CreatedAt:    testutil.Epoch,
		UpdatedAt:    testutil.Epoch,
	}
}

// finish inserts a terminal execution and folds it into the counters in the
// same transaction.
func (e *env) finish(t *testing.T, status model.ExecutionStatus, duration float64) *model.Execution {
	t.Helper()
	ctx := context.Background()
	started := testutil.Epoch
	completed := started.Add(time.Duration(duration * float64(time.Second)))
	exec := &model.Execution{
		UID:             e.ids.Generate(),
		WorkflowID:      e.workflow.ID,
		UserID:          e.user.ID,
		CompanyID:       &e.company.ID,
		Status:          status,
		CurrentStep:     1,
		TotalSteps:      1,
		StepLog:         model.NewStepLog(),
		Usage:           model.ResourceUsage{APICalls: 2, CPUSeconds: 0.5},
		PlannerAgentID:  &e.planner.ID,
		ExecutorAgentID: &e.executor.ID,
		AuditorAgentID:  &e.planner.ID,
		StartedAt:       &started,
		CompletedAt:     &completed,
		DurationSeconds: duration,
		CreatedAt:       started,
		UpdatedAt:       completed,
	}
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		_, err := ApplyTerminal(ctx, tx, exec, completed)
		return err
	})
	require.NoError(t, err)
	return exec
}

func newAggregator(t *testing.T, s *store.Store) *Aggregator {
	t.Helper()
	a, err := New(s)
	require.NoError(t, err)
	return a
}

func TestRunningMean_MatchesArithmeticMean(t *testing.T) {
	values := []float64{12.5, 3, 40.25, 0.001, 18, 7.75, 1e4, 33}
	mean, sum := 0.0, 0.0
	for i, v := range values {
		mean = RunningMean(mean, v, int64(i+1))
		sum += v
	}
	assert.InDelta(t, sum/float64(len(values)), mean, 1e-9)
	assert.Equal(t, 0.0, RunningMean(5, 10, 0))
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, SuccessRate(0, 0))
	assert.Equal(t, 100.0, SuccessRate(3, 0))
	assert.InDelta(t, 66.666, SuccessRate(2, 1), 0.001)
}

func TestApplyTerminal_UpdatesWorkflowAndDistinctAgents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	exec := e.finish(t, model.StatusSuccess, 10)
	e.finish(t, model.StatusFailed, 20)

	r := e.store.Reader()
	wf, err := r.GetWorkflow(ctx, e.workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), wf.TotalExecutions)
	assert.Equal(t, int64(1), wf.SuccessfulExecutions)
	assert.Equal(t, int64(1), wf.FailedExecutions)
	assert.InDelta(t, 15.0, wf.AverageDuration, 1e-9)
	require.NotNil(t, wf.LastExecutedAt)
	assert.Equal(t, testutil.Epoch.Add(20*time.Second), *wf.LastExecutedAt)

	// The planner also audits, but is counted once per execution.
	planner, err := r.GetAgent(ctx, e.planner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), planner.CompletedTasks)
	assert.Equal(t, int64(1), planner.FailedTasks)
	assert.Equal(t, 50.0, planner.SuccessRate)
	assert.InDelta(t, 15.0, planner.AverageDuration, 1e-9)

	assert.Equal(t, []int64{e.planner.ID, e.executor.ID}, exec.AgentIDs())
}

func TestApplyTerminal_ReturnsRelatedChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	now := testutil.Epoch
	exec := &model.Execution{
		UID: e.ids.Generate(), WorkflowID: e.workflow.ID, UserID: e.user.ID,
		Status: model.StatusSuccess, TotalSteps: 1, StepLog: model.NewStepLog(),
		ExecutorAgentID: &e.executor.ID, DurationSeconds: 4, CompletedAt: &now,
		CreatedAt: now, UpdatedAt: now,
	}
	var changes []string
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		got, err := ApplyTerminal(ctx, tx, exec, now)
		for _, c := range got {
			require.NoError(t, c.Validate())
			changes = append(changes, string(c.ResourceType)+"/"+c.ResourceID)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"workflow/" + e.workflow.UID,
		"agent/" + e.executor.UID,
	}, changes)
}

func TestApplyTerminal_RejectsUncountedStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, status := range []model.ExecutionStatus{model.StatusCancelled, model.StatusRunning} {
		err := e.store.WithTx(ctx, func(tx *store.Tx) error {
			_, err := ApplyTerminal(ctx, tx, &model.Execution{UID: "x", WorkflowID: e.workflow.ID, Status: status}, testutil.Epoch)
			return err
		})
		assert.Error(t, err, status)
	}
}

func TestReconcile_Consistent(t *testing.T) {
	e := newEnv(t)
	for i, d := range []float64{3, 9.5, 12.25, 40} {
		status := model.StatusSuccess
		if i%2 == 1 {
			status = model.StatusFailed
		}
		e.finish(t, status, d)
	}

	rep, err := newAggregator(t, e.store).Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Consistent(), "drifts: %+v", rep.Drifts)
	assert.Equal(t, 1, rep.Workflows)
	assert.Equal(t, 2, rep.Agents)
}

func TestReconcile_ReportsDriftWithoutCorrecting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.finish(t, model.StatusSuccess, 10)

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, e.workflow.ID)
		if err != nil {
			return err
		}
		wf.SuccessfulExecutions = 5
		return tx.UpdateWorkflow(ctx, wf)
	})
	require.NoError(t, err)

	rep, err := newAggregator(t, e.store).Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Drifts, 1)
	assert.Equal(t, Drift{
		ResourceType: model.ResourceWorkflow,
		ResourceID:   e.workflow.UID,
		Field:        "successful_executions",
		Maintained:   5,
		Recomputed:   1,
	}, rep.Drifts[0])

	wf, err := e.store.Reader().GetWorkflow(ctx, e.workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), wf.SuccessfulExecutions)
}

func TestDashboards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.finish(t, model.StatusSuccess, 10)
	e.finish(t, model.StatusSuccess, 30)
	e.finish(t, model.StatusFailed, 5)

	agg := newAggregator(t, e.store)

	user, err := agg.UserDashboard(ctx, e.user.UID)
	require.NoError(t, err)
	assert.Equal(t, 1, user.Workflows)
	assert.Equal(t, 1, user.ActiveWorkflows)
	assert.Equal(t, int64(3), user.Executions.Total)
	assert.InDelta(t, 66.666, user.Executions.SuccessRate, 0.001)
	assert.InDelta(t, 15.0, user.Executions.AverageDuration, 1e-9)
	assert.Equal(t, int64(6), user.Executions.APICalls)

	company, err := agg.CompanyDashboard(ctx, e.company.UID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", company.Name)
	assert.Equal(t, 2, company.Agents)
	assert.Equal(t, map[string]int{"IDLE": 2}, company.AgentsByStatus)
	assert.Equal(t, user.Executions, company.Executions)

	wf, err := agg.WorkflowStats(ctx, e.workflow.UID)
	require.NoError(t, err)
	assert.Equal(t, wf.Counters.Total, wf.Executions.Total)
	assert.Equal(t, wf.Counters.Successful, wf.Executions.Successful)
	assert.InDelta(t, wf.Counters.AverageDuration, wf.Executions.AverageDuration, 1e-9)

	exec, err := agg.AgentStats(ctx, e.executor.UID)
	require.NoError(t, err)
	assert.Equal(t, "EXECUTOR", exec.Role)
	assert.Equal(t, int64(2), exec.CompletedTasks)
	assert.Equal(t, int64(1), exec.FailedTasks)
	assert.Equal(t, exec.CompletedTasks, exec.Executions.Successful)

	_, err = agg.AgentStats(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
