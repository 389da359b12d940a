package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
	"github.com/roach88/steward/internal/testutil"
)

type harness struct {
	store   *store.Store
	clock   *testutil.ManualClock
	rec     *capture.Recorder
	machine *engine.Machine
	gate    *Gate
	owner   *model.User
	wf      *model.Workflow

	mu    sync.Mutex
	notes []engine.Notification
}

func newHarness(t *testing.T, notifyErr error, steps ...model.StepDefinition) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s, clock: testutil.NewManualClock()}
	ids := testutil.NewSequenceIDs()
	h.rec = capture.NewRecorder(s, h.clock, capture.WithIDGenerator(ids))

	notifier := engine.NotifierFunc(func(_ context.Context, n engine.Notification) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notes = append(h.notes, n)
		return notifyErr
	})
	h.machine, err = engine.New(h.rec, engine.WithNotifier(notifier))
	require.NoError(t, err)
	h.gate = New(h.machine)

	now := h.clock.Now()
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		h.owner = &model.User{UID: ids.Generate(), Email: "owner@acme.test", FullName: "Owner", IsActive: true, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertUser(ctx, h.owner); err != nil {
			return err
		}
		h.wf = &model.Workflow{
			UID:        ids.Generate(),
			UserID:     h.owner.ID,
			Name:       "wire transfer",
			Steps:      model.NewStepList(steps...),
			RiskLevel:  model.RiskLow,
			MaxRetries: 1,
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.InsertWorkflow(ctx, h.wf)
	})
	require.NoError(t, err)
	return h
}

func gatedFirst() []model.StepDefinition {
	return []model.StepDefinition{
		{Name: "transfer", Type: "bank", Risk: model.RiskHigh},
		{Name: "notify", Type: "email"},
	}
}

func (h *harness) ownerActor() model.Actor {
	return model.UserActor(h.owner.UID)
}

// awaiting creates and dispatches an execution whose first step is gated,
// returning it with its pending request.
func (h *harness) awaiting(t *testing.T) (*model.Execution, *model.ApprovalRequest) {
	t.Helper()
	ctx := context.Background()
	exec, err := h.machine.CreateExecution(ctx, h.ownerActor(), h.wf.UID, map[string]any{"amount": 1200})
	require.NoError(t, err)
	exec, err = h.machine.Dispatch(ctx, h.ownerActor(), exec.UID)
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingApproval, exec.Status)

	pending, err := h.gate.ListPending(ctx, h.owner.UID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return exec, &pending[0]
}

func (h *harness) execution(t *testing.T, uid string) *model.Execution {
	t.Helper()
	exec, err := h.store.Reader().GetExecutionByUID(context.Background(), uid)
	require.NoError(t, err)
	return exec
}

func (h *harness) kinds() []engine.NotificationKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []engine.NotificationKind{}
	for _, n := range h.notes {
		out = append(out, n.Kind)
	}
	return out
}

func TestOpen_SnapshotsAction(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	exec, req := h.awaiting(t)

	assert.Equal(t, model.ApprovalPending, req.Status)
	assert.Equal(t, 1, req.Step)
	assert.Equal(t, h.owner.UID, req.Approver)
	assert.Equal(t, model.RiskHigh, req.RiskLevel)
	assert.Equal(t, h.ownerActor(), req.RequestedBy)
	assert.Equal(t, testutil.Epoch.Add(DefaultTimeout), req.ExpiresAt)
	assert.Equal(t, "transfer", req.Action.StepName)
	assert.Equal(t, h.wf.UID, req.Action.Workflow)
	assert.Equal(t, model.ActionSchemaVersion, req.Action.SchemaVersion)

	require.NotNil(t, exec.ApprovalRequestID)
	assert.Equal(t, req.ID, *exec.ApprovalRequestID)
}

func TestDecide_ApproveResumes(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	exec, req := h.awaiting(t)

	h.clock.Advance(time.Hour)
	got, err := h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionApprove, "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.Status)
	require.NotNil(t, got.DecidedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), *got.DecidedAt)
	assert.Equal(t, h.owner.UID, got.DecidedBy)

	exec = h.execution(t, exec.UID)
	assert.Equal(t, model.StatusRunning, exec.Status)
	assert.Equal(t, 2, exec.CurrentStep)
	require.Len(t, exec.StepLog.Records, 1)
	assert.Equal(t, model.OutcomeApproved, exec.StepLog.Records[0].Outcome)

	pending, err := h.gate.ListPending(ctx, h.owner.UID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDecide_RejectFailsExecution(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	exec, req := h.awaiting(t)

	_, err := h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionReject, "wrong account")
	require.NoError(t, err)

	exec = h.execution(t, exec.UID)
	assert.Equal(t, model.StatusFailed, exec.Status)
	assert.Equal(t, "approval rejected by "+h.owner.UID+": wrong account", exec.ErrorDetail)

	wf, err := h.store.Reader().GetWorkflow(ctx, h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wf.FailedExecutions)
	assert.Equal(t, int64(0), wf.SuccessfulExecutions)

	h.assertStepFailedIsFailure(t, exec.UID, "wrong account")
}

// assertStepFailedIsFailure checks that the step_failed entry written for a
// resolved request is recorded as a failed attempt, like an agent failure.
func (h *harness) assertStepFailedIsFailure(t *testing.T, execUID, detail string) {
	t.Helper()
	entries, err := h.rec.Query(context.Background(), capture.Filter{
		ResourceType: model.ResourceExecution,
		ResourceID:   execUID,
		Events:       []string{engine.EventStepFailed},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Error, detail)
	require.NoError(t, h.rec.Verify(context.Background(), model.ResourceExecution, execUID))
}

func TestDecide_AlreadyDecidedConflicts(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	_, req := h.awaiting(t)

	_, err := h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionApprove, "")
	require.NoError(t, err)

	_, err = h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionReject, "")
	assert.True(t, engine.IsConflict(err), "got %v", err)
}

func TestDecide_Validation(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	_, req := h.awaiting(t)

	_, err := h.gate.Decide(ctx, h.ownerActor(), req.UID, model.Decision("MAYBE"), "")
	assert.True(t, engine.IsValidation(err))

	_, err = h.gate.Decide(ctx, model.AgentActor("bot"), req.UID, model.DecisionApprove, "")
	assert.True(t, engine.IsValidation(err))

	_, err = h.gate.Decide(ctx, h.ownerActor(), "no-such-request", model.DecisionApprove, "")
	assert.True(t, engine.IsNotFound(err))
}

// A 24h request with no decision expires on the first sweep after the
// deadline and fails its execution; later sweeps change nothing.
func TestSweep_ExpiresAfterTimeout(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	exec, req := h.awaiting(t)

	h.clock.Advance(23 * time.Hour)
	res, err := h.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Expired)

	h.clock.Advance(time.Hour + time.Second)
	res, err = h.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{req.UID}, res.Expired)

	got, err := h.gate.Get(ctx, req.UID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Status)
	assert.Nil(t, got.DecidedAt)

	exec = h.execution(t, exec.UID)
	assert.Equal(t, model.StatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorDetail, "approval timeout")
	assert.Equal(t, model.OutcomeExpired, exec.StepLog.Records[0].Outcome)
	h.assertStepFailedIsFailure(t, exec.UID, "approval timeout")

	before, err := h.store.Reader().LastAuditSeq(ctx)
	require.NoError(t, err)
	res, err = h.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Expired)
	after, err := h.store.Reader().LastAuditSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "repeated sweep must not write")

	ok, err := h.gate.Expire(ctx, SweeperActor, req.UID)
	require.NoError(t, err)
	assert.False(t, ok)

	wf, err := h.store.Reader().GetWorkflow(ctx, h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wf.FailedExecutions)
}

func TestDecide_PastDeadlineExpires(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	exec, req := h.awaiting(t)

	h.clock.Advance(DefaultTimeout)
	_, err := h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionApprove, "late")
	require.Error(t, err)
	assert.True(t, engine.IsExpired(err), "got %v", err)

	// The expiry is committed even though the call failed.
	got, err := h.gate.Get(ctx, req.UID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Status)
	assert.Equal(t, model.StatusFailed, h.execution(t, exec.UID).Status)

	_, err = h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionApprove, "again")
	assert.True(t, engine.IsExpired(err))
}

// Two concurrent decisions on one request: exactly one commits.
func TestDecide_ConcurrentOneWins(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	_, req := h.awaiting(t)

	decisions := []model.Decision{model.DecisionApprove, model.DecisionReject}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, d := range decisions {
		wg.Add(1)
		go func(i int, d model.Decision) {
			defer wg.Done()
			<-start
			_, errs[i] = h.gate.Decide(ctx, h.ownerActor(), req.UID, d, "race")
		}(i, d)
	}
	close(start)
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case engine.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := h.gate.Get(ctx, req.UID)
	require.NoError(t, err)
	assert.NotEqual(t, model.ApprovalPending, got.Status)

	entries, err := h.rec.Query(ctx, capture.Filter{ResourceType: model.ResourceApproval, ResourceID: req.UID})
	require.NoError(t, err)
	decided := 0
	for _, e := range entries {
		if e.Event == EventApproved || e.Event == EventRejected {
			decided++
		}
	}
	assert.Equal(t, 1, decided)
}

func TestRemind_RateLimited(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	_, req := h.awaiting(t)

	h.clock.Advance(time.Hour)
	sent, err := h.gate.Remind(ctx, h.ownerActor(), req.UID)
	require.NoError(t, err)
	assert.False(t, sent, "first reminder waits one interval after creation")

	h.clock.Advance(3 * time.Hour)
	n, err := h.gate.RemindDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.gate.RemindDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(DefaultReminderInterval)
	n, err = h.gate.RemindDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.gate.Get(ctx, req.UID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ReminderCount)
	require.NotNil(t, got.LastReminderAt)
	assert.Equal(t, testutil.Epoch.Add(8*time.Hour), *got.LastReminderAt)

	h.clock.Advance(DefaultTimeout)
	n, err = h.gate.RemindDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "expired requests are not reminded")

	_, err = h.gate.Remind(ctx, h.ownerActor(), req.UID)
	assert.True(t, engine.IsConflict(err))
}

func TestCancel_CancelsPendingRequest(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	exec, req := h.awaiting(t)

	exec, err := h.machine.Cancel(ctx, h.ownerActor(), exec.UID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, exec.Status)

	got, err := h.gate.Get(ctx, req.UID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalCancelled, got.Status)

	_, err = h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionApprove, "")
	assert.True(t, engine.IsConflict(err))

	// The request change rides on the cancellation entry.
	entries, err := h.rec.Query(ctx, capture.Filter{ResourceType: model.ResourceApproval, ResourceID: req.UID})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, engine.EventExecutionCancelled, last.Event)
	assert.Equal(t, model.ResourceExecution, last.ResourceType)

	wf, err := h.store.Reader().GetWorkflow(ctx, h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wf.TotalExecutions, "cancelled executions are not counted")
}

func TestCreate_EscalatesLowRiskStep(t *testing.T) {
	h := newHarness(t, nil,
		model.StepDefinition{Name: "draft", Type: "llm"},
		model.StepDefinition{Name: "send", Type: "email"},
	)
	ctx := context.Background()
	exec, err := h.machine.CreateExecution(ctx, h.ownerActor(), h.wf.UID, nil)
	require.NoError(t, err)
	_, err = h.machine.Dispatch(ctx, h.ownerActor(), exec.UID)
	require.NoError(t, err)

	req, err := h.gate.Create(ctx, h.ownerActor(), exec.UID, engine.ApprovalOptions{Approver: "reviewer", Timeout: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "reviewer", req.Approver)
	assert.Equal(t, model.RiskLow, req.RiskLevel)
	assert.Equal(t, testutil.Epoch.Add(2*time.Hour), req.ExpiresAt)

	_, err = h.gate.Create(ctx, h.ownerActor(), exec.UID, engine.ApprovalOptions{})
	assert.True(t, engine.IsConflict(err), "execution is already awaiting approval")

	_, err = h.gate.Decide(ctx, model.UserActor("reviewer"), req.UID, model.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 2, h.execution(t, exec.UID).CurrentStep)
}

func TestNotifications(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	_, req := h.awaiting(t)
	_, err := h.gate.Decide(ctx, h.ownerActor(), req.UID, model.DecisionApprove, "")
	require.NoError(t, err)

	n, err := h.machine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []engine.NotificationKind{engine.NotifyApprovalCreated, engine.NotifyApprovalDecided}, h.kinds())
}

func TestNotificationFailureIsAudited(t *testing.T) {
	h := newHarness(t, errors.New("smtp unavailable"), gatedFirst()...)
	ctx := context.Background()
	exec, req := h.awaiting(t)

	_, err := h.machine.Drain(ctx)
	require.NoError(t, err)

	entries, err := h.rec.Query(ctx, capture.Filter{ResourceType: model.ResourceApproval, ResourceID: req.UID})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "notification_failed", last.Event)
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "smtp unavailable")
	assert.Equal(t, last.Before, last.After)

	// The transition it reported on stands.
	assert.Equal(t, model.StatusAwaitingApproval, h.execution(t, exec.UID).Status)
	require.NoError(t, h.rec.Verify(ctx, model.ResourceApproval, req.UID))
}

func TestSweeper_Tick(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx := context.Background()
	exec, _ := h.awaiting(t)

	h.clock.Advance(DefaultTimeout + time.Minute)
	NewSweeper(h.gate, time.Minute).Tick(ctx)
	assert.Equal(t, model.StatusFailed, h.execution(t, exec.UID).Status)
	assert.Equal(t, DefaultSweepInterval, NewSweeper(h.gate, 0).Interval())
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil, gatedFirst()...)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewSweeper(h.gate, 10*time.Millisecond).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
