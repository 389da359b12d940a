package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// RunningMean folds value into a mean over n samples, n counting value.
func RunningMean(old, value float64, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return old + (value-old)/float64(n)
}

// SuccessRate returns completed as a percentage of completed plus failed.
func SuccessRate(completed, failed int64) float64 {
	total := completed + failed
	if total == 0 {
		return 0
	}
	return float64(completed) * 100 / float64(total)
}

// ApplyTerminal folds a SUCCESS or FAILED execution into the counters of its
// workflow and of every distinct agent assigned to it. It must run in the
// same transaction as the terminal transition; the returned changes belong
// on that transition's audit entry.
func ApplyTerminal(ctx context.Context, tx *store.Tx, exec *model.Execution, now time.Time) ([]capture.Change, error) {
	success := exec.Status == model.StatusSuccess
	if !success && exec.Status != model.StatusFailed {
		return nil, fmt.Errorf("apply terminal %s: status %s is not counted", exec.UID, exec.Status)
	}

	wf, err := tx.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("apply terminal %s: %w", exec.UID, err)
	}
	before := wf.Snapshot()
	wf.TotalExecutions++
	if success {
		wf.SuccessfulExecutions++
	} else {
		wf.FailedExecutions++
	}
	wf.AverageDuration = RunningMean(wf.AverageDuration, exec.DurationSeconds, wf.TotalExecutions)
	wf.LastExecutedAt = exec.CompletedAt
	wf.UpdatedAt = now
	if err := tx.UpdateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("apply terminal %s: %w", exec.UID, err)
	}
	changes := []capture.Change{
		capture.Modified(model.ResourceWorkflow, wf.UID, before, wf.Snapshot()),
	}

	for _, id := range exec.AgentIDs() {
		a, err := tx.GetAgent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("apply terminal %s: %w", exec.UID, err)
		}
		before := a.Snapshot()
		if success {
			a.CompletedTasks++
		} else {
			a.FailedTasks++
		}
		a.SuccessRate = SuccessRate(a.CompletedTasks, a.FailedTasks)
		a.AverageDuration = RunningMean(a.AverageDuration, exec.DurationSeconds, a.CompletedTasks+a.FailedTasks)
		a.UpdatedAt = now
		if err := tx.UpdateAgent(ctx, a); err != nil {
			return nil, fmt.Errorf("apply terminal %s: %w", exec.UID, err)
		}
		changes = append(changes, capture.Modified(model.ResourceAgent, a.UID, before, a.Snapshot()))
	}
	return changes, nil
}
