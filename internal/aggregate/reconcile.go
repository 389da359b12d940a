package aggregate

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Drift is one maintained counter that disagrees with its recomputation.
type Drift struct {
	ResourceType model.ResourceType `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	Field        string             `json:"field"`
	Maintained   float64            `json:"maintained"`
	Recomputed   float64            `json:"recomputed"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Workflows int     `json:"workflows"`
	Agents    int     `json:"agents"`
	Drifts    []Drift `json:"drifts"`
}

// Consistent reports whether the pass found no drift.
func (r *Report) Consistent() bool {
	return len(r.Drifts) == 0
}

// Reconcile recomputes every workflow and agent counter from raw execution
// rows and reports each disagreement. Drift is logged at error level and
// counted; counters are never corrected here.
func (a *Aggregator) Reconcile(ctx context.Context) (*Report, error) {
	r := a.store.Reader()
	rep := &Report{Drifts: []Drift{}}

	wfs, err := r.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	for _, wf := range wfs {
		st, err := r.ExecutionStats(ctx, store.ExecutionFilter{WorkflowID: wf.ID})
		if err != nil {
			return nil, fmt.Errorf("reconcile workflow %s: %w", wf.UID, err)
		}
		check := checker{rt: model.ResourceWorkflow, id: wf.UID, report: rep}
		check.count("total_executions", wf.TotalExecutions, st.Total)
		check.count("successful_executions", wf.SuccessfulExecutions, st.Successful)
		check.count("failed_executions", wf.FailedExecutions, st.Failed)
		check.mean("average_duration", wf.AverageDuration, st.AverageDuration)
		rep.Workflows++
	}

	agents, err := r.ListAgents(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	for _, ag := range agents {
		st, err := r.ExecutionStats(ctx, store.ExecutionFilter{AgentID: ag.ID})
		if err != nil {
			return nil, fmt.Errorf("reconcile agent %s: %w", ag.UID, err)
		}
		check := checker{rt: model.ResourceAgent, id: ag.UID, report: rep}
		check.count("completed_tasks", ag.CompletedTasks, st.Successful)
		check.count("failed_tasks", ag.FailedTasks, st.Failed)
		check.mean("success_rate", ag.SuccessRate, SuccessRate(st.Successful, st.Failed))
		check.mean("average_duration", ag.AverageDuration, st.AverageDuration)
		rep.Agents++
	}

	for _, d := range rep.Drifts {
		a.logger.Error("aggregate drift detected",
			"resource", string(d.ResourceType),
			"id", d.ResourceID,
			"field", d.Field,
			"maintained", d.Maintained,
			"recomputed", d.Recomputed,
			"event", "consistency_alarm")
		a.drift.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resource_type", string(d.ResourceType)),
			attribute.String("field", d.Field)))
	}
	a.runs.Add(ctx, 1)
	a.logger.Info("reconciliation finished",
		"workflows", rep.Workflows,
		"agents", rep.Agents,
		"drifts", len(rep.Drifts))
	return rep, nil
}

type checker struct {
	rt     model.ResourceType
	id     string
	report *Report
}

func (c checker) count(field string, maintained, recomputed int64) {
	if maintained != recomputed {
		c.add(field, float64(maintained), float64(recomputed))
	}
}

// mean compares floating-point figures with a relative tolerance; running
// means and AVG() round differently.
func (c checker) mean(field string, maintained, recomputed float64) {
	if !approxEqual(maintained, recomputed) {
		c.add(field, maintained, recomputed)
	}
}

func (c checker) add(field string, maintained, recomputed float64) {
	c.report.Drifts = append(c.report.Drifts, Drift{
		ResourceType: c.rt,
		ResourceID:   c.id,
		Field:        field,
		Maintained:   maintained,
		Recomputed:   recomputed,
	})
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
