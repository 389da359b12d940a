package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

const meterName = "github.com/roach88/steward/internal/aggregate"

// Aggregator serves read-only projections and the reconciliation pass.
// Incremental maintenance happens in ApplyTerminal, not here.
type Aggregator struct {
	store  *store.Store
	logger *slog.Logger
	drift  metric.Int64Counter
	runs   metric.Int64Counter
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// New creates an Aggregator. Counters are registered on the global
// OpenTelemetry meter provider.
func New(s *store.Store, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}

	meter := otel.Meter(meterName)
	var err error
	a.drift, err = meter.Int64Counter("steward.aggregate.drift",
		metric.WithDescription("Counter fields that disagree with a recomputation from raw rows"))
	if err != nil {
		return nil, fmt.Errorf("aggregate: drift counter: %w", err)
	}
	a.runs, err = meter.Int64Counter("steward.aggregate.reconcile.runs",
		metric.WithDescription("Completed reconciliation passes"))
	if err != nil {
		return nil, fmt.Errorf("aggregate: runs counter: %w", err)
	}
	return a, nil
}

// Counters are the running totals maintained on a workflow.
type Counters struct {
	Total           int64      `json:"total_executions"`
	Successful      int64      `json:"successful_executions"`
	Failed          int64      `json:"failed_executions"`
	AverageDuration float64    `json:"average_duration"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
}

// Executions is an execution breakdown computed from raw rows.
type Executions struct {
	Total           int64      `json:"total"`
	Successful      int64      `json:"successful"`
	Failed          int64      `json:"failed"`
	Cancelled       int64      `json:"cancelled"`
	InFlight        int64      `json:"in_flight"`
	SuccessRate     float64    `json:"success_rate"`
	AverageDuration float64    `json:"average_duration"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	APICalls        int64      `json:"api_calls"`
	CPUSeconds      float64    `json:"cpu_seconds"`
}

func fromStats(st store.ExecutionStats) Executions {
	return Executions{
		Total:           st.Total,
		Successful:      st.Successful,
		Failed:          st.Failed,
		Cancelled:       st.Cancelled,
		InFlight:        st.InFlight,
		SuccessRate:     SuccessRate(st.Successful, st.Failed),
		AverageDuration: st.AverageDuration,
		LastCompletedAt: st.LastCompletedAt,
		APICalls:        st.APICalls,
		CPUSeconds:      st.CPUSeconds,
	}
}

// UserDashboard is the per-user projection.
type UserDashboard struct {
	UserID           string     `json:"user_id"`
	Workflows        int        `json:"workflows"`
	ActiveWorkflows  int        `json:"active_workflows"`
	Executions       Executions `json:"executions"`
	PendingApprovals int64      `json:"pending_approvals"`
}

// UserDashboard projects the workflows and executions owned by a user and
// the approvals waiting on them.
func (a *Aggregator) UserDashboard(ctx context.Context, userUID string) (*UserDashboard, error) {
	r := a.store.Reader()
	u, err := r.GetUserByUID(ctx, userUID)
	if err != nil {
		return nil, fmt.Errorf("user dashboard: %w", err)
	}
	wfs, err := r.ListWorkflows(ctx, store.WorkflowFilter{UserID: u.ID})
	if err != nil {
		return nil, fmt.Errorf("user dashboard: %w", err)
	}
	st, err := r.ExecutionStats(ctx, store.ExecutionFilter{UserID: u.ID})
	if err != nil {
		return nil, fmt.Errorf("user dashboard: %w", err)
	}
	approvals, err := r.ApprovalStats(ctx, u.UID)
	if err != nil {
		return nil, fmt.Errorf("user dashboard: %w", err)
	}
	return &UserDashboard{
		UserID:           u.UID,
		Workflows:        len(wfs),
		ActiveWorkflows:  countActive(wfs),
		Executions:       fromStats(st),
		PendingApprovals: approvals[string(model.ApprovalPending)],
	}, nil
}

// CompanyDashboard is the per-company projection.
type CompanyDashboard struct {
	CompanyID       string         `json:"company_id"`
	Name            string         `json:"name"`
	Workflows       int            `json:"workflows"`
	ActiveWorkflows int            `json:"active_workflows"`
	Executions      Executions     `json:"executions"`
	Agents          int            `json:"agents"`
	AgentsByStatus  map[string]int `json:"agents_by_status"`
}

// CompanyDashboard projects workflows, executions and agents scoped to a
// company.
func (a *Aggregator) CompanyDashboard(ctx context.Context, companyUID string) (*CompanyDashboard, error) {
	r := a.store.Reader()
	c, err := r.GetCompanyByUID(ctx, companyUID)
	if err != nil {
		return nil, fmt.Errorf("company dashboard: %w", err)
	}
	wfs, err := r.ListWorkflows(ctx, store.WorkflowFilter{CompanyID: c.ID})
	if err != nil {
		return nil, fmt.Errorf("company dashboard: %w", err)
	}
	st, err := r.ExecutionStats(ctx, store.ExecutionFilter{CompanyID: c.ID})
	if err != nil {
		return nil, fmt.Errorf("company dashboard: %w", err)
	}
	agents, err := r.ListAgents(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("company dashboard: %w", err)
	}
	byStatus := map[string]int{}
	for _, ag := range agents {
		byStatus[string(ag.Status)]++
	}
	return &CompanyDashboard{
		CompanyID:       c.UID,
		Name:            c.Name,
		Workflows:       len(wfs),
		ActiveWorkflows: countActive(wfs),
		Executions:      fromStats(st),
		Agents:          len(agents),
		AgentsByStatus:  byStatus,
	}, nil
}

// WorkflowStats pairs a workflow's maintained counters with the same figures
// recomputed from its executions.
type WorkflowStats struct {
	WorkflowID string     `json:"workflow_id"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	Counters   Counters   `json:"counters"`
	Executions Executions `json:"executions"`
}

// WorkflowStats projects one workflow.
func (a *Aggregator) WorkflowStats(ctx context.Context, workflowUID string) (*WorkflowStats, error) {
	r := a.store.Reader()
	wf, err := r.GetWorkflowByUID(ctx, workflowUID)
	if err != nil {
		return nil, fmt.Errorf("workflow stats: %w", err)
	}
	st, err := r.ExecutionStats(ctx, store.ExecutionFilter{WorkflowID: wf.ID})
	if err != nil {
		return nil, fmt.Errorf("workflow stats: %w", err)
	}
	return &WorkflowStats{
		WorkflowID: wf.UID,
		Name:       wf.Name,
		IsActive:   wf.IsActive,
		Counters: Counters{
			Total:           wf.TotalExecutions,
			Successful:      wf.SuccessfulExecutions,
			Failed:          wf.FailedExecutions,
			AverageDuration: wf.AverageDuration,
			LastExecutedAt:  wf.LastExecutedAt,
		},
		Executions: fromStats(st),
	}, nil
}

// AgentStats pairs an agent's maintained counters with the executions it
// was assigned to.
type AgentStats struct {
	AgentID         string     `json:"agent_id"`
	Name            string     `json:"name"`
	Role            string     `json:"role"`
	Status          string     `json:"status"`
	CompletedTasks  int64      `json:"completed_tasks"`
	FailedTasks     int64      `json:"failed_tasks"`
	SuccessRate     float64    `json:"success_rate"`
	AverageDuration float64    `json:"average_duration"`
	Executions      Executions `json:"executions"`
}

// AgentStats projects one agent.
func (a *Aggregator) AgentStats(ctx context.Context, agentUID string) (*AgentStats, error) {
	r := a.store.Reader()
	ag, err := r.GetAgentByUID(ctx, agentUID)
	if err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}
	st, err := r.ExecutionStats(ctx, store.ExecutionFilter{AgentID: ag.ID})
	if err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}
	return &AgentStats{
		AgentID:         ag.UID,
		Name:            ag.Name,
		Role:            string(ag.Role),
		Status:          string(ag.Status),
		CompletedTasks:  ag.CompletedTasks,
		FailedTasks:     ag.FailedTasks,
		SuccessRate:     ag.SuccessRate,
		AverageDuration: ag.AverageDuration,
		Executions:      fromStats(st),
	}, nil
}

func countActive(wfs []model.Workflow) int {
	n := 0
	for _, w := range wfs {
		if w.IsActive {
			n++
		}
	}
	return n
}
