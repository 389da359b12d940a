package service

import (
	"context"
	"strings"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/definition"
	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Audit event names for workflow changes.
const (
	EventWorkflowCreated      = "workflow_created"
	EventWorkflowUpdated      = "workflow_updated"
	EventWorkflowStepsUpdated = "workflow_steps_updated"
)

var inFlight = []model.ExecutionStatus{
	model.StatusPending,
	model.StatusRunning,
	model.StatusAwaitingApproval,
}

// ImportWorkflow creates a workflow owned by ownerUID from a definition
// document, together with its agent assignments, in one unit. companyUID
// may be empty.
func (s *Service) ImportWorkflow(ctx context.Context, actor model.Actor, ownerUID, companyUID string, doc *definition.Document) (*model.Workflow, error) {
	wf, err := doc.Workflow()
	if err != nil {
		return nil, engine.ValidationError(model.ResourceWorkflow, "", "%v", err)
	}
	roles, err := doc.Roles()
	if err != nil {
		return nil, engine.ValidationError(model.ResourceWorkflow, "", "%v", err)
	}

	err = s.machine.Mutate(ctx, actor, model.ResourceWorkflow, doc.Name, func(u *engine.Unit) error {
		owner, err := u.Tx().GetUserByUID(ctx, ownerUID)
		if err != nil {
			return engine.FromStore(model.ResourceUser, ownerUID, err)
		}
		if companyUID != "" {
			co, err := u.Tx().GetCompanyByUID(ctx, companyUID)
			if err != nil {
				return engine.FromStore(model.ResourceCompany, companyUID, err)
			}
			if _, err := u.Tx().GetMembership(ctx, owner.ID, co.ID); err != nil {
				return engine.ValidationError(model.ResourceWorkflow, "", "owner is not a member of company %s", companyUID)
			}
			wf.CompanyID = &co.ID
		}

		now := u.Now()
		wf.UID = u.NewID()
		wf.UserID = owner.ID
		wf.CreatedAt, wf.UpdatedAt = now, now
		if err := u.Tx().InsertWorkflow(ctx, wf); err != nil {
			return engine.FromStore(model.ResourceWorkflow, wf.UID, err)
		}
		if _, err := u.Commit(ctx, capture.Record{
			Event:  EventWorkflowCreated,
			Change: capture.Created(model.ResourceWorkflow, wf.UID, wf.Snapshot()),
		}); err != nil {
			return err
		}
		for _, role := range model.AgentRoles {
			agentUID, ok := roles[role]
			if !ok {
				continue
			}
			if _, err := assign(ctx, u, wf.UID, role, agentUID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflow returns a workflow by public id.
func (s *Service) GetWorkflow(ctx context.Context, workflowUID string) (*model.Workflow, error) {
	wf, err := s.store.Reader().GetWorkflowByUID(ctx, workflowUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceWorkflow, workflowUID, err)
	}
	return wf, nil
}

// ExportWorkflow renders a stored workflow, including its agent
// assignments, as a definition document.
func (s *Service) ExportWorkflow(ctx context.Context, workflowUID string) (*definition.Document, error) {
	r := s.store.Reader()
	wf, err := r.GetWorkflowByUID(ctx, workflowUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceWorkflow, workflowUID, err)
	}
	doc := definition.FromWorkflow(wf)
	assignments, err := r.ListWorkflowAgents(ctx, wf.ID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceWorkflowAgent, workflowUID, err)
	}
	for _, wa := range assignments {
		a, err := r.GetAgent(ctx, wa.AgentID)
		if err != nil {
			return nil, engine.FromStore(model.ResourceAgent, "", err)
		}
		doc.Agents = append(doc.Agents, definition.Assignment{Role: string(wa.Role), Agent: a.UID})
	}
	return doc, nil
}

// WorkflowPatch lists the metadata fields to change. Nil fields are kept.
type WorkflowPatch struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// UpdateWorkflow edits workflow metadata. It is allowed at any time;
// deactivation only stops new executions.
func (s *Service) UpdateWorkflow(ctx context.Context, actor model.Actor, workflowUID string, p WorkflowPatch) (*model.Workflow, error) {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return nil, engine.ValidationError(model.ResourceWorkflow, workflowUID, "name must not be empty")
	}
	var wf *model.Workflow
	err := s.machine.Mutate(ctx, actor, model.ResourceWorkflow, workflowUID, func(u *engine.Unit) error {
		var err error
		if wf, err = u.Tx().GetWorkflowByUID(ctx, workflowUID); err != nil {
			return engine.FromStore(model.ResourceWorkflow, workflowUID, err)
		}
		before := wf.Snapshot()
		if p.Name != nil {
			wf.Name = strings.TrimSpace(*p.Name)
		}
		if p.Description != nil {
			wf.Description = *p.Description
		}
		if p.IsActive != nil {
			wf.IsActive = *p.IsActive
		}
		wf.UpdatedAt = u.Now()
		if err := u.Tx().UpdateWorkflow(ctx, wf); err != nil {
			return engine.FromStore(model.ResourceWorkflow, workflowUID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:  EventWorkflowUpdated,
			Change: capture.Modified(model.ResourceWorkflow, wf.UID, before, wf.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// UpdateWorkflowSteps replaces a workflow's step definitions. It fails with
// a validation error while any execution of the workflow is in flight.
func (s *Service) UpdateWorkflowSteps(ctx context.Context, actor model.Actor, workflowUID string, steps model.StepList) (*model.Workflow, error) {
	if err := steps.Validate(); err != nil {
		return nil, engine.ValidationError(model.ResourceWorkflow, workflowUID, "invalid steps: %v", err)
	}
	var wf *model.Workflow
	err := s.machine.Mutate(ctx, actor, model.ResourceWorkflow, workflowUID, func(u *engine.Unit) error {
		var err error
		if wf, err = u.Tx().GetWorkflowByUID(ctx, workflowUID); err != nil {
			return engine.FromStore(model.ResourceWorkflow, workflowUID, err)
		}
		running, err := u.Tx().ListExecutions(ctx, store.ExecutionFilter{
			WorkflowID: wf.ID,
			Statuses:   inFlight,
			Limit:      1,
		})
		if err != nil {
			return engine.FromStore(model.ResourceExecution, "", err)
		}
		if len(running) > 0 {
			return engine.ValidationError(model.ResourceWorkflow, workflowUID,
				"steps are immutable while execution %s is in flight", running[0].UID)
		}

		before := wf.Snapshot()
		wf.Steps = steps
		wf.UpdatedAt = u.Now()
		if err := u.Tx().UpdateWorkflow(ctx, wf); err != nil {
			return engine.FromStore(model.ResourceWorkflow, workflowUID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:  EventWorkflowStepsUpdated,
			Change: capture.Modified(model.ResourceWorkflow, wf.UID, before, wf.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}
