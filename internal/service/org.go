package service

import (
	"context"
	"errors"
	"strings"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/engine"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Audit event names for organization and agent changes.
const (
	EventCompanyCreated        = "company_created"
	EventUserCreated           = "user_created"
	EventMembershipCreated     = "membership_created"
	EventMembershipRemoved     = "membership_removed"
	EventPrimaryChanged        = "primary_membership_changed"
	EventAgentCreated          = "agent_created"
	EventAgentStatusChanged    = "agent_status_changed"
	EventWorkflowAgentAssigned = "workflow_agent_assigned"
	EventWorkflowAgentRemoved  = "workflow_agent_removed"
)

// CreateCompany creates an active company. Slugs are unique.
func (s *Service) CreateCompany(ctx context.Context, actor model.Actor, name, slug string) (*model.Company, error) {
	name, slug = strings.TrimSpace(name), strings.ToLower(strings.TrimSpace(slug))
	if name == "" || slug == "" {
		return nil, engine.ValidationError(model.ResourceCompany, "", "name and slug are required")
	}
	var c *model.Company
	err := s.machine.Mutate(ctx, actor, model.ResourceCompany, slug, func(u *engine.Unit) error {
		now := u.Now()
		c = &model.Company{UID: u.NewID(), Name: name, Slug: slug, IsActive: true, CreatedAt: now, UpdatedAt: now}
		if err := u.Tx().InsertCompany(ctx, c); err != nil {
			return engine.FromStore(model.ResourceCompany, slug, err)
		}
		_, err := u.Commit(ctx, capture.Record{
			Event:  EventCompanyCreated,
			Change: capture.Created(model.ResourceCompany, c.UID, c.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateUser creates an active user. Emails are unique.
func (s *Service) CreateUser(ctx context.Context, actor model.Actor, email, fullName string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return nil, engine.ValidationError(model.ResourceUser, "", "invalid email %q", email)
	}
	var usr *model.User
	err := s.machine.Mutate(ctx, actor, model.ResourceUser, email, func(u *engine.Unit) error {
		now := u.Now()
		usr = &model.User{UID: u.NewID(), Email: email, FullName: strings.TrimSpace(fullName), IsActive: true, CreatedAt: now, UpdatedAt: now}
		if err := u.Tx().InsertUser(ctx, usr); err != nil {
			return engine.FromStore(model.ResourceUser, email, err)
		}
		_, err := u.Commit(ctx, capture.Record{
			Event:  EventUserCreated,
			Change: capture.Created(model.ResourceUser, usr.UID, usr.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return usr, nil
}

// AddMembership puts a user in a company. A user's first membership
// becomes primary.
func (s *Service) AddMembership(ctx context.Context, actor model.Actor, userUID, companyUID string, role model.MembershipRole) (*model.Membership, error) {
	var m *model.Membership
	err := s.machine.Mutate(ctx, actor, model.ResourceMembership, userUID, func(u *engine.Unit) error {
		usr, co, err := loadUserCompany(ctx, u, userUID, companyUID)
		if err != nil {
			return err
		}
		existing, err := u.Tx().ListMemberships(ctx, usr.ID)
		if err != nil {
			return engine.FromStore(model.ResourceMembership, userUID, err)
		}
		now := u.Now()
		m = &model.Membership{
			UID:       u.NewID(),
			UserID:    usr.ID,
			CompanyID: co.ID,
			Role:      role,
			IsActive:  true,
			IsPrimary: len(existing) == 0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := u.Tx().InsertMembership(ctx, m); err != nil {
			return engine.FromStore(model.ResourceMembership, userUID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:  EventMembershipCreated,
			Change: capture.Created(model.ResourceMembership, m.UID, m.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetPrimaryMembership makes the user's membership in companyUID primary,
// demoting the previous primary in the same unit.
func (s *Service) SetPrimaryMembership(ctx context.Context, actor model.Actor, userUID, companyUID string) (*model.Membership, error) {
	var target *model.Membership
	err := s.machine.Mutate(ctx, actor, model.ResourceMembership, userUID, func(u *engine.Unit) error {
		usr, co, err := loadUserCompany(ctx, u, userUID, companyUID)
		if err != nil {
			return err
		}
		target, err = u.Tx().GetMembership(ctx, usr.ID, co.ID)
		if err != nil {
			return engine.FromStore(model.ResourceMembership, userUID, err)
		}
		if target.IsPrimary {
			return nil
		}
		if !target.IsActive {
			return engine.ValidationError(model.ResourceMembership, target.UID, "membership is inactive")
		}

		now := u.Now()
		var related []capture.Change
		prev, err := u.Tx().PrimaryMembership(ctx, usr.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return engine.FromStore(model.ResourceMembership, userUID, err)
		default:
			before := prev.Snapshot()
			prev.IsPrimary = false
			prev.UpdatedAt = now
			if err := u.Tx().UpdateMembership(ctx, prev); err != nil {
				return engine.FromStore(model.ResourceMembership, prev.UID, err)
			}
			related = append(related, capture.Modified(model.ResourceMembership, prev.UID, before, prev.Snapshot()))
		}

		before := target.Snapshot()
		target.IsPrimary = true
		target.UpdatedAt = now
		if err := u.Tx().UpdateMembership(ctx, target); err != nil {
			return engine.FromStore(model.ResourceMembership, target.UID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:   EventPrimaryChanged,
			Change:  capture.Modified(model.ResourceMembership, target.UID, before, target.Snapshot()),
			Related: related,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// RemoveMembership deletes a user's membership in a company. The primary
// membership can only be removed when it is the user's last one.
func (s *Service) RemoveMembership(ctx context.Context, actor model.Actor, userUID, companyUID string) error {
	return s.machine.Mutate(ctx, actor, model.ResourceMembership, userUID, func(u *engine.Unit) error {
		usr, co, err := loadUserCompany(ctx, u, userUID, companyUID)
		if err != nil {
			return err
		}
		m, err := u.Tx().GetMembership(ctx, usr.ID, co.ID)
		if err != nil {
			return engine.FromStore(model.ResourceMembership, userUID, err)
		}
		if m.IsPrimary {
			all, err := u.Tx().ListMemberships(ctx, usr.ID)
			if err != nil {
				return engine.FromStore(model.ResourceMembership, userUID, err)
			}
			if len(all) > 1 {
				return engine.ValidationError(model.ResourceMembership, m.UID, "choose another primary membership first")
			}
		}
		before := m.Snapshot()
		if err := u.Tx().DeleteMembership(ctx, m); err != nil {
			return engine.FromStore(model.ResourceMembership, m.UID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:  EventMembershipRemoved,
			Change: capture.Removed(model.ResourceMembership, m.UID, before),
		})
		return err
	})
}

func loadUserCompany(ctx context.Context, u *engine.Unit, userUID, companyUID string) (*model.User, *model.Company, error) {
	usr, err := u.Tx().GetUserByUID(ctx, userUID)
	if err != nil {
		return nil, nil, engine.FromStore(model.ResourceUser, userUID, err)
	}
	co, err := u.Tx().GetCompanyByUID(ctx, companyUID)
	if err != nil {
		return nil, nil, engine.FromStore(model.ResourceCompany, companyUID, err)
	}
	return usr, co, nil
}

// AgentSpec describes a new agent.
type AgentSpec struct {
	CompanyUID   string
	Name         string
	Role         model.AgentRole
	Capabilities []string
}

// CreateAgent registers an IDLE, active agent.
func (s *Service) CreateAgent(ctx context.Context, actor model.Actor, spec AgentSpec) (*model.Agent, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, engine.ValidationError(model.ResourceAgent, "", "name is required")
	}
	role, err := model.ParseAgentRole(string(spec.Role))
	if err != nil {
		return nil, engine.ValidationError(model.ResourceAgent, "", "%v", err)
	}
	var a *model.Agent
	err = s.machine.Mutate(ctx, actor, model.ResourceAgent, "", func(u *engine.Unit) error {
		now := u.Now()
		a = &model.Agent{
			UID:          u.NewID(),
			Name:         strings.TrimSpace(spec.Name),
			Role:         role,
			Status:       model.AgentIdle,
			Capabilities: model.NewCapabilitySet(spec.Capabilities...),
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if spec.CompanyUID != "" {
			co, err := u.Tx().GetCompanyByUID(ctx, spec.CompanyUID)
			if err != nil {
				return engine.FromStore(model.ResourceCompany, spec.CompanyUID, err)
			}
			a.CompanyID = &co.ID
		}
		if err := u.Tx().InsertAgent(ctx, a); err != nil {
			return engine.FromStore(model.ResourceAgent, a.UID, err)
		}
		_, err := u.Commit(ctx, capture.Record{
			Event:  EventAgentCreated,
			Change: capture.Created(model.ResourceAgent, a.UID, a.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SetAgentStatus records an agent's availability.
func (s *Service) SetAgentStatus(ctx context.Context, actor model.Actor, agentUID string, status model.AgentStatus) (*model.Agent, error) {
	switch status {
	case model.AgentIdle, model.AgentBusy, model.AgentOffline, model.AgentError:
	default:
		return nil, engine.ValidationError(model.ResourceAgent, agentUID, "unknown agent status %q", status)
	}
	var a *model.Agent
	err := s.machine.Mutate(ctx, actor, model.ResourceAgent, agentUID, func(u *engine.Unit) error {
		var err error
		if a, err = u.Tx().GetAgentByUID(ctx, agentUID); err != nil {
			return engine.FromStore(model.ResourceAgent, agentUID, err)
		}
		if a.Status == status {
			return nil
		}
		before := a.Snapshot()
		a.Status = status
		a.UpdatedAt = u.Now()
		if err := u.Tx().UpdateAgent(ctx, a); err != nil {
			return engine.FromStore(model.ResourceAgent, agentUID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:  EventAgentStatusChanged,
			Change: capture.Modified(model.ResourceAgent, a.UID, before, a.Snapshot()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AssignAgent binds agentUID to role on a workflow. The agent's own role
// must match.
func (s *Service) AssignAgent(ctx context.Context, actor model.Actor, workflowUID string, role model.AgentRole, agentUID string) (*model.WorkflowAgent, error) {
	var wa *model.WorkflowAgent
	err := s.machine.Mutate(ctx, actor, model.ResourceWorkflow, workflowUID, func(u *engine.Unit) error {
		var err error
		wa, err = assign(ctx, u, workflowUID, role, agentUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wa, nil
}

func assign(ctx context.Context, u *engine.Unit, workflowUID string, role model.AgentRole, agentUID string) (*model.WorkflowAgent, error) {
	wf, err := u.Tx().GetWorkflowByUID(ctx, workflowUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceWorkflow, workflowUID, err)
	}
	a, err := u.Tx().GetAgentByUID(ctx, agentUID)
	if err != nil {
		return nil, engine.FromStore(model.ResourceAgent, agentUID, err)
	}
	if a.Role != role {
		return nil, engine.ValidationError(model.ResourceAgent, agentUID, "agent has role %s, not %s", a.Role, role)
	}
	wa := &model.WorkflowAgent{
		UID:        u.NewID(),
		WorkflowID: wf.ID,
		AgentID:    a.ID,
		Role:       role,
		CreatedAt:  u.Now(),
	}
	if err := u.Tx().InsertWorkflowAgent(ctx, wa); err != nil {
		return nil, engine.FromStore(model.ResourceWorkflowAgent, wa.UID, err)
	}
	_, err = u.Commit(ctx, capture.Record{
		Event:  EventWorkflowAgentAssigned,
		Change: capture.Created(model.ResourceWorkflowAgent, wa.UID, wa.Snapshot()),
	})
	return wa, err
}

// UnassignAgent removes the agent bound to role on a workflow.
func (s *Service) UnassignAgent(ctx context.Context, actor model.Actor, workflowUID string, role model.AgentRole) error {
	return s.machine.Mutate(ctx, actor, model.ResourceWorkflow, workflowUID, func(u *engine.Unit) error {
		wf, err := u.Tx().GetWorkflowByUID(ctx, workflowUID)
		if err != nil {
			return engine.FromStore(model.ResourceWorkflow, workflowUID, err)
		}
		wa, err := u.Tx().GetWorkflowAgent(ctx, wf.ID, role)
		if err != nil {
			return engine.FromStore(model.ResourceWorkflowAgent, workflowUID, err)
		}
		before := wa.Snapshot()
		if err := u.Tx().DeleteWorkflowAgent(ctx, wa.ID); err != nil {
			return engine.FromStore(model.ResourceWorkflowAgent, wa.UID, err)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:  EventWorkflowAgentRemoved,
			Change: capture.Removed(model.ResourceWorkflowAgent, wa.UID, before),
		})
		return err
	})
}
