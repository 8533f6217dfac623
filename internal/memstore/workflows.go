package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

func newID() string {
	return uuid.NewString()
}

// GetTemplate returns a template with its steps ordered by step_order.
func (s *Store) GetTemplate(ctx context.Context, id string) (*repository.WorkflowTemplate, error) {
	defer s.guard(ctx)()
	t, ok := s.st.templates[id]
	if !ok {
		return nil, errors.NotFound("workflow_template", id)
	}
	c := copyTemplate(&t)
	sort.Slice(c.Steps, func(i, j int) bool { return c.Steps[i].StepOrder < c.Steps[j].StepOrder })
	return &c, nil
}

// CreateInstance stores the instance and its step instances.
func (s *Store) CreateInstance(ctx context.Context, inst *repository.WorkflowInstance, steps []*repository.WorkflowStepInstance) error {
	defer s.guard(ctx)()
	inst.ID = newID()
	inst.Version = 1
	s.st.instances[inst.ID] = *inst

	rows := make([]repository.WorkflowStepInstance, 0, len(steps))
	for _, step := range steps {
		step.ID = newID()
		step.InstanceID = inst.ID
		rows = append(rows, *step)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StepOrder < rows[j].StepOrder })
	s.st.steps[inst.ID] = rows
	return nil
}

// GetInstance returns an instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	defer s.guard(ctx)()
	inst, ok := s.st.instances[id]
	if !ok {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return &inst, nil
}

// LockInstance reads an instance. The store lock already excludes other
// transactions.
func (s *Store) LockInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	return s.GetInstance(ctx, id)
}

// UpdateInstance writes inst when its version is current and bumps the version.
func (s *Store) UpdateInstance(ctx context.Context, inst *repository.WorkflowInstance) error {
	defer s.guard(ctx)()
	cur, ok := s.st.instances[inst.ID]
	if !ok {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	if cur.Version != inst.Version {
		return errors.Conflict(fmt.Sprintf("workflow instance %s was modified concurrently", inst.ID))
	}
	inst.Version++
	s.st.instances[inst.ID] = *inst
	return nil
}

// ListStepInstances returns an instance's steps ordered by step_order.
func (s *Store) ListStepInstances(ctx context.Context, instanceID string) ([]*repository.WorkflowStepInstance, error) {
	defer s.guard(ctx)()
	rows := s.st.steps[instanceID]
	out := make([]*repository.WorkflowStepInstance, 0, len(rows))
	for i := range rows {
		row := rows[i]
		out = append(out, &row)
	}
	return out, nil
}

// GetStepInstance returns the step instance at stepOrder.
func (s *Store) GetStepInstance(ctx context.Context, instanceID string, stepOrder int) (*repository.WorkflowStepInstance, error) {
	defer s.guard(ctx)()
	for _, row := range s.st.steps[instanceID] {
		if row.StepOrder == stepOrder {
			return &row, nil
		}
	}
	return nil, errors.NotFound("workflow_step_instance", fmt.Sprintf("%s/%d", instanceID, stepOrder))
}

// RecordStepOutcome writes the outcome of a pending step instance.
func (s *Store) RecordStepOutcome(ctx context.Context, step *repository.WorkflowStepInstance) error {
	defer s.guard(ctx)()
	rows := s.st.steps[step.InstanceID]
	for i := range rows {
		if rows[i].ID != step.ID {
			continue
		}
		if rows[i].Status != repository.StepPending {
			return errors.Conflict(fmt.Sprintf("step %d already acted (status: %s)", rows[i].StepOrder, rows[i].Status))
		}
		rows[i] = *step
		return nil
	}
	return errors.NotFound("workflow_step_instance", step.ID)
}

// ReopenSteps resets acted steps with step_order >= fromOrder to pending.
func (s *Store) ReopenSteps(ctx context.Context, instanceID string, fromOrder int) error {
	defer s.guard(ctx)()
	rows := s.st.steps[instanceID]
	for i := range rows {
		if rows[i].StepOrder < fromOrder || rows[i].Status == repository.StepPending {
			continue
		}
		rows[i].Status = repository.StepPending
		rows[i].Round++
		rows[i].ActedBy = nil
		rows[i].ActedAt = nil
		rows[i].Comment = nil
		rows[i].IPAddress = nil
		rows[i].UserAgent = nil
		rows[i].DigitalSignature = nil
	}
	return nil
}

// AppendStepAction appends a history entry.
func (s *Store) AppendStepAction(ctx context.Context, action *repository.WorkflowStepAction) error {
	defer s.guard(ctx)()
	action.ID = newID()
	s.st.actions[action.InstanceID] = append(s.st.actions[action.InstanceID], *action)
	return nil
}

// ListStepActions returns an instance's history in insertion order.
func (s *Store) ListStepActions(ctx context.Context, instanceID string) ([]*repository.WorkflowStepAction, error) {
	defer s.guard(ctx)()
	rows := s.st.actions[instanceID]
	out := make([]*repository.WorkflowStepAction, 0, len(rows))
	for i := range rows {
		row := rows[i]
		out = append(out, &row)
	}
	return out, nil
}

// RecordAction appends an audit entry.
func (s *Store) RecordAction(ctx context.Context, entry *repository.AuditEntry) error {
	defer s.guard(ctx)()
	entry.ID = newID()
	s.st.audit = append(s.st.audit, *entry)
	return nil
}

// ListByResource returns the audit trail for a resource in insertion order.
func (s *Store) ListByResource(ctx context.Context, resourceType repository.ResourceType, resourceID string) ([]*repository.AuditEntry, error) {
	defer s.guard(ctx)()
	var out []*repository.AuditEntry
	for i := range s.st.audit {
		e := s.st.audit[i]
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, &e)
		}
	}
	return out, nil
}
