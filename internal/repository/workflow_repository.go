package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// WorkflowRepository manages templates, workflow instances and their steps.
// Instance + step instance creation is always done together in a single
// transaction.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// ── Templates ────────────────────────────────────────────────────────────────

// GetTemplate retrieves a template with its steps ordered by step_order.
func (r *WorkflowRepository) GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error) {
	query := `
		SELECT id, name, version, resource_type, location_id, status,
		       created_at, updated_at
		FROM workflow_templates
		WHERE id = $1
	`

	t := &WorkflowTemplate{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Name,
		&t.Version,
		&t.ResourceType,
		&t.LocationID,
		&t.Status,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow template")
	}

	steps, err := r.templateSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Steps = steps
	return t, nil
}

func (r *WorkflowRepository) templateSteps(ctx context.Context, templateID string) ([]*WorkflowStep, error) {
	query := `
		SELECT id, template_id, step_order, name, required_permission,
		       allow_decline, allow_adjust,
		       approver_strategy, include_manager, required_roles, location_scope
		FROM workflow_steps
		WHERE template_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		s := &WorkflowStep{}
		var strategy string
		if err := rows.Scan(
			&s.ID,
			&s.TemplateID,
			&s.StepOrder,
			&s.Name,
			&s.RequiredPermission,
			&s.AllowDecline,
			&s.AllowAdjust,
			&strategy,
			&s.IncludeManager,
			&s.RequiredRoles,
			&s.LocationScope,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		s.Strategy, err = ParseApproverStrategy(strategy)
		if err != nil {
			return nil, errors.Configuration(fmt.Sprintf("step %d: %v", s.StepOrder, err))
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflow steps")
	}
	return steps, nil
}

// ── Instances ────────────────────────────────────────────────────────────────

// CreateInstance inserts an instance and its step instances in one transaction.
func (r *WorkflowRepository) CreateInstance(ctx context.Context, inst *WorkflowInstance, steps []*WorkflowStepInstance) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		instQuery := `
			INSERT INTO workflow_instances
			    (template_id, resource_type, resource_id, location_id,
			     status, current_step_order, created_by)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7)
			RETURNING id, version, created_at, updated_at
		`

		err := r.db.QueryRow(ctx, instQuery,
			inst.TemplateID,
			inst.ResourceType,
			inst.ResourceID,
			inst.LocationID,
			inst.Status,
			inst.CurrentStepOrder,
			inst.CreatedBy,
		).Scan(&inst.ID, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
		}

		stepQuery := `
			INSERT INTO workflow_step_instances
			    (instance_id, step_order, status, round)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`

		for _, step := range steps {
			step.InstanceID = inst.ID
			err := r.db.QueryRow(ctx, stepQuery,
				step.InstanceID,
				step.StepOrder,
				step.Status,
				step.Round,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step instance")
			}
		}

		return nil
	})
}

const instanceColumns = `
	id, template_id, resource_type, resource_id, location_id,
	status, current_step_order, created_by, version,
	submitted_at, completed_at, created_at, updated_at
`

// GetInstance retrieves an instance by its primary key.
func (r *WorkflowRepository) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}
	return inst, nil
}

// LockInstance retrieves an instance holding its row lock until the
// surrounding transaction ends.
func (r *WorkflowRepository) LockInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1 FOR UPDATE`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow instance")
	}
	return inst, nil
}

// UpdateInstance writes the mutable fields when the stored version matches
// and increments it.
func (r *WorkflowRepository) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	query := `
		UPDATE workflow_instances
		SET status             = $3,
		    current_step_order = $4,
		    submitted_at       = $5,
		    completed_at       = $6,
		    version            = version + 1,
		    updated_at         = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		inst.ID,
		inst.Version,
		inst.Status,
		inst.CurrentStepOrder,
		inst.SubmittedAt,
		inst.CompletedAt,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Conflict(fmt.Sprintf("workflow instance %s was modified concurrently", inst.ID))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow instance")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.TemplateID,
		&inst.ResourceType,
		&inst.ResourceID,
		&inst.LocationID,
		&inst.Status,
		&inst.CurrentStepOrder,
		&inst.CreatedBy,
		&inst.Version,
		&inst.SubmittedAt,
		&inst.CompletedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
