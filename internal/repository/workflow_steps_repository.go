package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

const stepInstanceColumns = `
	id, instance_id, step_order, status, round,
	acted_by, acted_at, comment, ip_address, user_agent, digital_signature,
	created_at, updated_at
`

// ListStepInstances returns all step instances of a workflow ordered by step_order.
func (r *WorkflowRepository) ListStepInstances(ctx context.Context, instanceID string) ([]*WorkflowStepInstance, error) {
	query := `SELECT ` + stepInstanceColumns + `
		FROM workflow_step_instances
		WHERE instance_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow step instances")
	}
	defer rows.Close()

	var steps []*WorkflowStepInstance
	for rows.Next() {
		s, err := scanStepInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step instance")
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflow step instances")
	}
	return steps, nil
}

// GetStepInstance returns the step instance at stepOrder within a workflow.
func (r *WorkflowRepository) GetStepInstance(ctx context.Context, instanceID string, stepOrder int) (*WorkflowStepInstance, error) {
	query := `SELECT ` + stepInstanceColumns + `
		FROM workflow_step_instances
		WHERE instance_id = $1 AND step_order = $2
	`

	s, err := scanStepInstance(r.db.QueryRow(ctx, query, instanceID, stepOrder))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_step_instance", fmt.Sprintf("%s/%d", instanceID, stepOrder))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow step instance")
	}
	return s, nil
}

// RecordStepOutcome stamps a pending step instance with its outcome.
func (r *WorkflowRepository) RecordStepOutcome(ctx context.Context, step *WorkflowStepInstance) error {
	query := `
		UPDATE workflow_step_instances
		SET status            = $2,
		    acted_by          = $3,
		    acted_at          = $4,
		    comment           = $5,
		    ip_address        = $6,
		    user_agent        = $7,
		    digital_signature = $8,
		    updated_at        = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.ID,
		step.Status,
		step.ActedBy,
		step.ActedAt,
		step.Comment,
		step.IPAddress,
		step.UserAgent,
		step.DigitalSignature,
	).Scan(&step.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Conflict(fmt.Sprintf("step %d already acted", step.StepOrder))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record step outcome")
	}
	return nil
}

// ReopenSteps resets acted steps at or after fromOrder to pending for
// another round of review.
func (r *WorkflowRepository) ReopenSteps(ctx context.Context, instanceID string, fromOrder int) error {
	query := `
		UPDATE workflow_step_instances
		SET status            = 'pending',
		    round             = round + 1,
		    acted_by          = NULL,
		    acted_at          = NULL,
		    comment           = NULL,
		    ip_address        = NULL,
		    user_agent        = NULL,
		    digital_signature = NULL,
		    updated_at        = NOW()
		WHERE instance_id = $1
		  AND step_order >= $2
		  AND status <> 'pending'
	`

	if _, err := r.db.Exec(ctx, query, instanceID, fromOrder); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reopen workflow steps")
	}
	return nil
}

// AppendStepAction inserts one immutable history entry.
func (r *WorkflowRepository) AppendStepAction(ctx context.Context, a *WorkflowStepAction) error {
	query := `
		INSERT INTO workflow_step_actions
		    (instance_id, step_instance_id, step_order, round,
		     action, actor_id, comment, ip_address, user_agent,
		     signature, acted_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9,
		        $10, $11)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		a.InstanceID,
		a.StepInstanceID,
		a.StepOrder,
		a.Round,
		a.Action,
		a.ActorID,
		a.Comment,
		a.IPAddress,
		a.UserAgent,
		a.Signature,
		a.ActedAt,
	).Scan(&a.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append step action")
	}
	return nil
}

// ListStepActions returns a workflow's action history oldest-first.
func (r *WorkflowRepository) ListStepActions(ctx context.Context, instanceID string) ([]*WorkflowStepAction, error) {
	query := `
		SELECT id, instance_id, step_instance_id, step_order, round,
		       action, actor_id, comment, ip_address, user_agent,
		       signature, acted_at
		FROM workflow_step_actions
		WHERE instance_id = $1
		ORDER BY acted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step actions")
	}
	defer rows.Close()

	var actions []*WorkflowStepAction
	for rows.Next() {
		a := &WorkflowStepAction{}
		if err := rows.Scan(
			&a.ID,
			&a.InstanceID,
			&a.StepInstanceID,
			&a.StepOrder,
			&a.Round,
			&a.Action,
			&a.ActorID,
			&a.Comment,
			&a.IPAddress,
			&a.UserAgent,
			&a.Signature,
			&a.ActedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step action")
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate step actions")
	}
	return actions, nil
}

func scanStepInstance(row rowScanner) (*WorkflowStepInstance, error) {
	s := &WorkflowStepInstance{}
	err := row.Scan(
		&s.ID,
		&s.InstanceID,
		&s.StepOrder,
		&s.Status,
		&s.Round,
		&s.ActedBy,
		&s.ActedAt,
		&s.Comment,
		&s.IPAddress,
		&s.UserAgent,
		&s.DigitalSignature,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
