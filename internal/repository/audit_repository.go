package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// AuditRepository appends and reads immutable audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// RecordAction inserts one audit entry. The table has a delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *AuditRepository) RecordAction(ctx context.Context, entry *AuditEntry) error {
	before, err := marshalState(entry.BeforeState)
	if err != nil {
		return err
	}
	after, err := marshalState(entry.AfterState)
	if err != nil {
		return err
	}
	metadata, err := marshalState(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log
		    (actor_id, action, resource_type, resource_id,
		     before_state, after_state, metadata,
		     ip_address, performed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9)
		RETURNING id
	`

	return r.db.QueryRow(ctx, query,
		entry.ActorID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		before,
		after,
		metadata,
		entry.IPAddress,
		entry.PerformedAt,
	).Scan(&entry.ID)
}

// ListByResource returns the audit trail for a resource ordered oldest-first.
func (r *AuditRepository) ListByResource(ctx context.Context, resourceType ResourceType, resourceID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, actor_id, action, resource_type, resource_id,
		       before_state, after_state, metadata,
		       ip_address, performed_at
		FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var before, after, metadata []byte
		if err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.Action,
			&e.ResourceType,
			&e.ResourceID,
			&before,
			&after,
			&metadata,
			&e.IPAddress,
			&e.PerformedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if e.BeforeState, err = unmarshalState(before); err != nil {
			return nil, err
		}
		if e.AfterState, err = unmarshalState(after); err != nil {
			return nil, err
		}
		if e.Metadata, err = unmarshalState(metadata); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit log")
	}
	return entries, nil
}

func marshalState(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit state")
	}
	return b, nil
}

func unmarshalState(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit state")
	}
	return m, nil
}
