package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// ResourceRepository reads and updates the resources workflows govern:
// leave requests and timesheets.
type ResourceRepository struct {
	db *database.DB
}

// NewResourceRepository creates a new ResourceRepository.
func NewResourceRepository(db *database.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// GetLeaveRequest retrieves a leave request by id.
func (r *ResourceRepository) GetLeaveRequest(ctx context.Context, id string) (*LeaveRequest, error) {
	query := `
		SELECT id, user_id, leave_type_id, location_id,
		       start_date, end_date, days_requested, reserved_days,
		       status, created_at, updated_at
		FROM leave_requests
		WHERE id = $1
	`

	lr := &LeaveRequest{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&lr.ID,
		&lr.UserID,
		&lr.LeaveTypeID,
		&lr.LocationID,
		&lr.StartDate,
		&lr.EndDate,
		&lr.DaysRequested,
		&lr.ReservedDays,
		&lr.Status,
		&lr.CreatedAt,
		&lr.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("leave_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get leave request")
	}
	return lr, nil
}

// UpdateLeaveRequestStatus sets the leave request status.
func (r *ResourceRepository) UpdateLeaveRequestStatus(ctx context.Context, id string, status ResourceStatus) error {
	query := `
		UPDATE leave_requests
		SET status     = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("leave_request", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update leave request status")
	}
	return nil
}

// SetReservedDays records how many days the request holds in pending.
func (r *ResourceRepository) SetReservedDays(ctx context.Context, id string, days decimal.Decimal) error {
	query := `
		UPDATE leave_requests
		SET reserved_days = $2,
		    updated_at    = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, days).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("leave_request", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update reserved days")
	}
	return nil
}

// GetTimesheet retrieves a timesheet by id.
func (r *ResourceRepository) GetTimesheet(ctx context.Context, id string) (*Timesheet, error) {
	query := `
		SELECT id, user_id, location_id, period_start, period_end,
		       status, created_at, updated_at
		FROM timesheets
		WHERE id = $1
	`

	ts := &Timesheet{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ts.ID,
		&ts.UserID,
		&ts.LocationID,
		&ts.PeriodStart,
		&ts.PeriodEnd,
		&ts.Status,
		&ts.CreatedAt,
		&ts.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("timesheet", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get timesheet")
	}
	return ts, nil
}

// UpdateTimesheetStatus sets the timesheet status.
func (r *ResourceRepository) UpdateTimesheetStatus(ctx context.Context, id string, status ResourceStatus) error {
	query := `
		UPDATE timesheets
		SET status     = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("timesheet", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update timesheet status")
	}
	return nil
}

// RecordLeaveDay upserts the leave entry for the day on the user's timesheet
// covering it, creating a draft timesheet for the week when none exists.
func (r *ResourceRepository) RecordLeaveDay(ctx context.Context, day LeaveDay) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		sheetQuery := `
			WITH existing AS (
			    SELECT id FROM timesheets
			    WHERE user_id = $1 AND $2::date BETWEEN period_start AND period_end
			    ORDER BY period_start DESC
			    LIMIT 1
			), created AS (
			    INSERT INTO timesheets (user_id, location_id, period_start, period_end, status)
			    SELECT $1, u.primary_location_id,
			           date_trunc('week', $2::date)::date,
			           (date_trunc('week', $2::date) + INTERVAL '6 days')::date,
			           'draft'
			    FROM users u
			    WHERE u.id = $1 AND NOT EXISTS (SELECT 1 FROM existing)
			    RETURNING id
			)
			SELECT id FROM existing
			UNION ALL
			SELECT id FROM created
		`

		var timesheetID string
		err := r.db.QueryRow(ctx, sheetQuery, day.UserID, day.Date).Scan(&timesheetID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("user", day.UserID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve timesheet for leave day")
		}

		entryQuery := `
			INSERT INTO timesheet_entries (timesheet_id, entry_date, leave_request_id, hours)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (timesheet_id, entry_date, leave_request_id)
			DO UPDATE SET hours = EXCLUDED.hours, updated_at = NOW()
		`
		if _, err := r.db.Exec(ctx, entryQuery, timesheetID, day.Date, day.LeaveRequestID, day.Hours); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to record leave day")
		}
		return nil
	})
}
