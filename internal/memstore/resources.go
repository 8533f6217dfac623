package memstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// GetLeaveRequest returns a leave request by id.
func (s *Store) GetLeaveRequest(ctx context.Context, id string) (*repository.LeaveRequest, error) {
	defer s.guard(ctx)()
	r, ok := s.st.leaves[id]
	if !ok {
		return nil, errors.NotFound("leave_request", id)
	}
	return &r, nil
}

// UpdateLeaveRequestStatus sets the request status.
func (s *Store) UpdateLeaveRequestStatus(ctx context.Context, id string, status repository.ResourceStatus) error {
	defer s.guard(ctx)()
	r, ok := s.st.leaves[id]
	if !ok {
		return errors.NotFound("leave_request", id)
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	s.st.leaves[id] = r
	return nil
}

// SetReservedDays records how many days the request holds in pending.
func (s *Store) SetReservedDays(ctx context.Context, id string, days decimal.Decimal) error {
	defer s.guard(ctx)()
	r, ok := s.st.leaves[id]
	if !ok {
		return errors.NotFound("leave_request", id)
	}
	r.ReservedDays = round(days)
	r.UpdatedAt = time.Now()
	s.st.leaves[id] = r
	return nil
}

// GetTimesheet returns a timesheet by id.
func (s *Store) GetTimesheet(ctx context.Context, id string) (*repository.Timesheet, error) {
	defer s.guard(ctx)()
	ts, ok := s.st.timesheets[id]
	if !ok {
		return nil, errors.NotFound("timesheet", id)
	}
	return &ts, nil
}

// UpdateTimesheetStatus sets the timesheet status.
func (s *Store) UpdateTimesheetStatus(ctx context.Context, id string, status repository.ResourceStatus) error {
	defer s.guard(ctx)()
	ts, ok := s.st.timesheets[id]
	if !ok {
		return errors.NotFound("timesheet", id)
	}
	ts.Status = status
	ts.UpdatedAt = time.Now()
	s.st.timesheets[id] = ts
	return nil
}

// RecordLeaveDay upserts the user's leave entry for the day.
func (s *Store) RecordLeaveDay(ctx context.Context, day repository.LeaveDay) error {
	defer s.guard(ctx)()
	s.st.leaveDays[day.UserID+"|"+day.Date.Format(time.DateOnly)] = day
	return nil
}
