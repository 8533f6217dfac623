package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// ResourceSynchronizer mirrors workflow outcomes onto the governed resource
// and, for leave, onto the balance ledger. Its methods run inside the
// engine's transaction.
type ResourceSynchronizer struct {
	ledger     *BalanceLedger
	leaves     LeaveRequestStore
	timesheets TimesheetStore
	calendar   WorkCalendar
	log        *logger.Logger
}

// NewResourceSynchronizer creates a new ResourceSynchronizer.
func NewResourceSynchronizer(
	ledger *BalanceLedger,
	leaves LeaveRequestStore,
	timesheets TimesheetStore,
	calendar WorkCalendar,
	log *logger.Logger,
) *ResourceSynchronizer {
	return &ResourceSynchronizer{
		ledger:     ledger,
		leaves:     leaves,
		timesheets: timesheets,
		calendar:   calendar,
		log:        log.Component("resource_sync"),
	}
}

// ResourceLocation returns the location of the governed resource.
func (s *ResourceSynchronizer) ResourceLocation(ctx context.Context, resourceType repository.ResourceType, resourceID string) (string, error) {
	switch resourceType {
	case repository.ResourceLeave:
		req, err := s.leaves.GetLeaveRequest(ctx, resourceID)
		if err != nil {
			return "", err
		}
		return req.LocationID, nil
	case repository.ResourceTimesheet:
		ts, err := s.timesheets.GetTimesheet(ctx, resourceID)
		if err != nil {
			return "", err
		}
		return ts.LocationID, nil
	}
	return "", errors.InvalidInput("resource_type", fmt.Sprintf("unsupported resource type %q", resourceType))
}

// OnSubmitted reserves the requested days and marks the resource submitted.
// On resubmission it reconciles the reservation with the edited request.
func (s *ResourceSynchronizer) OnSubmitted(ctx context.Context, inst *repository.WorkflowInstance) error {
	if inst.ResourceType == repository.ResourceTimesheet {
		return s.timesheets.UpdateTimesheetStatus(ctx, inst.ResourceID, repository.ResourceSubmitted)
	}

	req, err := s.leaves.GetLeaveRequest(ctx, inst.ResourceID)
	if err != nil {
		return err
	}
	if err := s.reserve(ctx, req, req.DaysRequested); err != nil {
		return err
	}
	return s.leaves.UpdateLeaveRequestStatus(ctx, req.ID, repository.ResourceSubmitted)
}

// OnApproved moves the request's days from pending to used and schedules the
// timesheet entries for each leave day on fx.
func (s *ResourceSynchronizer) OnApproved(ctx context.Context, inst *repository.WorkflowInstance, fx *sideEffects) error {
	if inst.ResourceType == repository.ResourceTimesheet {
		return s.timesheets.UpdateTimesheetStatus(ctx, inst.ResourceID, repository.ResourceApproved)
	}

	req, err := s.leaves.GetLeaveRequest(ctx, inst.ResourceID)
	if err != nil {
		return err
	}
	// The request may have been edited after an adjustment without a resubmit.
	if err := s.reserve(ctx, req, req.DaysRequested); err != nil {
		return err
	}
	if _, err := s.ledger.Approve(ctx, leaveKey(req), req.DaysRequested); err != nil {
		return err
	}
	if err := s.leaves.SetReservedDays(ctx, req.ID, decimal.Zero); err != nil {
		return err
	}
	if err := s.leaves.UpdateLeaveRequestStatus(ctx, req.ID, repository.ResourceApproved); err != nil {
		return err
	}

	s.scheduleTimesheetDays(req, fx)
	return nil
}

// OnDeclined releases the reservation and marks the resource declined.
func (s *ResourceSynchronizer) OnDeclined(ctx context.Context, inst *repository.WorkflowInstance) error {
	if inst.ResourceType == repository.ResourceTimesheet {
		return s.timesheets.UpdateTimesheetStatus(ctx, inst.ResourceID, repository.ResourceDeclined)
	}
	return s.release(ctx, inst.ResourceID, repository.ResourceDeclined)
}

// OnAdjusted marks the resource adjusted. Leave reservations are kept until
// the employee resubmits or cancels.
func (s *ResourceSynchronizer) OnAdjusted(ctx context.Context, inst *repository.WorkflowInstance) error {
	if inst.ResourceType == repository.ResourceTimesheet {
		return s.timesheets.UpdateTimesheetStatus(ctx, inst.ResourceID, repository.ResourceAdjusted)
	}
	return s.leaves.UpdateLeaveRequestStatus(ctx, inst.ResourceID, repository.ResourceAdjusted)
}

// OnCancelled releases any reservation still held and marks the resource cancelled.
func (s *ResourceSynchronizer) OnCancelled(ctx context.Context, inst *repository.WorkflowInstance) error {
	if inst.ResourceType == repository.ResourceTimesheet {
		return s.timesheets.UpdateTimesheetStatus(ctx, inst.ResourceID, repository.ResourceCancelled)
	}
	return s.release(ctx, inst.ResourceID, repository.ResourceCancelled)
}

// reserve makes the request's pending contribution equal target.
func (s *ResourceSynchronizer) reserve(ctx context.Context, req *repository.LeaveRequest, target decimal.Decimal) error {
	delta := target.Sub(req.ReservedDays)
	switch {
	case delta.IsPositive():
		if _, err := s.ledger.AddPending(ctx, leaveKey(req), delta); err != nil {
			return err
		}
	case delta.IsNegative():
		if _, err := s.ledger.RemovePending(ctx, leaveKey(req), delta.Neg()); err != nil {
			return err
		}
	default:
		return nil
	}

	if !req.ReservedDays.IsZero() {
		s.log.Info().
			Str("leave_request_id", req.ID).
			Str("reserved_before", req.ReservedDays.String()).
			Str("reserved_after", target.String()).
			Msg("Leave reservation reconciled")
	}
	req.ReservedDays = target
	return s.leaves.SetReservedDays(ctx, req.ID, target)
}

// release returns held days to the balance and sets the request status.
func (s *ResourceSynchronizer) release(ctx context.Context, leaveRequestID string, status repository.ResourceStatus) error {
	req, err := s.leaves.GetLeaveRequest(ctx, leaveRequestID)
	if err != nil {
		return err
	}
	if req.ReservedDays.IsPositive() {
		if _, err := s.ledger.RemovePending(ctx, leaveKey(req), req.ReservedDays); err != nil {
			return err
		}
		if err := s.leaves.SetReservedDays(ctx, req.ID, decimal.Zero); err != nil {
			return err
		}
	}
	return s.leaves.UpdateLeaveRequestStatus(ctx, req.ID, status)
}

// scheduleTimesheetDays queues one best-effort timesheet write per working
// day of the request.
func (s *ResourceSynchronizer) scheduleTimesheetDays(req *repository.LeaveRequest, fx *sideEffects) {
	if s.calendar == nil {
		return
	}
	start := truncateDay(req.StartDate)
	end := truncateDay(req.EndDate)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		fx.add("timesheet.leave_day", func(ctx context.Context) error {
			hours, err := s.calendar.LeaveHours(ctx, req.UserID, day)
			if err != nil {
				return err
			}
			if hours <= 0 {
				return nil
			}
			return s.timesheets.RecordLeaveDay(ctx, repository.LeaveDay{
				UserID:         req.UserID,
				LeaveRequestID: req.ID,
				Date:           day,
				Hours:          decimal.NewFromFloat(hours).Round(ledgerPrecision),
			})
		})
	}
}

func leaveKey(req *repository.LeaveRequest) repository.BalanceKey {
	return repository.BalanceKey{UserID: req.UserID, LeaveTypeID: req.LeaveTypeID, Year: req.Year()}
}

// WeekdayCalendar books a fixed number of leave hours on Monday to Friday.
type WeekdayCalendar struct {
	HoursPerDay float64
}

// LeaveHours implements WorkCalendar.
func (c WeekdayCalendar) LeaveHours(_ context.Context, _ string, day time.Time) (float64, error) {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return 0, nil
	}
	return c.HoursPerDay, nil
}
