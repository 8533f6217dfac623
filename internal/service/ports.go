package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// Transactor runs fn atomically. Calls nested inside fn must reuse the
// outer transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// BalanceStore persists leave balances and their audit records.
type BalanceStore interface {
	// Get returns the balance for key without creating it.
	Get(ctx context.Context, key repository.BalanceKey) (*repository.LeaveBalance, error)
	// GetOrCreate returns the balance for key, inserting a zeroed row if absent.
	GetOrCreate(ctx context.Context, key repository.BalanceKey) (*repository.LeaveBalance, error)
	// LockForUpdate get-or-creates the row and holds a row lock until the
	// surrounding transaction ends.
	LockForUpdate(ctx context.Context, key repository.BalanceKey) (*repository.LeaveBalance, error)
	// LockForReset locks every balance of a user, optionally for one leave type.
	LockForReset(ctx context.Context, userID string, leaveTypeID *string) ([]*repository.LeaveBalance, error)
	Save(ctx context.Context, balance *repository.LeaveBalance) error
	AppendAdjustment(ctx context.Context, adj *repository.LeaveBalanceAdjustment) error
	AppendReset(ctx context.Context, reset *repository.LeaveBalanceReset) error
	ListAdjustments(ctx context.Context, key repository.BalanceKey) ([]*repository.LeaveBalanceAdjustment, error)
}

// WorkflowStore persists templates, instances, step instances and step actions.
type WorkflowStore interface {
	GetTemplate(ctx context.Context, id string) (*repository.WorkflowTemplate, error)
	CreateInstance(ctx context.Context, inst *repository.WorkflowInstance, steps []*repository.WorkflowStepInstance) error
	GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	// LockInstance reads the instance holding a row lock for the surrounding transaction.
	LockInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	// UpdateInstance writes status, step pointer and timestamps when the stored
	// version equals inst.Version, then increments it. A stale version yields
	// an ErrCodeConflict error.
	UpdateInstance(ctx context.Context, inst *repository.WorkflowInstance) error
	ListStepInstances(ctx context.Context, instanceID string) ([]*repository.WorkflowStepInstance, error)
	GetStepInstance(ctx context.Context, instanceID string, stepOrder int) (*repository.WorkflowStepInstance, error)
	// RecordStepOutcome moves a pending step instance to a terminal status.
	// It fails with ErrCodeConflict when the step is no longer pending.
	RecordStepOutcome(ctx context.Context, step *repository.WorkflowStepInstance) error
	// ReopenSteps resets every non-pending step with step_order >= fromOrder
	// back to pending and bumps its round.
	ReopenSteps(ctx context.Context, instanceID string, fromOrder int) error
	AppendStepAction(ctx context.Context, action *repository.WorkflowStepAction) error
	ListStepActions(ctx context.Context, instanceID string) ([]*repository.WorkflowStepAction, error)
}

// LeaveRequestStore gives the synchronizer access to leave requests.
type LeaveRequestStore interface {
	GetLeaveRequest(ctx context.Context, id string) (*repository.LeaveRequest, error)
	UpdateLeaveRequestStatus(ctx context.Context, id string, status repository.ResourceStatus) error
	SetReservedDays(ctx context.Context, id string, days decimal.Decimal) error
}

// TimesheetStore gives the synchronizer access to timesheets.
type TimesheetStore interface {
	GetTimesheet(ctx context.Context, id string) (*repository.Timesheet, error)
	UpdateTimesheetStatus(ctx context.Context, id string, status repository.ResourceStatus) error
	// RecordLeaveDay creates or extends the user's timesheet entry for the day.
	RecordLeaveDay(ctx context.Context, day repository.LeaveDay) error
}

// Directory answers user, role and location questions for approver resolution.
type Directory interface {
	GetUser(ctx context.Context, id string) (*repository.User, error)
	// UserHasPermission reports whether the user holds an active role that
	// grants permission (matched by permission name or id).
	UserHasPermission(ctx context.Context, userID, permission string) (bool, error)
	// UsersWithPermission lists active users holding an active role granting
	// permission. A non-empty roleIDs restricts the roles considered.
	UsersWithPermission(ctx context.Context, permission string, roleIDs []string) ([]*repository.User, error)
	PermissionExists(ctx context.Context, permission string) (bool, error)
	GetLocation(ctx context.Context, id string) (*repository.Location, error)
}

// AuthorityRequest is the input to an authority check.
type AuthorityRequest struct {
	UserID             string
	Permission         string
	LocationID         string
	WorkflowStepOrder  *int
	WorkflowInstanceID *string
}

// Authority is the external final gate on a user's right to act.
type Authority interface {
	CheckAuthority(ctx context.Context, req AuthorityRequest) (bool, error)
}

// StepAssignment announces that a user is expected to act on a step.
type StepAssignment struct {
	UserID       string
	InstanceID   string
	ResourceType repository.ResourceType
	ResourceID   string
	StepOrder    int
}

// Completion announces a workflow outcome to a user.
type Completion struct {
	UserID       string
	InstanceID   string
	ResourceType repository.ResourceType
	ResourceID   string
	Outcome      repository.WorkflowStatus
}

// Notifier delivers workflow notifications.
type Notifier interface {
	NotifyStepAssignment(ctx context.Context, n StepAssignment) error
	NotifyComplete(ctx context.Context, n Completion) error
}

// AuditSink records actions for the audit trail.
type AuditSink interface {
	RecordAction(ctx context.Context, entry *repository.AuditEntry) error
}

// Signer produces the tamper-evident token stored on acted steps.
type Signer interface {
	Sign(actorID, instanceID, action string) (string, error)
}

// Dispatcher runs best-effort side effects asynchronously. Dispatch never
// blocks the caller and never reports the task's outcome.
type Dispatcher interface {
	Dispatch(name string, task func(ctx context.Context) error)
}

// WorkCalendar reports the leave hours a user books for a calendar day.
// Zero means the day is not a working day.
type WorkCalendar interface {
	LeaveHours(ctx context.Context, userID string, day time.Time) (float64, error)
}
