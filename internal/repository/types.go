package repository

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ── Workflow configuration ───────────────────────────────────────────────────

// ResourceType names the kind of resource a workflow governs.
type ResourceType string

const (
	ResourceLeave     ResourceType = "leave"
	ResourceTimesheet ResourceType = "timesheet"
)

// TemplateStatus is the lifecycle of a workflow template version.
type TemplateStatus string

const (
	TemplateActive     TemplateStatus = "active"
	TemplateDeprecated TemplateStatus = "deprecated"
)

// ApproverStrategy selects how candidate approvers for a step are generated.
type ApproverStrategy int

const (
	StrategyPermission ApproverStrategy = iota
	StrategyManager
	StrategyRole
	StrategyCombined
)

// ParseApproverStrategy decodes the stored strategy name. An empty value
// falls back to the permission strategy.
func ParseApproverStrategy(s string) (ApproverStrategy, error) {
	switch s {
	case "", "permission":
		return StrategyPermission, nil
	case "manager":
		return StrategyManager, nil
	case "role":
		return StrategyRole, nil
	case "combined":
		return StrategyCombined, nil
	}
	return StrategyPermission, fmt.Errorf("unknown approver strategy %q", s)
}

// Valid reports whether s is a known strategy.
func (s ApproverStrategy) Valid() bool {
	return s >= StrategyPermission && s <= StrategyCombined
}

func (s ApproverStrategy) String() string {
	switch s {
	case StrategyManager:
		return "manager"
	case StrategyRole:
		return "role"
	case StrategyCombined:
		return "combined"
	default:
		return "permission"
	}
}

// LocationScope restricts candidate approvers by their position in the
// location tree relative to the resource's location.
type LocationScope string

const (
	ScopeSame        LocationScope = "same"
	ScopeParent      LocationScope = "parent"
	ScopeDescendants LocationScope = "descendants"
	ScopeAll         LocationScope = "all"
)

// Valid reports whether the scope is one of the known values.
func (s LocationScope) Valid() bool {
	switch s {
	case ScopeSame, ScopeParent, ScopeDescendants, ScopeAll:
		return true
	}
	return false
}

// WorkflowTemplate is a versioned, ordered approval definition bound to one
// (resource type, location) pair.
type WorkflowTemplate struct {
	ID           string
	Name         string
	Version      int
	ResourceType ResourceType
	LocationID   string
	Status       TemplateStatus
	Steps        []*WorkflowStep // ordered by StepOrder
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkflowStep is one template-level step definition.
type WorkflowStep struct {
	ID                 string
	TemplateID         string
	StepOrder          int
	Name               string
	RequiredPermission string
	AllowDecline       bool
	AllowAdjust        bool
	Strategy           ApproverStrategy
	IncludeManager     bool
	RequiredRoles      []string
	LocationScope      LocationScope
}

// Step returns the step with the given order, or nil.
func (t *WorkflowTemplate) Step(order int) *WorkflowStep {
	for _, s := range t.Steps {
		if s.StepOrder == order {
			return s
		}
	}
	return nil
}

// FirstStep returns the lowest-ordered step, or nil for an empty template.
func (t *WorkflowTemplate) FirstStep() *WorkflowStep {
	var first *WorkflowStep
	for _, s := range t.Steps {
		if first == nil || s.StepOrder < first.StepOrder {
			first = s
		}
	}
	return first
}

// NextStep returns the step following order, or nil when order is the last.
func (t *WorkflowTemplate) NextStep(order int) *WorkflowStep {
	var next *WorkflowStep
	for _, s := range t.Steps {
		if s.StepOrder > order && (next == nil || s.StepOrder < next.StepOrder) {
			next = s
		}
	}
	return next
}

// ── Workflow runtime ─────────────────────────────────────────────────────────

// WorkflowStatus is the state of a workflow instance.
type WorkflowStatus string

const (
	StatusDraft       WorkflowStatus = "draft"
	StatusSubmitted   WorkflowStatus = "submitted"
	StatusUnderReview WorkflowStatus = "under_review"
	StatusApproved    WorkflowStatus = "approved"
	StatusDeclined    WorkflowStatus = "declined"
	StatusAdjusted    WorkflowStatus = "adjusted"
	StatusCancelled   WorkflowStatus = "cancelled"
)

// Finalized reports whether no further action is accepted.
func (s WorkflowStatus) Finalized() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusCancelled
}

// WorkflowInstance is one execution of a template against one resource.
type WorkflowInstance struct {
	ID               string
	TemplateID       string
	ResourceType     ResourceType
	ResourceID       string
	LocationID       string
	Status           WorkflowStatus
	CurrentStepOrder int // 0 while draft
	CreatedBy        string
	Version          int // optimistic concurrency token
	SubmittedAt      *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StepStatus is the outcome of a step instance.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepDeclined StepStatus = "declined"
	StepAdjusted StepStatus = "adjusted"
)

// WorkflowStepInstance records one template step's outcome for an instance.
// Round counts how many times the step was re-opened by routing.
type WorkflowStepInstance struct {
	ID               string
	InstanceID       string
	StepOrder        int
	Status           StepStatus
	Round            int
	ActedBy          *string
	ActedAt          *time.Time
	Comment          *string
	IPAddress        *string
	UserAgent        *string
	DigitalSignature *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WorkflowStepAction is an immutable history entry for one action on a step.
type WorkflowStepAction struct {
	ID             string
	InstanceID     string
	StepInstanceID string
	StepOrder      int
	Round          int
	Action         StepStatus
	ActorID        string
	Comment        *string
	IPAddress      *string
	UserAgent      *string
	Signature      string
	ActedAt        time.Time
}

// ── Leave balance ledger ─────────────────────────────────────────────────────

// BalanceKey identifies one balance row.
type BalanceKey struct {
	UserID      string
	LeaveTypeID string
	Year        int
}

// LeaveBalance is the allocated/used/pending account for a key.
type LeaveBalance struct {
	ID          string
	UserID      string
	LeaveTypeID string
	Year        int
	Allocated   decimal.Decimal
	Used        decimal.Decimal
	Pending     decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the balance key.
func (b *LeaveBalance) Key() BalanceKey {
	return BalanceKey{UserID: b.UserID, LeaveTypeID: b.LeaveTypeID, Year: b.Year}
}

// Available is max(0, allocated - used - pending).
func (b *LeaveBalance) Available() decimal.Decimal {
	return decimal.Max(decimal.Zero, b.Allocated.Sub(b.Used).Sub(b.Pending))
}

// AdjustmentKind distinguishes allocations from admin corrections.
type AdjustmentKind string

const (
	AdjustmentAllocation AdjustmentKind = "allocation"
	AdjustmentManual     AdjustmentKind = "adjustment"
)

// LeaveBalanceAdjustment is an immutable record of a change to allocated.
type LeaveBalanceAdjustment struct {
	ID          string
	BalanceID   string
	UserID      string
	LeaveTypeID string
	Year        int
	Kind        AdjustmentKind
	Delta       decimal.Decimal
	Reason      string
	ActorID     *string // nil for automatic changes
	CreatedAt   time.Time
}

// LeaveBalanceReset is an immutable record of a reset for one user.
type LeaveBalanceReset struct {
	ID          string
	UserID      string
	LeaveTypeID *string // nil resets every leave type
	Reason      string
	ActorID     *string // nil for automatic resets, e.g. contract expiry
	RowsReset   int
	CreatedAt   time.Time
}

// ── Governed resources ───────────────────────────────────────────────────────

// ResourceStatus is the status field mirrored onto leave requests and timesheets.
type ResourceStatus string

const (
	ResourceDraft     ResourceStatus = "draft"
	ResourceSubmitted ResourceStatus = "submitted"
	ResourceApproved  ResourceStatus = "approved"
	ResourceDeclined  ResourceStatus = "declined"
	ResourceAdjusted  ResourceStatus = "adjusted"
	ResourceCancelled ResourceStatus = "cancelled"
)

// LeaveRequest is the leave resource. ReservedDays is the amount currently
// held in the balance's pending column on behalf of this request.
type LeaveRequest struct {
	ID            string
	UserID        string
	LeaveTypeID   string
	LocationID    string
	StartDate     time.Time
	EndDate       time.Time
	DaysRequested decimal.Decimal
	ReservedDays  decimal.Decimal
	Status        ResourceStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Year is the ledger year the request is booked against.
func (r *LeaveRequest) Year() int {
	return r.StartDate.Year()
}

// Timesheet is the timesheet resource.
type Timesheet struct {
	ID          string
	UserID      string
	LocationID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      ResourceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LeaveDay is one approved leave day to reflect on a timesheet.
type LeaveDay struct {
	UserID         string
	LeaveRequestID string
	Date           time.Time
	Hours          decimal.Decimal
}

// ── Directory ────────────────────────────────────────────────────────────────

// User is the subset of a user record approver resolution needs.
type User struct {
	ID                string
	ManagerID         *string
	PrimaryLocationID *string
	Active            bool
	Deleted           bool
}

// Eligible reports whether the user may be considered as an approver.
func (u *User) Eligible() bool {
	return u != nil && u.Active && !u.Deleted
}

// Location is a node in the location tree. Path lists ancestor ids from
// the root, e.g. "/hq/emea/berlin".
type Location struct {
	ID       string
	ParentID *string
	Path     string
}

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID           string
	ActorID      string
	Action       string
	ResourceType ResourceType
	ResourceID   string
	BeforeState  map[string]interface{}
	AfterState   map[string]interface{}
	Metadata     map[string]interface{}
	IPAddress    *string
	PerformedAt  time.Time
}
