package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/dispatch"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/memstore"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

const (
	permApproveLeave = "leave.approve"
	permApproveHR    = "leave.hr_approve"

	roleManager  = "role-manager"
	roleHR       = "role-hr"
	roleInactive = "role-retired"
)

// fakeAuthority grants everyone except the denied users. A user in errs
// makes the check fail; delay slows every check down.
type fakeAuthority struct {
	mu     sync.Mutex
	denied map[string]bool
	errs   map[string]bool
	delay  time.Duration
	calls  []AuthorityRequest
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{denied: map[string]bool{}, errs: map[string]bool{}}
}

func (a *fakeAuthority) deny(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denied[userID] = true
}

func (a *fakeAuthority) fail(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs[userID] = true
}

func (a *fakeAuthority) CheckAuthority(ctx context.Context, req AuthorityRequest) (bool, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	denied, failing, delay := a.denied[req.UserID], a.errs[req.UserID], a.delay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if failing {
		return false, fmt.Errorf("authority unavailable")
	}
	return !denied, nil
}

// recordingNotifier keeps every notification it is asked to send.
type recordingNotifier struct {
	mu          sync.Mutex
	assignments []StepAssignment
	completions []Completion
}

func (n *recordingNotifier) NotifyStepAssignment(_ context.Context, a StepAssignment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assignments = append(n.assignments, a)
	return nil
}

func (n *recordingNotifier) NotifyComplete(_ context.Context, c Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, c)
	return nil
}

func (n *recordingNotifier) assignedTo(stepOrder int) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, a := range n.assignments {
		if a.StepOrder == stepOrder {
			out = append(out, a.UserID)
		}
	}
	return out
}

func (n *recordingNotifier) outcomes() []repository.WorkflowStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []repository.WorkflowStatus
	for _, c := range n.completions {
		out = append(out, c.Outcome)
	}
	return out
}

// staticSigner returns a deterministic token.
type staticSigner struct{}

func (staticSigner) Sign(actorID, instanceID, action string) (string, error) {
	return "sig:" + actorID + ":" + action, nil
}

func strPtr(s string) *string {
	return &s
}

// seedDirectory builds the location tree hq > emea > berlin and these users:
//
//	emp      employee in berlin, managed by mgr
//	mgr      manager in berlin, role-manager
//	hr       HR at hq, role-hr
//	hr-emea  HR at emea, role-hr
//	retired  holds only an inactive role
//	gone     soft-deleted HR user
//	idle     inactive HR user
func seedDirectory(store *memstore.Store) {
	store.AddLocation(repository.Location{ID: "hq", Path: "/hq"})
	store.AddLocation(repository.Location{ID: "emea", ParentID: strPtr("hq"), Path: "/hq/emea"})
	store.AddLocation(repository.Location{ID: "berlin", ParentID: strPtr("emea"), Path: "/hq/emea/berlin"})

	store.AddPermission("perm-1", permApproveLeave)
	store.AddPermission("perm-2", permApproveHR)

	store.AddRole(roleManager, true, permApproveLeave)
	store.AddRole(roleHR, true, permApproveLeave, "perm-2")
	store.AddRole(roleInactive, false, permApproveLeave, permApproveHR)

	store.AddUser(repository.User{ID: "emp", ManagerID: strPtr("mgr"), PrimaryLocationID: strPtr("berlin"), Active: true})
	store.AddUser(repository.User{ID: "mgr", PrimaryLocationID: strPtr("berlin"), Active: true}, roleManager)
	store.AddUser(repository.User{ID: "hr", PrimaryLocationID: strPtr("hq"), Active: true}, roleHR)
	store.AddUser(repository.User{ID: "hr-emea", PrimaryLocationID: strPtr("emea"), Active: true}, roleHR)
	store.AddUser(repository.User{ID: "retired", PrimaryLocationID: strPtr("berlin"), Active: true}, roleInactive)
	store.AddUser(repository.User{ID: "gone", PrimaryLocationID: strPtr("hq"), Active: true, Deleted: true}, roleHR)
	store.AddUser(repository.User{ID: "idle", PrimaryLocationID: strPtr("hq"), Active: false}, roleHR)
}

// engineFixture wires a WorkflowEngine over a seeded memstore.
type engineFixture struct {
	store     *memstore.Store
	engine    *WorkflowEngine
	ledger    *BalanceLedger
	resolver  *ApproverResolver
	authority *fakeAuthority
	notifier  *recordingNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	store := memstore.New()
	seedDirectory(store)

	log := logger.Nop()
	authority := newFakeAuthority()
	notifier := &recordingNotifier{}
	ledger := NewBalanceLedger(store, store, log)
	resolver := NewApproverResolver(store, store, authority, time.Second, log)
	sync := NewResourceSynchronizer(ledger, store, store, WeekdayCalendar{HoursPerDay: 8}, log)

	engine := NewWorkflowEngine(EngineDeps{
		Tx:               store,
		Workflows:        store,
		Directory:        store,
		Resolver:         resolver,
		Sync:             sync,
		Authority:        authority,
		AuthorityTimeout: time.Second,
		Notifier:         notifier,
		Audit:            store,
		Signer:           staticSigner{},
		Dispatcher:       dispatch.Inline{Log: log},
		Log:              log,
	})

	return &engineFixture{
		store:     store,
		engine:    engine,
		ledger:    ledger,
		resolver:  resolver,
		authority: authority,
		notifier:  notifier,
	}
}

// twoStepLeaveTemplate: step 1 the employee's manager, step 2 HR anywhere.
func (f *engineFixture) twoStepLeaveTemplate() *repository.WorkflowTemplate {
	tmpl := &repository.WorkflowTemplate{
		Name:         "leave-standard",
		Version:      1,
		ResourceType: repository.ResourceLeave,
		LocationID:   "hq",
		Steps: []*repository.WorkflowStep{
			{
				StepOrder:          1,
				Name:               "Manager review",
				RequiredPermission: permApproveLeave,
				AllowDecline:       true,
				AllowAdjust:        true,
				Strategy:           repository.StrategyManager,
				LocationScope:      repository.ScopeAll,
			},
			{
				StepOrder:          2,
				Name:               "HR review",
				RequiredPermission: permApproveHR,
				AllowDecline:       true,
				AllowAdjust:        true,
				Strategy:           repository.StrategyPermission,
				LocationScope:      repository.ScopeAll,
			},
		},
	}
	f.store.AddTemplate(tmpl)
	return tmpl
}

// leaveRequest stores a draft request for emp in berlin.
func (f *engineFixture) leaveRequest(days string) *repository.LeaveRequest {
	req := &repository.LeaveRequest{
		UserID:        "emp",
		LeaveTypeID:   "annual",
		LocationID:    "berlin",
		StartDate:     date(2025, time.March, 3), // Monday
		EndDate:       date(2025, time.March, 9), // Sunday
		DaysRequested: d(days),
	}
	f.store.AddLeaveRequest(req)
	return req
}

// startLeave allocates 20 days to emp and creates a draft instance for a
// leave request of days.
func (f *engineFixture) startLeave(t *testing.T, tmpl *repository.WorkflowTemplate, days string) (*repository.WorkflowInstance, *repository.LeaveRequest) {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.Allocate(ctx, empAnnual, d("20"), "annual entitlement", nil)
	require.NoError(t, err)

	req := f.leaveRequest(days)
	inst, err := f.engine.CreateInstance(ctx, &CreateInstanceRequest{
		TemplateID:   tmpl.ID,
		ResourceType: repository.ResourceLeave,
		ResourceID:   req.ID,
		CreatedBy:    "emp",
		LocationID:   "berlin",
	})
	require.NoError(t, err)
	return inst, req
}

var empAnnual = repository.BalanceKey{UserID: "emp", LeaveTypeID: "annual", Year: 2025}

func (f *engineFixture) balance(t *testing.T) *repository.LeaveBalance {
	t.Helper()
	b, err := f.ledger.GetOrCreate(context.Background(), empAnnual)
	require.NoError(t, err)
	return b
}

func (f *engineFixture) leave(t *testing.T, id string) *repository.LeaveRequest {
	t.Helper()
	r, err := f.store.GetLeaveRequest(context.Background(), id)
	require.NoError(t, err)
	return r
}
