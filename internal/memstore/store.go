// Package memstore is an in-process implementation of the service ports.
// It backs the "memory" database driver for local runs and the service tests.
//
// Transactions are serialized by a single store-wide lock and rolled back by
// restoring a snapshot, which gives the same all-or-nothing and
// row-exclusion guarantees the Postgres repositories get from row locks.
package memstore

import (
	"context"
	"maps"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

type txKey struct{}

type role struct {
	active      bool
	permissions []string // permission ids or names
}

type state struct {
	templates   map[string]repository.WorkflowTemplate
	instances   map[string]repository.WorkflowInstance
	steps       map[string][]repository.WorkflowStepInstance // by instance id, ordered by step_order
	actions     map[string][]repository.WorkflowStepAction
	balances    map[repository.BalanceKey]repository.LeaveBalance
	adjustments []repository.LeaveBalanceAdjustment
	resets      []repository.LeaveBalanceReset
	leaves      map[string]repository.LeaveRequest
	timesheets  map[string]repository.Timesheet
	leaveDays   map[string]repository.LeaveDay // by user|date
	audit       []repository.AuditEntry

	permissions map[string]string // id -> name
	roles       map[string]role
	users       map[string]repository.User
	userRoles   map[string][]string
	locations   map[string]repository.Location
}

func newState() *state {
	return &state{
		templates:   make(map[string]repository.WorkflowTemplate),
		instances:   make(map[string]repository.WorkflowInstance),
		steps:       make(map[string][]repository.WorkflowStepInstance),
		actions:     make(map[string][]repository.WorkflowStepAction),
		balances:    make(map[repository.BalanceKey]repository.LeaveBalance),
		leaves:      make(map[string]repository.LeaveRequest),
		timesheets:  make(map[string]repository.Timesheet),
		leaveDays:   make(map[string]repository.LeaveDay),
		permissions: make(map[string]string),
		roles:       make(map[string]role),
		users:       make(map[string]repository.User),
		userRoles:   make(map[string][]string),
		locations:   make(map[string]repository.Location),
	}
}

// clone copies every table. Row values are copied; slices inside rows are
// never mutated in place, so sharing them is safe.
func (s *state) clone() *state {
	c := &state{
		templates:   maps.Clone(s.templates),
		instances:   maps.Clone(s.instances),
		steps:       make(map[string][]repository.WorkflowStepInstance, len(s.steps)),
		actions:     make(map[string][]repository.WorkflowStepAction, len(s.actions)),
		balances:    maps.Clone(s.balances),
		adjustments: append([]repository.LeaveBalanceAdjustment(nil), s.adjustments...),
		resets:      append([]repository.LeaveBalanceReset(nil), s.resets...),
		leaves:      maps.Clone(s.leaves),
		timesheets:  maps.Clone(s.timesheets),
		leaveDays:   maps.Clone(s.leaveDays),
		audit:       append([]repository.AuditEntry(nil), s.audit...),
		permissions: maps.Clone(s.permissions),
		roles:       maps.Clone(s.roles),
		users:       maps.Clone(s.users),
		userRoles:   maps.Clone(s.userRoles),
		locations:   maps.Clone(s.locations),
	}
	for k, v := range s.steps {
		c.steps[k] = append([]repository.WorkflowStepInstance(nil), v...)
	}
	for k, v := range s.actions {
		c.actions[k] = append([]repository.WorkflowStepAction(nil), v...)
	}
	return c
}

// Store holds all tables behind one lock.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

// InTransaction runs fn holding the store lock. A returned error or panic
// restores the state from before fn ran. Nested calls reuse the outer
// transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = snapshot
			panic(p)
		}
		if err != nil {
			s.st = snapshot
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, true))
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// guard locks the store unless ctx already runs inside a transaction.
func (s *Store) guard(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// ── Seeding and inspection ───────────────────────────────────────────────────

// AddPermission registers a permission.
func (s *Store) AddPermission(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.permissions[id] = name
}

// AddRole registers a role granting the given permission ids or names.
func (s *Store) AddRole(id string, active bool, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.roles[id] = role{active: active, permissions: permissions}
}

// AddUser registers a user holding roleIDs.
func (s *Store) AddUser(u repository.User, roleIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = u
	s.st.userRoles[u.ID] = append([]string(nil), roleIDs...)
}

// AddLocation registers a location.
func (s *Store) AddLocation(loc repository.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.locations[loc.ID] = loc
}

// AddTemplate stores a template, assigning ids where missing.
func (s *Store) AddTemplate(t *repository.WorkflowTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = repository.TemplateActive
	}
	for _, step := range t.Steps {
		if step.ID == "" {
			step.ID = newID()
		}
		step.TemplateID = t.ID
	}
	s.st.templates[t.ID] = copyTemplate(t)
}

// AddLeaveRequest stores a leave request, assigning an id where missing.
func (s *Store) AddLeaveRequest(r *repository.LeaveRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = repository.ResourceDraft
	}
	s.st.leaves[r.ID] = *r
}

// UpdateLeaveRequest replaces the stored request, e.g. after an employee edit.
func (s *Store) UpdateLeaveRequest(r *repository.LeaveRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.leaves[r.ID] = *r
}

// AddTimesheet stores a timesheet, assigning an id where missing.
func (s *Store) AddTimesheet(ts *repository.Timesheet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.ID == "" {
		ts.ID = newID()
	}
	if ts.Status == "" {
		ts.Status = repository.ResourceDraft
	}
	s.st.timesheets[ts.ID] = *ts
}

// AuditEntries returns every recorded audit entry in order.
func (s *Store) AuditEntries() []repository.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repository.AuditEntry(nil), s.st.audit...)
}

// LeaveDays returns the timesheet leave days recorded for userID.
func (s *Store) LeaveDays(userID string) []repository.LeaveDay {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.LeaveDay
	for _, d := range s.st.leaveDays {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}

// BalanceResets returns every recorded reset.
func (s *Store) BalanceResets() []repository.LeaveBalanceReset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repository.LeaveBalanceReset(nil), s.st.resets...)
}

func copyTemplate(t *repository.WorkflowTemplate) repository.WorkflowTemplate {
	c := *t
	c.Steps = make([]*repository.WorkflowStep, 0, len(t.Steps))
	for _, step := range t.Steps {
		sc := *step
		sc.RequiredRoles = append([]string(nil), step.RequiredRoles...)
		c.Steps = append(c.Steps, &sc)
	}
	return c
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
