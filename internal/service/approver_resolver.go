package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// defaultCheckConcurrency bounds parallel authority checks per resolution.
const defaultCheckConcurrency = 8

// ApproverResolver computes the users currently entitled to act on a step.
type ApproverResolver struct {
	workflows   WorkflowStore
	directory   Directory
	gate        *authorityGate
	concurrency int
	log         *logger.Logger
}

// NewApproverResolver creates a new ApproverResolver. authorityTimeout bounds
// each per-candidate authority check.
func NewApproverResolver(
	workflows WorkflowStore,
	directory Directory,
	authority Authority,
	authorityTimeout time.Duration,
	log *logger.Logger,
) *ApproverResolver {
	log = log.Component("approver_resolver")
	return &ApproverResolver{
		workflows:   workflows,
		directory:   directory,
		gate:        &authorityGate{authority: authority, timeout: authorityTimeout, log: log},
		concurrency: defaultCheckConcurrency,
		log:         log,
	}
}

// candidate is a user paired with the location the scope filter uses.
type candidate struct {
	userID     string
	locationID string
}

// candidateSources expands a step's strategy into the generators to run.
func candidateSources(step *repository.WorkflowStep) (manager, role, permission bool) {
	switch step.Strategy {
	case repository.StrategyManager:
		manager = true
	case repository.StrategyRole:
		role = true
	case repository.StrategyCombined:
		manager, role, permission = true, true, true
	case repository.StrategyPermission:
		permission = true
	}
	if step.IncludeManager {
		manager = true
	}
	if len(step.RequiredRoles) == 0 {
		role = false
	}
	return manager, role, permission
}

// Resolve returns the sorted, de-duplicated ids of users who may act on step
// for the given instance at locationID. An empty result is not an error.
func (r *ApproverResolver) Resolve(ctx context.Context, step *repository.WorkflowStep, instanceID, locationID string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.ApproverResolutionDuration.Observe(time.Since(start).Seconds()) }()

	inst, err := r.workflows.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	useManager, useRole, usePermission := candidateSources(step)

	seen := make(map[string]struct{})
	var candidates []candidate
	add := func(c candidate) {
		if _, ok := seen[c.userID]; ok {
			return
		}
		seen[c.userID] = struct{}{}
		candidates = append(candidates, c)
	}

	if useManager {
		c, err := r.managerCandidate(ctx, step, inst.CreatedBy, locationID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			add(*c)
		}
	}
	if useRole {
		users, err := r.directory.UsersWithPermission(ctx, step.RequiredPermission, step.RequiredRoles)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list role holders")
		}
		for _, u := range users {
			if u.Eligible() {
				add(candidate{userID: u.ID, locationID: deref(u.PrimaryLocationID)})
			}
		}
	}
	if usePermission {
		users, err := r.directory.UsersWithPermission(ctx, step.RequiredPermission, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list permission holders")
		}
		for _, u := range users {
			if u.Eligible() {
				add(candidate{userID: u.ID, locationID: deref(u.PrimaryLocationID)})
			}
		}
	}

	inScope, err := r.filterByScope(ctx, candidates, locationID, step.LocationScope)
	if err != nil {
		return nil, err
	}

	approvers := r.authorize(ctx, inScope, step, inst.ID, locationID)
	sort.Strings(approvers)
	return approvers, nil
}

// managerCandidate returns the creator's direct manager when the manager is
// eligible and holds the step permission.
func (r *ApproverResolver) managerCandidate(ctx context.Context, step *repository.WorkflowStep, creatorID, locationID string) (*candidate, error) {
	creator, err := r.directory.GetUser(ctx, creatorID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if creator.ManagerID == nil || *creator.ManagerID == "" {
		return nil, nil
	}

	manager, err := r.directory.GetUser(ctx, *creator.ManagerID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !manager.Eligible() {
		r.log.Debug().Str("manager_id", manager.ID).Msg("Manager inactive or deleted; skipping")
		return nil, nil
	}

	ok, err := r.directory.UserHasPermission(ctx, manager.ID, step.RequiredPermission)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check manager permission")
	}
	if !ok {
		return nil, nil
	}

	loc := locationID
	if manager.PrimaryLocationID != nil && *manager.PrimaryLocationID != "" {
		loc = *manager.PrimaryLocationID
	}
	return &candidate{userID: manager.ID, locationID: loc}, nil
}

// filterByScope drops candidates outside scope relative to requiredID.
func (r *ApproverResolver) filterByScope(
	ctx context.Context,
	candidates []candidate,
	requiredID string,
	scope repository.LocationScope,
) ([]candidate, error) {
	if scope == repository.ScopeAll {
		return candidates, nil
	}

	cache := make(map[string]*repository.Location)
	lookup := func(id string) (*repository.Location, error) {
		if id == "" {
			return nil, nil
		}
		if loc, ok := cache[id]; ok {
			return loc, nil
		}
		loc, err := r.directory.GetLocation(ctx, id)
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			loc, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		cache[id] = loc
		return loc, nil
	}

	required, err := lookup(requiredID)
	if err != nil {
		return nil, err
	}

	kept := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		loc, err := lookup(c.locationID)
		if err != nil {
			return nil, err
		}
		if CheckLocationScope(loc, required, scope) {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// authorize runs the external authority check for every candidate in
// parallel and keeps those it authorizes.
func (r *ApproverResolver) authorize(
	ctx context.Context,
	candidates []candidate,
	step *repository.WorkflowStep,
	instanceID, locationID string,
) []string {
	var (
		mu       sync.Mutex
		approved []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			order := step.StepOrder
			instID := instanceID
			ok := r.gate.allowed(gctx, AuthorityRequest{
				UserID:             c.userID,
				Permission:         step.RequiredPermission,
				LocationID:         locationID,
				WorkflowStepOrder:  &order,
				WorkflowInstanceID: &instID,
			})
			if ok {
				mu.Lock()
				approved = append(approved, c.userID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return approved
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
