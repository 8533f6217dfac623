package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/memstore"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

type resolverFixture struct {
	store      *memstore.Store
	authority  *fakeAuthority
	resolver   *ApproverResolver
	instanceID string
}

func newResolverFixture(t *testing.T, timeout time.Duration) *resolverFixture {
	t.Helper()
	store := memstore.New()
	seedDirectory(store)
	authority := newFakeAuthority()

	inst := &repository.WorkflowInstance{
		ResourceType: repository.ResourceLeave,
		ResourceID:   "leave-1",
		Status:       repository.StatusSubmitted,
		CreatedBy:    "emp",
	}
	require.NoError(t, store.CreateInstance(context.Background(), inst, nil))

	return &resolverFixture{
		store:      store,
		authority:  authority,
		resolver:   NewApproverResolver(store, store, authority, timeout, logger.Nop()),
		instanceID: inst.ID,
	}
}

func step(strategy repository.ApproverStrategy, permission string, scope repository.LocationScope, roles ...string) *repository.WorkflowStep {
	return &repository.WorkflowStep{
		StepOrder:          1,
		RequiredPermission: permission,
		Strategy:           strategy,
		RequiredRoles:      roles,
		LocationScope:      scope,
	}
}

func TestApproverResolver_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		step     *repository.WorkflowStep
		location string
		want     []string
	}{
		{
			name:     "permission holders, inactive roles and users skipped",
			step:     step(repository.StrategyPermission, permApproveLeave, repository.ScopeAll),
			location: "berlin",
			want:     []string{"hr", "hr-emea", "mgr"},
		},
		{
			name:     "permission matched by id",
			step:     step(repository.StrategyPermission, "perm-2", repository.ScopeAll),
			location: "berlin",
			want:     []string{"hr", "hr-emea"},
		},
		{
			name:     "manager with permission",
			step:     step(repository.StrategyManager, permApproveLeave, repository.ScopeAll),
			location: "berlin",
			want:     []string{"mgr"},
		},
		{
			name:     "manager without permission yields nobody",
			step:     step(repository.StrategyManager, permApproveHR, repository.ScopeAll),
			location: "berlin",
			want:     nil,
		},
		{
			name:     "role restricted",
			step:     step(repository.StrategyRole, permApproveLeave, repository.ScopeAll, roleHR),
			location: "berlin",
			want:     []string{"hr", "hr-emea"},
		},
		{
			name:     "combined is a de-duplicated union",
			step:     step(repository.StrategyCombined, permApproveLeave, repository.ScopeAll, roleHR),
			location: "berlin",
			want:     []string{"hr", "hr-emea", "mgr"},
		},
		{
			name:     "same scope keeps co-located users",
			step:     step(repository.StrategyPermission, permApproveLeave, repository.ScopeSame),
			location: "berlin",
			want:     []string{"mgr"},
		},
		{
			name:     "parent scope keeps users above the resource",
			step:     step(repository.StrategyPermission, permApproveLeave, repository.ScopeParent),
			location: "berlin",
			want:     []string{"hr", "hr-emea"},
		},
		{
			name:     "descendants scope keeps users below the resource",
			step:     step(repository.StrategyPermission, permApproveLeave, repository.ScopeDescendants),
			location: "emea",
			want:     []string{"mgr"},
		},
		{
			name:     "manager outside same scope leaves the step unstaffed",
			step:     step(repository.StrategyManager, permApproveLeave, repository.ScopeSame),
			location: "emea",
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResolverFixture(t, time.Second)
			got, err := f.resolver.Resolve(context.Background(), tt.step, f.instanceID, tt.location)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApproverResolver_IncludeManagerAddsManager(t *testing.T) {
	f := newResolverFixture(t, time.Second)
	s := step(repository.StrategyRole, permApproveLeave, repository.ScopeAll, roleHR)
	s.IncludeManager = true

	got, err := f.resolver.Resolve(context.Background(), s, f.instanceID, "berlin")
	require.NoError(t, err)
	assert.Equal(t, []string{"hr", "hr-emea", "mgr"}, got)
}

func TestApproverResolver_AuthorityDenialAndErrorsExclude(t *testing.T) {
	f := newResolverFixture(t, time.Second)
	f.authority.deny("hr")
	f.authority.fail("hr-emea")

	got, err := f.resolver.Resolve(context.Background(),
		step(repository.StrategyPermission, permApproveLeave, repository.ScopeAll), f.instanceID, "berlin")
	require.NoError(t, err)
	assert.Equal(t, []string{"mgr"}, got)

	f.authority.mu.Lock()
	defer f.authority.mu.Unlock()
	require.NotEmpty(t, f.authority.calls)
	for _, call := range f.authority.calls {
		require.NotNil(t, call.WorkflowStepOrder)
		assert.Equal(t, 1, *call.WorkflowStepOrder)
		require.NotNil(t, call.WorkflowInstanceID)
		assert.Equal(t, f.instanceID, *call.WorkflowInstanceID)
		assert.Equal(t, "berlin", call.LocationID)
	}
}

func TestApproverResolver_SlowAuthorityDenies(t *testing.T) {
	f := newResolverFixture(t, 20*time.Millisecond)
	f.authority.delay = time.Second

	start := time.Now()
	got, err := f.resolver.Resolve(context.Background(),
		step(repository.StrategyPermission, permApproveLeave, repository.ScopeAll), f.instanceID, "berlin")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "checks must run in parallel under the timeout")
}

func TestApproverResolver_UnknownInstance(t *testing.T) {
	f := newResolverFixture(t, time.Second)

	_, err := f.resolver.Resolve(context.Background(),
		step(repository.StrategyPermission, permApproveLeave, repository.ScopeAll), "missing", "berlin")
	assert.Error(t, err)
}

func TestApproverResolver_ManagerHoldingRequiredRoleAppearsOnce(t *testing.T) {
	tests := []struct {
		name           string
		strategy       repository.ApproverStrategy
		includeManager bool
	}{
		{name: "combined strategy", strategy: repository.StrategyCombined},
		{name: "role strategy with include_manager", strategy: repository.StrategyRole, includeManager: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResolverFixture(t, time.Second)
			// The creator's manager is also an HR role holder.
			f.store.AddUser(repository.User{ID: "mgr", PrimaryLocationID: strPtr("berlin"), Active: true}, roleManager, roleHR)

			s := step(tt.strategy, permApproveHR, repository.ScopeAll, roleHR)
			s.IncludeManager = tt.includeManager

			got, err := f.resolver.Resolve(context.Background(), s, f.instanceID, "berlin")
			require.NoError(t, err)
			assert.Equal(t, []string{"hr", "hr-emea", "mgr"}, got)

			seen := 0
			for _, id := range got {
				if id == "mgr" {
					seen++
				}
			}
			assert.Equal(t, 1, seen)
		})
	}
}
