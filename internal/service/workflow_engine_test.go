package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

func threeStepLeaveTemplate(f *engineFixture) *repository.WorkflowTemplate {
	tmpl := &repository.WorkflowTemplate{
		Name:         "leave-extended",
		Version:      1,
		ResourceType: repository.ResourceLeave,
		LocationID:   "hq",
		Steps: []*repository.WorkflowStep{
			{StepOrder: 1, Name: "Manager", RequiredPermission: permApproveLeave, AllowDecline: true, AllowAdjust: true,
				Strategy: repository.StrategyManager, LocationScope: repository.ScopeAll},
			{StepOrder: 2, Name: "Regional HR", RequiredPermission: permApproveHR, AllowDecline: true, AllowAdjust: true,
				Strategy: repository.StrategyPermission, LocationScope: repository.ScopeParent},
			{StepOrder: 3, Name: "Final", RequiredPermission: permApproveHR, AllowDecline: false, AllowAdjust: false,
				Strategy: repository.StrategyRole, RequiredRoles: []string{roleHR}, LocationScope: repository.ScopeAll},
		},
	}
	f.store.AddTemplate(tmpl)
	return tmpl
}

func oneStepLeaveTemplate(f *engineFixture) *repository.WorkflowTemplate {
	tmpl := &repository.WorkflowTemplate{
		Name:         "leave-simple",
		Version:      1,
		ResourceType: repository.ResourceLeave,
		LocationID:   "hq",
		Steps: []*repository.WorkflowStep{
			{StepOrder: 1, Name: "Manager", RequiredPermission: permApproveLeave, AllowDecline: true, AllowAdjust: true,
				Strategy: repository.StrategyManager, LocationScope: repository.ScopeAll},
		},
	}
	f.store.AddTemplate(tmpl)
	return tmpl
}

func (f *engineFixture) createFor(t *testing.T, tmpl *repository.WorkflowTemplate, req *repository.LeaveRequest) *repository.WorkflowInstance {
	t.Helper()
	inst, err := f.engine.CreateInstance(context.Background(), &CreateInstanceRequest{
		TemplateID:   tmpl.ID,
		ResourceType: repository.ResourceLeave,
		ResourceID:   req.ID,
		CreatedBy:    req.UserID,
		LocationID:   req.LocationID,
	})
	require.NoError(t, err)
	return inst
}

func (f *engineFixture) submit(t *testing.T, instanceID string) *TransitionResult {
	t.Helper()
	result, err := f.engine.Submit(context.Background(), &LifecycleRequest{InstanceID: instanceID, ActorID: "emp"})
	require.NoError(t, err)
	return result
}

func (f *engineFixture) approve(instanceID, actor string) (*TransitionResult, error) {
	return f.engine.Approve(context.Background(), &ActionRequest{InstanceID: instanceID, ActorID: actor, LocationID: "berlin"})
}

func (f *engineFixture) stepStatuses(t *testing.T, instanceID string) map[int]repository.StepStatus {
	t.Helper()
	steps, err := f.engine.ListSteps(context.Background(), instanceID)
	require.NoError(t, err)
	out := make(map[int]repository.StepStatus, len(steps))
	for _, s := range steps {
		out[s.StepOrder] = s.Status
	}
	return out
}

// ── Creation ─────────────────────────────────────────────────────────────────

func TestCreateInstance_MaterializesPendingSteps(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "5")

	assert.Equal(t, repository.StatusDraft, inst.Status)
	assert.Equal(t, 0, inst.CurrentStepOrder)
	assert.Equal(t, map[int]repository.StepStatus{
		1: repository.StepPending,
		2: repository.StepPending,
		3: repository.StepPending,
	}, f.stepStatuses(t, inst.ID))

	b := f.balance(t)
	assertDecimal(t, "0", b.Pending)
}

func TestCreateInstance_RejectsUnusableTemplates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tmpl *repository.WorkflowTemplate)
		code   errors.Code
	}{
		{
			name:   "deprecated",
			mutate: func(tmpl *repository.WorkflowTemplate) { tmpl.Status = repository.TemplateDeprecated },
			code:   errors.ErrCodeInvalidState,
		},
		{
			name:   "no steps",
			mutate: func(tmpl *repository.WorkflowTemplate) { tmpl.Steps = nil },
			code:   errors.ErrCodeConfiguration,
		},
		{
			name:   "unknown permission",
			mutate: func(tmpl *repository.WorkflowTemplate) { tmpl.Steps[0].RequiredPermission = "payroll.approve" },
			code:   errors.ErrCodeConfiguration,
		},
		{
			name:   "duplicate step order",
			mutate: func(tmpl *repository.WorkflowTemplate) { tmpl.Steps[1].StepOrder = 1 },
			code:   errors.ErrCodeConfiguration,
		},
		{
			name: "role strategy without roles",
			mutate: func(tmpl *repository.WorkflowTemplate) {
				tmpl.Steps[0].Strategy = repository.StrategyRole
				tmpl.Steps[0].RequiredRoles = nil
			},
			code: errors.ErrCodeConfiguration,
		},
		{
			name:   "unknown strategy",
			mutate: func(tmpl *repository.WorkflowTemplate) { tmpl.Steps[1].Strategy = repository.ApproverStrategy(9) },
			code:   errors.ErrCodeConfiguration,
		},
		{
			name:   "invalid scope",
			mutate: func(tmpl *repository.WorkflowTemplate) { tmpl.Steps[0].LocationScope = "region" },
			code:   errors.ErrCodeConfiguration,
		},
		{
			name:   "wrong resource type",
			mutate: func(tmpl *repository.WorkflowTemplate) { tmpl.ResourceType = repository.ResourceTimesheet },
			code:   errors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			tmpl := &repository.WorkflowTemplate{
				Name:         "broken",
				Version:      1,
				ResourceType: repository.ResourceLeave,
				LocationID:   "hq",
				Steps: []*repository.WorkflowStep{
					{StepOrder: 1, RequiredPermission: permApproveLeave, LocationScope: repository.ScopeAll},
					{StepOrder: 2, RequiredPermission: permApproveHR, LocationScope: repository.ScopeAll},
				},
			}
			tt.mutate(tmpl)
			f.store.AddTemplate(tmpl)
			req := f.leaveRequest("1")

			_, err := f.engine.CreateInstance(context.Background(), &CreateInstanceRequest{
				TemplateID:   tmpl.ID,
				ResourceType: repository.ResourceLeave,
				ResourceID:   req.ID,
				CreatedBy:    "emp",
			})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestCreateInstance_MissingTemplateOrResource(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := oneStepLeaveTemplate(f)

	_, err := f.engine.CreateInstance(context.Background(), &CreateInstanceRequest{
		TemplateID: "nope", ResourceType: repository.ResourceLeave, ResourceID: "leave-x", CreatedBy: "emp",
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = f.engine.CreateInstance(context.Background(), &CreateInstanceRequest{
		TemplateID: tmpl.ID, ResourceType: repository.ResourceLeave, ResourceID: "leave-x", CreatedBy: "emp",
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

// ── Lifecycle scenarios ──────────────────────────────────────────────────────

func TestWorkflow_FullApprovalMovesPendingToUsed(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, req := f.startLeave(t, tmpl, "5")

	// Submit: first step awaits the manager, five days held.
	result := f.submit(t, inst.ID)
	assert.Equal(t, repository.StatusSubmitted, result.Instance.Status)
	assert.Equal(t, 1, result.Instance.CurrentStepOrder)
	assert.Equal(t, []string{"mgr"}, result.Approvers)
	assert.Equal(t, []string{"mgr"}, f.notifier.assignedTo(1))
	assertDecimal(t, "5", f.balance(t).Pending)
	assert.Equal(t, repository.ResourceSubmitted, f.leave(t, req.ID).Status)

	// Step 1 → 2: parent-scoped HR above berlin.
	result, err := f.approve(inst.ID, "mgr")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusUnderReview, result.Instance.Status)
	assert.Equal(t, 2, result.Instance.CurrentStepOrder)
	assert.Equal(t, []string{"hr", "hr-emea"}, result.Approvers)

	// Step 2 → 3.
	result, err = f.approve(inst.ID, "hr-emea")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Instance.CurrentStepOrder)

	// Step 3 is last: finalize.
	result, err = f.approve(inst.ID, "hr")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, result.Instance.Status)
	assert.NotNil(t, result.Instance.CompletedAt)

	b := f.balance(t)
	assertDecimal(t, "5", b.Used)
	assertDecimal(t, "0", b.Pending)
	assertDecimal(t, "15", b.Available())

	lr := f.leave(t, req.ID)
	assert.Equal(t, repository.ResourceApproved, lr.Status)
	assertDecimal(t, "0", lr.ReservedDays)

	assert.Equal(t, []repository.WorkflowStatus{repository.StatusApproved}, f.notifier.outcomes())
	assert.Len(t, f.store.LeaveDays("emp"), 5, "one timesheet entry per weekday")

	steps, err := f.engine.ListSteps(context.Background(), inst.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, repository.StepApproved, s.Status)
		require.NotNil(t, s.ActedBy)
		require.NotNil(t, s.DigitalSignature)
		assert.Equal(t, "sig:"+*s.ActedBy+":approved", *s.DigitalSignature)
	}
}

func TestWorkflow_DeclineReleasesPending(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "5")
	f.submit(t, inst.ID)
	for _, actor := range []string{"mgr", "hr-emea", "hr"} {
		_, err := f.approve(inst.ID, actor)
		require.NoError(t, err)
	}

	second := f.leaveRequest("5")
	inst2 := f.createFor(t, tmpl, second)
	f.submit(t, inst2.ID)
	assertDecimal(t, "5", f.balance(t).Pending)

	result, err := f.engine.Decline(context.Background(), &ActionRequest{
		InstanceID: inst2.ID, ActorID: "mgr", LocationID: "berlin", Comment: strPtr("team is short-staffed"),
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDeclined, result.Instance.Status)

	b := f.balance(t)
	assertDecimal(t, "0", b.Pending)
	assertDecimal(t, "5", b.Used)
	assert.Equal(t, repository.ResourceDeclined, f.leave(t, second.ID).Status)
	assert.Equal(t, repository.StepDeclined, f.stepStatuses(t, inst2.ID)[1])
}

func TestWorkflow_AdjustKeepsPendingAndReopensTarget(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, req := f.startLeave(t, tmpl, "5")
	f.submit(t, inst.ID)

	target := 1
	result, err := f.engine.Adjust(context.Background(), &ActionRequest{
		InstanceID: inst.ID, ActorID: "mgr", LocationID: "berlin", RouteToStep: &target,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusAdjusted, result.Instance.Status)
	assert.Equal(t, 1, result.Instance.CurrentStepOrder)
	assertDecimal(t, "5", f.balance(t).Pending)
	assert.Equal(t, repository.ResourceAdjusted, f.leave(t, req.ID).Status)

	steps, err := f.engine.ListSteps(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepPending, steps[0].Status)
	assert.Equal(t, 2, steps[0].Round)

	actions, err := f.engine.ListActions(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, repository.StepAdjusted, actions[0].Action)
	assert.Equal(t, 1, actions[0].Round)
}

func TestWorkflow_ActingOnFinalizedInstanceFails(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := oneStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "5")
	f.submit(t, inst.ID)

	_, err := f.approve(inst.ID, "mgr")
	require.NoError(t, err)

	_, err = f.approve(inst.ID, "mgr")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState), "got %v", err)
	_, err = f.engine.Decline(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "mgr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	_, err = f.engine.Adjust(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "mgr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	_, err = f.engine.Cancel(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "emp"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	b := f.balance(t)
	assertDecimal(t, "5", b.Used)
	assertDecimal(t, "0", b.Pending)
}

func TestWorkflow_ConcurrentApprovalsApplyOnce(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := oneStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "5")
	f.submit(t, inst.ID)

	const approvers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected []error
	)
	for i := 0; i < approvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.approve(inst.ID, "mgr")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			rejected = append(rejected, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	for _, err := range rejected {
		code := errors.CodeOf(err)
		assert.Contains(t, []errors.Code{errors.ErrCodeInvalidState, errors.ErrCodeConflict}, code, "got %v", err)
	}

	b := f.balance(t)
	assertDecimal(t, "5", b.Used)
	assertDecimal(t, "0", b.Pending)

	actions, err := f.engine.ListActions(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestWorkflow_EmptyApproverSetStallsWithoutFailing(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := &repository.WorkflowTemplate{
		Name:         "leave-local-hr",
		Version:      1,
		ResourceType: repository.ResourceLeave,
		LocationID:   "hq",
		Steps: []*repository.WorkflowStep{
			{StepOrder: 1, RequiredPermission: permApproveHR, AllowDecline: true, AllowAdjust: true,
				Strategy: repository.StrategyPermission, LocationScope: repository.ScopeSame},
		},
	}
	f.store.AddTemplate(tmpl)
	inst, _ := f.startLeave(t, tmpl, "2")

	result := f.submit(t, inst.ID)
	assert.Equal(t, repository.StatusSubmitted, result.Instance.Status)
	assert.True(t, result.Stalled)
	assert.Empty(t, result.Approvers)
	assert.Empty(t, f.notifier.assignedTo(1))

	approvers, err := f.engine.CurrentApprovers(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, approvers)
}

// ── Guards ───────────────────────────────────────────────────────────────────

func TestSubmit_RequiresDraft(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := oneStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "1")
	f.submit(t, inst.ID)

	_, err := f.engine.Submit(context.Background(), &LifecycleRequest{InstanceID: inst.ID})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	assertDecimal(t, "1", f.balance(t).Pending)
}

func TestApprove_Guards(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "1")

	_, err := f.approve(inst.ID, "mgr")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState), "draft instances cannot be approved")

	f.submit(t, inst.ID)

	_, err = f.approve(inst.ID, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	f.authority.deny("emp")
	_, err = f.approve(inst.ID, "emp")
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	bad := 7
	_, err = f.engine.Approve(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "mgr", RouteToStep: &bad})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = f.approve("missing", "mgr")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	got, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStepOrder, "rejected actions leave the instance untouched")
}

func TestDeclineAndAdjust_RespectStepFlags(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "1")
	f.submit(t, inst.ID)
	for _, actor := range []string{"mgr", "hr-emea"} {
		_, err := f.approve(inst.ID, actor)
		require.NoError(t, err)
	}

	_, err := f.engine.Decline(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "hr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	_, err = f.engine.Adjust(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "hr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestApprove_RouteToEarlierStepReopensIt(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "1")
	f.submit(t, inst.ID)
	_, err := f.approve(inst.ID, "mgr")
	require.NoError(t, err)

	back := 1
	result, err := f.engine.Approve(context.Background(), &ActionRequest{
		InstanceID: inst.ID, ActorID: "hr", LocationID: "berlin", RouteToStep: &back,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusUnderReview, result.Instance.Status)
	assert.Equal(t, 1, result.Instance.CurrentStepOrder)
	assert.Equal(t, []string{"mgr"}, result.Approvers)
	assert.Equal(t, []string{"mgr", "mgr"}, f.notifier.assignedTo(1), "re-review fans out again")

	statuses := f.stepStatuses(t, inst.ID)
	assert.Equal(t, repository.StepPending, statuses[1])
	assert.Equal(t, repository.StepPending, statuses[2])

	// The manager can act again on the reopened step.
	_, err = f.approve(inst.ID, "mgr")
	require.NoError(t, err)

	actions, err := f.engine.ListActions(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, 1, actions[0].Round)
	assert.Equal(t, 2, actions[1].StepOrder)
	assert.Equal(t, 2, actions[2].Round)
}

// ── Resubmit and cancel ──────────────────────────────────────────────────────

func TestResubmit_ReconcilesEditedRequest(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, req := f.startLeave(t, tmpl, "5")
	f.submit(t, inst.ID)

	_, err := f.engine.Adjust(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "mgr", LocationID: "berlin"})
	require.NoError(t, err)

	_, err = f.engine.Resubmit(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "mgr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized), "only the creator resubmits")

	edited := f.leave(t, req.ID)
	edited.DaysRequested = d("3")
	f.store.UpdateLeaveRequest(edited)

	result, err := f.engine.Resubmit(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "emp"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSubmitted, result.Instance.Status)
	assert.Equal(t, 1, result.Instance.CurrentStepOrder)
	assert.Equal(t, []string{"mgr"}, result.Approvers)

	assertDecimal(t, "3", f.balance(t).Pending)
	assertDecimal(t, "3", f.leave(t, req.ID).ReservedDays)

	_, err = f.engine.Resubmit(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "emp"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestCancel(t *testing.T) {
	t.Run("creator cancels submitted request and pending is released", func(t *testing.T) {
		f := newEngineFixture(t)
		tmpl := oneStepLeaveTemplate(f)
		inst, req := f.startLeave(t, tmpl, "4")
		f.submit(t, inst.ID)

		result, err := f.engine.Cancel(context.Background(), &LifecycleRequest{
			InstanceID: inst.ID, ActorID: "emp", Comment: strPtr("plans changed"),
		})
		require.NoError(t, err)
		assert.Equal(t, repository.StatusCancelled, result.Instance.Status)
		assertDecimal(t, "0", f.balance(t).Pending)
		assert.Equal(t, repository.ResourceCancelled, f.leave(t, req.ID).Status)
		assert.Equal(t, []repository.WorkflowStatus{repository.StatusCancelled}, f.notifier.outcomes())
	})

	t.Run("draft cancel leaves the balance alone", func(t *testing.T) {
		f := newEngineFixture(t)
		tmpl := oneStepLeaveTemplate(f)
		inst, _ := f.startLeave(t, tmpl, "4")

		_, err := f.engine.Cancel(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "mgr"})
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized), "only the creator cancels a draft")

		_, err = f.engine.Cancel(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "emp"})
		require.NoError(t, err)
		b := f.balance(t)
		assertDecimal(t, "0", b.Pending)
		assertDecimal(t, "20", b.Available())
	})

	t.Run("authorized approver may cancel", func(t *testing.T) {
		f := newEngineFixture(t)
		tmpl := oneStepLeaveTemplate(f)
		inst, _ := f.startLeave(t, tmpl, "4")
		f.submit(t, inst.ID)

		f.authority.deny("hr")
		_, err := f.engine.Cancel(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "hr"})
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

		_, err = f.engine.Cancel(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "mgr"})
		require.NoError(t, err)
		assertDecimal(t, "0", f.balance(t).Pending)
	})
}

// ── Side effects ─────────────────────────────────────────────────────────────

func TestWorkflow_AuditTrail(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := oneStepLeaveTemplate(f)
	inst, req := f.startLeave(t, tmpl, "2")
	f.submit(t, inst.ID)
	_, err := f.engine.Approve(context.Background(), &ActionRequest{
		InstanceID: inst.ID, ActorID: "mgr", LocationID: "berlin",
		IPAddress: strPtr("10.0.0.7"), UserAgent: strPtr("portal/1.0"),
	})
	require.NoError(t, err)

	entries, err := f.store.ListByResource(context.Background(), repository.ResourceLeave, req.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
		assert.Equal(t, inst.ID, e.Metadata["workflow_instance_id"])
	}
	assert.Equal(t, []string{"workflow_created", "workflow_submitted", "workflow_step_approved"}, actions)

	approved := entries[2]
	assert.Equal(t, "mgr", approved.ActorID)
	assert.Equal(t, string(repository.StatusSubmitted), approved.BeforeState["status"])
	assert.Equal(t, string(repository.StatusApproved), approved.AfterState["status"])
	require.NotNil(t, approved.IPAddress)
	assert.Equal(t, "10.0.0.7", *approved.IPAddress)
}

// failingNotifier fails every delivery.
type failingNotifier struct{}

func (failingNotifier) NotifyStepAssignment(context.Context, StepAssignment) error {
	return errors.New(errors.ErrCodeInternal, "mail relay down")
}

func (failingNotifier) NotifyComplete(context.Context, Completion) error {
	return errors.New(errors.ErrCodeInternal, "mail relay down")
}

func TestWorkflow_NotificationFailureDoesNotFailTransition(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.notifier = failingNotifier{}
	tmpl := oneStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "2")

	result := f.submit(t, inst.ID)
	assert.Equal(t, []string{"mgr"}, result.Approvers)

	approved, err := f.approve(inst.ID, "mgr")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, approved.Instance.Status)
}

func TestWorkflow_TimesheetMirrorsStatusOnly(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := &repository.WorkflowTemplate{
		Name:         "timesheet",
		Version:      1,
		ResourceType: repository.ResourceTimesheet,
		LocationID:   "hq",
		Steps: []*repository.WorkflowStep{
			{StepOrder: 1, RequiredPermission: permApproveLeave, AllowDecline: true, AllowAdjust: true,
				Strategy: repository.StrategyManager, LocationScope: repository.ScopeAll},
		},
	}
	f.store.AddTemplate(tmpl)
	ts := &repository.Timesheet{
		UserID:      "emp",
		LocationID:  "berlin",
		PeriodStart: date(2025, time.March, 3),
		PeriodEnd:   date(2025, time.March, 9),
	}
	f.store.AddTimesheet(ts)

	inst, err := f.engine.CreateInstance(context.Background(), &CreateInstanceRequest{
		TemplateID: tmpl.ID, ResourceType: repository.ResourceTimesheet, ResourceID: ts.ID, CreatedBy: "emp",
	})
	require.NoError(t, err)
	f.submit(t, inst.ID)

	_, err = f.approve(inst.ID, "mgr")
	require.NoError(t, err)

	got, err := f.store.GetTimesheet(context.Background(), ts.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ResourceApproved, got.Status)

	b := f.balance(t)
	assertDecimal(t, "0", b.Allocated)
	assertDecimal(t, "0", b.Used)
}

func TestAdjustedWorkflow_AwaitsResubmission(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := threeStepLeaveTemplate(f)
	inst, req := f.startLeave(t, tmpl, "5")
	f.submit(t, inst.ID)

	_, err := f.engine.Adjust(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "mgr", LocationID: "berlin"})
	require.NoError(t, err)

	_, err = f.approve(inst.ID, "mgr")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState), "got %v", err)
	_, err = f.engine.Decline(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "mgr", LocationID: "berlin"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState), "got %v", err)
	_, err = f.engine.Adjust(context.Background(), &ActionRequest{InstanceID: inst.ID, ActorID: "mgr", LocationID: "berlin"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState), "got %v", err)

	got, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusAdjusted, got.Status)
	assert.Equal(t, 1, got.CurrentStepOrder)
	assert.Equal(t, repository.ResourceAdjusted, f.leave(t, req.ID).Status)

	// After resubmission the review continues and the request follows it.
	_, err = f.engine.Resubmit(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "emp"})
	require.NoError(t, err)
	result, err := f.approve(inst.ID, "mgr")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusUnderReview, result.Instance.Status)
	assert.Equal(t, 2, result.Instance.CurrentStepOrder)
	assert.Equal(t, repository.ResourceSubmitted, f.leave(t, req.ID).Status)
	assertDecimal(t, "5", f.balance(t).Pending)
}

func TestSubmit_TemplateWithoutSteps(t *testing.T) {
	f := newEngineFixture(t)
	tmpl := oneStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "2")

	// The template loses its steps after the instance was created.
	f.store.AddTemplate(&repository.WorkflowTemplate{
		ID:           tmpl.ID,
		Name:         tmpl.Name,
		Version:      tmpl.Version,
		ResourceType: tmpl.ResourceType,
		LocationID:   tmpl.LocationID,
	})

	_, err := f.engine.Submit(context.Background(), &LifecycleRequest{InstanceID: inst.ID, ActorID: "emp"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration), "got %v", err)

	got, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDraft, got.Status)
	assertDecimal(t, "0", f.balance(t).Pending)
}

type failingSigner struct{}

func (failingSigner) Sign(string, string, string) (string, error) {
	return "", errors.New(errors.ErrCodeInternal, "signing key unavailable")
}

func TestApprove_SigningFailureRollsBack(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.signer = failingSigner{}
	tmpl := oneStepLeaveTemplate(f)
	inst, _ := f.startLeave(t, tmpl, "5")
	f.submit(t, inst.ID)

	_, err := f.approve(inst.ID, "mgr")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInternal), "got %v", err)

	assert.Equal(t, repository.StepPending, f.stepStatuses(t, inst.ID)[1])
	actions, err := f.engine.ListActions(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)

	b := f.balance(t)
	assertDecimal(t, "5", b.Pending)
	assertDecimal(t, "0", b.Used)
}
