package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// EngineDeps groups the collaborators of a WorkflowEngine.
type EngineDeps struct {
	Tx               Transactor
	Workflows        WorkflowStore
	Directory        Directory
	Resolver         *ApproverResolver
	Sync             *ResourceSynchronizer
	Authority        Authority
	AuthorityTimeout time.Duration
	Notifier         Notifier
	Audit            AuditSink
	Signer           Signer
	Dispatcher       Dispatcher
	Log              *logger.Logger
}

// WorkflowEngine drives workflow instances through their approval lifecycle.
type WorkflowEngine struct {
	tx         Transactor
	workflows  WorkflowStore
	directory  Directory
	resolver   *ApproverResolver
	sync       *ResourceSynchronizer
	gate       *authorityGate
	notifier   Notifier
	audit      AuditSink
	signer     Signer
	dispatcher Dispatcher
	log        *logger.Logger
	now        func() time.Time
}

// NewWorkflowEngine creates a new WorkflowEngine.
func NewWorkflowEngine(d EngineDeps) *WorkflowEngine {
	log := d.Log.Component("workflow_engine")
	return &WorkflowEngine{
		tx:         d.Tx,
		workflows:  d.Workflows,
		directory:  d.Directory,
		resolver:   d.Resolver,
		sync:       d.Sync,
		gate:       &authorityGate{authority: d.Authority, timeout: d.AuthorityTimeout, log: log},
		notifier:   d.Notifier,
		audit:      d.Audit,
		signer:     d.Signer,
		dispatcher: d.Dispatcher,
		log:        log,
		now:        time.Now,
	}
}

// CreateInstanceRequest creates a draft workflow instance for a resource.
type CreateInstanceRequest struct {
	TemplateID   string
	ResourceType repository.ResourceType
	ResourceID   string
	CreatedBy    string
	LocationID   string
}

// ActionRequest carries an approver's action on the current step.
type ActionRequest struct {
	InstanceID  string
	ActorID     string
	LocationID  string
	Comment     *string
	RouteToStep *int
	IPAddress   *string
	UserAgent   *string
}

// LifecycleRequest carries a submit, resubmit or cancel call.
type LifecycleRequest struct {
	InstanceID string
	ActorID    string
	Comment    *string
	IPAddress  *string
}

// TransitionResult reports the instance after a transition and who was asked
// to act next. Stalled is set when a step awaits action but nobody qualified.
type TransitionResult struct {
	Instance  *repository.WorkflowInstance
	Approvers []string
	Stalled   bool
}

// ── Creation ─────────────────────────────────────────────────────────────────

// CreateInstance validates the template and materializes a draft instance
// with one pending step instance per template step.
func (e *WorkflowEngine) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*repository.WorkflowInstance, error) {
	if req.ResourceID == "" {
		return nil, errors.InvalidInput("resource_id", "resource is required")
	}
	if req.CreatedBy == "" {
		return nil, errors.InvalidInput("created_by", "creator is required")
	}

	tmpl, err := e.workflows.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl.Status == repository.TemplateDeprecated {
		return nil, errors.InvalidState(fmt.Sprintf("template %s v%d is deprecated", tmpl.Name, tmpl.Version))
	}
	if tmpl.ResourceType != req.ResourceType {
		return nil, errors.InvalidInput("resource_type",
			fmt.Sprintf("template governs %s, not %s", tmpl.ResourceType, req.ResourceType))
	}
	if err := e.validateTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	if _, err := e.sync.ResourceLocation(ctx, req.ResourceType, req.ResourceID); err != nil {
		return nil, err
	}

	now := e.now()
	inst := &repository.WorkflowInstance{
		TemplateID:       tmpl.ID,
		ResourceType:     req.ResourceType,
		ResourceID:       req.ResourceID,
		LocationID:       req.LocationID,
		Status:           repository.StatusDraft,
		CurrentStepOrder: 0,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	steps := make([]*repository.WorkflowStepInstance, 0, len(tmpl.Steps))
	for _, s := range tmpl.Steps {
		steps = append(steps, &repository.WorkflowStepInstance{
			StepOrder: s.StepOrder,
			Status:    repository.StepPending,
			Round:     1,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := e.tx.InTransaction(ctx, func(ctx context.Context) error {
		return e.workflows.CreateInstance(ctx, inst, steps)
	}); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("template_id", tmpl.ID).
		Str("resource_type", string(inst.ResourceType)).
		Str("resource_id", inst.ResourceID).
		Int("steps", len(steps)).
		Msg("Workflow instance created")

	fx := &sideEffects{}
	e.recordAudit(fx, req.CreatedBy, "workflow_created", nil, inst, map[string]interface{}{
		"template_id":      tmpl.ID,
		"template_version": tmpl.Version,
	}, nil)
	fx.flush(e.dispatcher)

	return inst, nil
}

// validateTemplate rejects templates that cannot be executed.
func (e *WorkflowEngine) validateTemplate(ctx context.Context, tmpl *repository.WorkflowTemplate) error {
	if len(tmpl.Steps) == 0 {
		return errors.Configuration(fmt.Sprintf("template %s has no steps", tmpl.ID))
	}

	orders := make(map[int]struct{}, len(tmpl.Steps))
	for _, s := range tmpl.Steps {
		if s.StepOrder < 1 {
			return errors.Configuration(fmt.Sprintf("step order %d must be positive", s.StepOrder))
		}
		if _, dup := orders[s.StepOrder]; dup {
			return errors.Configuration(fmt.Sprintf("duplicate step order %d", s.StepOrder))
		}
		orders[s.StepOrder] = struct{}{}

		if s.RequiredPermission == "" {
			return errors.Configuration(fmt.Sprintf("step %d has no required permission", s.StepOrder))
		}
		exists, err := e.directory.PermissionExists(ctx, s.RequiredPermission)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to look up permission")
		}
		if !exists {
			return errors.Configuration(fmt.Sprintf("step %d references unknown permission %q", s.StepOrder, s.RequiredPermission))
		}
		if !s.Strategy.Valid() {
			return errors.Configuration(fmt.Sprintf("step %d has unknown approver strategy %d", s.StepOrder, int(s.Strategy)))
		}
		if s.Strategy == repository.StrategyRole && len(s.RequiredRoles) == 0 {
			return errors.Configuration(fmt.Sprintf("step %d uses the role strategy without required roles", s.StepOrder))
		}
		if !s.LocationScope.Valid() {
			return errors.Configuration(fmt.Sprintf("step %d has invalid location scope %q", s.StepOrder, s.LocationScope))
		}
	}
	return nil
}

// ── Submission ───────────────────────────────────────────────────────────────

// Submit moves a draft instance to its first step and asks that step's
// approvers to act.
func (e *WorkflowEngine) Submit(ctx context.Context, req *LifecycleRequest) (*TransitionResult, error) {
	pre, tmpl, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if pre.Status != repository.StatusDraft {
		return nil, e.reject("submit", errors.InvalidState(
			fmt.Sprintf("workflow cannot be submitted from status '%s'", pre.Status)))
	}
	actorID := req.ActorID
	if actorID == "" {
		actorID = pre.CreatedBy
	}

	location, err := e.sync.ResourceLocation(ctx, pre.ResourceType, pre.ResourceID)
	if err != nil {
		return nil, err
	}
	first := tmpl.FirstStep()
	if first == nil {
		return nil, errors.Configuration(fmt.Sprintf("template %s has no steps", tmpl.ID))
	}

	fx := &sideEffects{}
	inst, err := e.transition(ctx, pre, func(ctx context.Context, inst *repository.WorkflowInstance) error {
		now := e.now()
		inst.Status = repository.StatusSubmitted
		inst.CurrentStepOrder = first.StepOrder
		inst.SubmittedAt = &now
		return e.sync.OnSubmitted(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.countTransition(inst, "submit")
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("resource_id", inst.ResourceID).
		Int("current_step", inst.CurrentStepOrder).
		Msg("Workflow submitted")

	result := e.assign(ctx, inst, first, location, fx)
	e.recordAudit(fx, actorID, "workflow_submitted", pre, inst, map[string]interface{}{
		"approvers": result.Approvers,
	}, req.IPAddress)
	fx.flush(e.dispatcher)
	return result, nil
}

// Resubmit returns an adjusted instance to review at the step it was routed
// to, after the creator edited the resource.
func (e *WorkflowEngine) Resubmit(ctx context.Context, req *LifecycleRequest) (*TransitionResult, error) {
	pre, tmpl, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if pre.Status != repository.StatusAdjusted {
		return nil, e.reject("resubmit", errors.InvalidState(
			fmt.Sprintf("workflow cannot be resubmitted from status '%s'", pre.Status)))
	}
	if req.ActorID != pre.CreatedBy {
		return nil, e.reject("resubmit", errors.Unauthorized("only the creator can resubmit the workflow"))
	}

	location, err := e.sync.ResourceLocation(ctx, pre.ResourceType, pre.ResourceID)
	if err != nil {
		return nil, err
	}
	step, err := currentStep(tmpl, pre)
	if err != nil {
		return nil, err
	}

	fx := &sideEffects{}
	inst, err := e.transition(ctx, pre, func(ctx context.Context, inst *repository.WorkflowInstance) error {
		inst.Status = repository.StatusSubmitted
		return e.sync.OnSubmitted(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.countTransition(inst, "resubmit")
	result := e.assign(ctx, inst, step, location, fx)
	e.recordAudit(fx, req.ActorID, "workflow_resubmitted", pre, inst, nil, req.IPAddress)
	fx.flush(e.dispatcher)
	return result, nil
}

// ── Approver actions ─────────────────────────────────────────────────────────

// Approve records approval of the current step, then routes, finalizes or
// advances to the next step.
func (e *WorkflowEngine) Approve(ctx context.Context, req *ActionRequest) (*TransitionResult, error) {
	pre, tmpl, step, err := e.prepareAction(ctx, "approve", req)
	if err != nil {
		return nil, err
	}

	var target *repository.WorkflowStep
	if req.RouteToStep != nil {
		target = tmpl.Step(*req.RouteToStep)
	} else {
		target = tmpl.NextStep(step.StepOrder)
	}

	fx := &sideEffects{}
	inst, err := e.transition(ctx, pre, func(ctx context.Context, inst *repository.WorkflowInstance) error {
		if err := e.recordOutcome(ctx, inst, step, repository.StepApproved, req); err != nil {
			return err
		}

		if target == nil {
			now := e.now()
			inst.Status = repository.StatusApproved
			inst.CompletedAt = &now
			return e.sync.OnApproved(ctx, inst, fx)
		}

		if req.RouteToStep != nil {
			if err := e.workflows.ReopenSteps(ctx, inst.ID, target.StepOrder); err != nil {
				return err
			}
		}
		inst.Status = repository.StatusUnderReview
		inst.CurrentStepOrder = target.StepOrder
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.countTransition(inst, "approve")
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", req.ActorID).
		Int("step", step.StepOrder).
		Str("status", string(inst.Status)).
		Int("current_step", inst.CurrentStepOrder).
		Msg("Workflow step approved")

	result := &TransitionResult{Instance: inst}
	if target != nil {
		result = e.assign(ctx, inst, target, req.LocationID, fx)
	} else {
		e.announceOutcome(inst, fx)
	}
	e.recordAudit(fx, req.ActorID, "workflow_step_approved", pre, inst, stepMetadata(step, req), req.IPAddress)
	fx.flush(e.dispatcher)
	return result, nil
}

// Decline rejects the resource at the current step. The instance is final
// regardless of step position.
func (e *WorkflowEngine) Decline(ctx context.Context, req *ActionRequest) (*TransitionResult, error) {
	pre, _, step, err := e.prepareAction(ctx, "decline", req)
	if err != nil {
		return nil, err
	}

	fx := &sideEffects{}
	inst, err := e.transition(ctx, pre, func(ctx context.Context, inst *repository.WorkflowInstance) error {
		if err := e.recordOutcome(ctx, inst, step, repository.StepDeclined, req); err != nil {
			return err
		}
		now := e.now()
		inst.Status = repository.StatusDeclined
		inst.CompletedAt = &now
		return e.sync.OnDeclined(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.countTransition(inst, "decline")
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", req.ActorID).
		Int("step", step.StepOrder).
		Msg("Workflow declined")

	e.announceOutcome(inst, fx)
	e.recordAudit(fx, req.ActorID, "workflow_declined", pre, inst, stepMetadata(step, req), req.IPAddress)
	fx.flush(e.dispatcher)
	return &TransitionResult{Instance: inst}, nil
}

// Adjust sends the resource back for changes and routes review to
// RouteToStep, or to the first step.
func (e *WorkflowEngine) Adjust(ctx context.Context, req *ActionRequest) (*TransitionResult, error) {
	pre, tmpl, step, err := e.prepareAction(ctx, "adjust", req)
	if err != nil {
		return nil, err
	}

	target := tmpl.FirstStep()
	if req.RouteToStep != nil {
		target = tmpl.Step(*req.RouteToStep)
	}

	fx := &sideEffects{}
	inst, err := e.transition(ctx, pre, func(ctx context.Context, inst *repository.WorkflowInstance) error {
		if err := e.recordOutcome(ctx, inst, step, repository.StepAdjusted, req); err != nil {
			return err
		}
		if err := e.workflows.ReopenSteps(ctx, inst.ID, target.StepOrder); err != nil {
			return err
		}
		inst.Status = repository.StatusAdjusted
		inst.CurrentStepOrder = target.StepOrder
		return e.sync.OnAdjusted(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.countTransition(inst, "adjust")
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", req.ActorID).
		Int("step", step.StepOrder).
		Int("routed_to", target.StepOrder).
		Msg("Workflow adjusted")

	result := e.assign(ctx, inst, target, req.LocationID, fx)
	e.announceOutcome(inst, fx)
	e.recordAudit(fx, req.ActorID, "workflow_adjusted", pre, inst, stepMetadata(step, req), req.IPAddress)
	fx.flush(e.dispatcher)
	return result, nil
}

// Cancel withdraws a workflow that is not yet final. The creator may always
// cancel; anyone else must be authorized for the current step.
func (e *WorkflowEngine) Cancel(ctx context.Context, req *LifecycleRequest) (*TransitionResult, error) {
	pre, tmpl, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if pre.Status.Finalized() {
		return nil, e.reject("cancel", errors.InvalidState(
			fmt.Sprintf("workflow is already finalized (status: %s)", pre.Status)))
	}
	if req.ActorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor is required")
	}

	if req.ActorID != pre.CreatedBy {
		if pre.Status == repository.StatusDraft {
			return nil, e.reject("cancel", errors.Unauthorized("only the creator can cancel a draft workflow"))
		}
		step, err := currentStep(tmpl, pre)
		if err != nil {
			return nil, err
		}
		if !e.authorized(ctx, req.ActorID, step, pre, pre.LocationID) {
			return nil, e.reject("cancel", errors.Unauthorized("user is not authorized to cancel this workflow"))
		}
	}

	fx := &sideEffects{}
	inst, err := e.transition(ctx, pre, func(ctx context.Context, inst *repository.WorkflowInstance) error {
		now := e.now()
		inst.Status = repository.StatusCancelled
		inst.CompletedAt = &now
		return e.sync.OnCancelled(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.countTransition(inst, "cancel")
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", req.ActorID).
		Str("previous_status", string(pre.Status)).
		Msg("Workflow cancelled")

	e.announceOutcome(inst, fx)
	meta := map[string]interface{}{}
	if req.Comment != nil {
		meta["reason"] = *req.Comment
	}
	e.recordAudit(fx, req.ActorID, "workflow_cancelled", pre, inst, meta, req.IPAddress)
	fx.flush(e.dispatcher)
	return &TransitionResult{Instance: inst}, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetInstance returns an instance by id.
func (e *WorkflowEngine) GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	return e.workflows.GetInstance(ctx, id)
}

// ListSteps returns the step instances of a workflow ordered by step_order.
func (e *WorkflowEngine) ListSteps(ctx context.Context, instanceID string) ([]*repository.WorkflowStepInstance, error) {
	if _, err := e.workflows.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.workflows.ListStepInstances(ctx, instanceID)
}

// ListActions returns the full action history of a workflow.
func (e *WorkflowEngine) ListActions(ctx context.Context, instanceID string) ([]*repository.WorkflowStepAction, error) {
	if _, err := e.workflows.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.workflows.ListStepActions(ctx, instanceID)
}

// CurrentApprovers resolves who may act on the instance's current step.
func (e *WorkflowEngine) CurrentApprovers(ctx context.Context, instanceID string) ([]string, error) {
	inst, tmpl, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == repository.StatusDraft || inst.Status.Finalized() {
		return nil, nil
	}
	step, err := currentStep(tmpl, inst)
	if err != nil {
		return nil, err
	}
	location, err := e.sync.ResourceLocation(ctx, inst.ResourceType, inst.ResourceID)
	if err != nil {
		return nil, err
	}
	return e.resolver.Resolve(ctx, step, inst.ID, location)
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// load reads an instance and its template.
func (e *WorkflowEngine) load(ctx context.Context, instanceID string) (*repository.WorkflowInstance, *repository.WorkflowTemplate, error) {
	inst, err := e.workflows.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := e.workflows.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return nil, nil, err
	}
	return inst, tmpl, nil
}

// prepareAction runs the checks shared by approve, decline and adjust
// outside the transaction: state, step permissions, route target, authority.
func (e *WorkflowEngine) prepareAction(
	ctx context.Context,
	action string,
	req *ActionRequest,
) (*repository.WorkflowInstance, *repository.WorkflowTemplate, *repository.WorkflowStep, error) {
	if req.ActorID == "" {
		return nil, nil, nil, errors.InvalidInput("actor_id", "actor is required")
	}

	inst, tmpl, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if inst.Status.Finalized() {
		return nil, nil, nil, e.reject(action, errors.InvalidState(
			fmt.Sprintf("workflow is already finalized (status: %s)", inst.Status)))
	}
	if inst.Status == repository.StatusDraft {
		return nil, nil, nil, e.reject(action, errors.InvalidState("workflow has not been submitted"))
	}
	if inst.Status == repository.StatusAdjusted {
		return nil, nil, nil, e.reject(action, errors.InvalidState("workflow awaits resubmission"))
	}

	step, err := currentStep(tmpl, inst)
	if err != nil {
		return nil, nil, nil, err
	}
	switch action {
	case "decline":
		if !step.AllowDecline {
			return nil, nil, nil, e.reject(action, errors.InvalidState(
				fmt.Sprintf("step %d does not allow decline", step.StepOrder)))
		}
	case "adjust":
		if !step.AllowAdjust {
			return nil, nil, nil, e.reject(action, errors.InvalidState(
				fmt.Sprintf("step %d does not allow adjust", step.StepOrder)))
		}
	}
	if req.RouteToStep != nil && tmpl.Step(*req.RouteToStep) == nil {
		return nil, nil, nil, errors.InvalidInput("route_to_step",
			fmt.Sprintf("step %d does not exist in the template", *req.RouteToStep))
	}

	if !e.authorized(ctx, req.ActorID, step, inst, req.LocationID) {
		return nil, nil, nil, e.reject(action, errors.Unauthorized(
			"user is not authorized to act on this approval step"))
	}

	stepInst, err := e.workflows.GetStepInstance(ctx, inst.ID, step.StepOrder)
	if err != nil {
		return nil, nil, nil, err
	}
	if stepInst.Status != repository.StepPending {
		return nil, nil, nil, e.reject(action, errors.Conflict(
			fmt.Sprintf("step %d already acted (status: %s)", step.StepOrder, stepInst.Status)))
	}

	return inst, tmpl, step, nil
}

// transition locks the instance, verifies nobody moved it since pre was
// read, applies fn and persists the result in one transaction.
func (e *WorkflowEngine) transition(
	ctx context.Context,
	pre *repository.WorkflowInstance,
	fn func(ctx context.Context, inst *repository.WorkflowInstance) error,
) (*repository.WorkflowInstance, error) {
	var out *repository.WorkflowInstance
	err := e.tx.InTransaction(ctx, func(ctx context.Context) error {
		inst, err := e.workflows.LockInstance(ctx, pre.ID)
		if err != nil {
			return err
		}
		if inst.Version != pre.Version {
			if inst.Status.Finalized() {
				return errors.InvalidState(fmt.Sprintf("workflow is already finalized (status: %s)", inst.Status))
			}
			return errors.Conflict("workflow changed concurrently; the step was already acted on")
		}

		if err := fn(ctx, inst); err != nil {
			return err
		}
		inst.UpdatedAt = e.now()
		if err := e.workflows.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeConflict) {
			metrics.WorkflowRejectedActionsTotal.WithLabelValues("transition", string(errors.ErrCodeConflict)).Inc()
		}
		return nil, err
	}
	return out, nil
}

// recordOutcome stamps the current step instance and appends the history entry.
func (e *WorkflowEngine) recordOutcome(
	ctx context.Context,
	inst *repository.WorkflowInstance,
	step *repository.WorkflowStep,
	outcome repository.StepStatus,
	req *ActionRequest,
) error {
	stepInst, err := e.workflows.GetStepInstance(ctx, inst.ID, step.StepOrder)
	if err != nil {
		return err
	}
	if stepInst.Status != repository.StepPending {
		return errors.Conflict(fmt.Sprintf("step %d already acted (status: %s)", step.StepOrder, stepInst.Status))
	}

	now := e.now()
	signature, err := e.signer.Sign(req.ActorID, inst.ID, string(outcome))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to sign step outcome")
	}
	actor := req.ActorID

	stepInst.Status = outcome
	stepInst.ActedBy = &actor
	stepInst.ActedAt = &now
	stepInst.Comment = req.Comment
	stepInst.IPAddress = req.IPAddress
	stepInst.UserAgent = req.UserAgent
	stepInst.DigitalSignature = &signature
	stepInst.UpdatedAt = now
	if err := e.workflows.RecordStepOutcome(ctx, stepInst); err != nil {
		return err
	}

	return e.workflows.AppendStepAction(ctx, &repository.WorkflowStepAction{
		InstanceID:     inst.ID,
		StepInstanceID: stepInst.ID,
		StepOrder:      stepInst.StepOrder,
		Round:          stepInst.Round,
		Action:         outcome,
		ActorID:        actor,
		Comment:        req.Comment,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		Signature:      signature,
		ActedAt:        now,
	})
}

// authorized runs the bounded authority check for an actor on step.
func (e *WorkflowEngine) authorized(
	ctx context.Context,
	actorID string,
	step *repository.WorkflowStep,
	inst *repository.WorkflowInstance,
	locationID string,
) bool {
	order := step.StepOrder
	instanceID := inst.ID
	return e.gate.allowed(ctx, AuthorityRequest{
		UserID:             actorID,
		Permission:         step.RequiredPermission,
		LocationID:         locationID,
		WorkflowStepOrder:  &order,
		WorkflowInstanceID: &instanceID,
	})
}

// assign resolves the approvers of step and queues their notifications. A
// resolution failure or empty result leaves the workflow stalled, never failed.
func (e *WorkflowEngine) assign(
	ctx context.Context,
	inst *repository.WorkflowInstance,
	step *repository.WorkflowStep,
	locationID string,
	fx *sideEffects,
) *TransitionResult {
	result := &TransitionResult{Instance: inst}

	approvers, err := e.resolver.Resolve(ctx, step, inst.ID, locationID)
	if err != nil {
		e.log.Warn().Err(err).
			Str("instance_id", inst.ID).
			Int("step", step.StepOrder).
			Msg("Approver resolution failed; workflow stalled")
		result.Stalled = true
		return result
	}
	if len(approvers) == 0 {
		metrics.ApproverResolutionEmptyTotal.WithLabelValues(string(inst.ResourceType)).Inc()
		e.log.Warn().
			Str("instance_id", inst.ID).
			Str("resource_id", inst.ResourceID).
			Int("step", step.StepOrder).
			Str("permission", step.RequiredPermission).
			Str("location_id", locationID).
			Msg("No approvers found for workflow step; workflow stalled")
		result.Stalled = true
		return result
	}

	result.Approvers = approvers
	for _, userID := range approvers {
		n := StepAssignment{
			UserID:       userID,
			InstanceID:   inst.ID,
			ResourceType: inst.ResourceType,
			ResourceID:   inst.ResourceID,
			StepOrder:    step.StepOrder,
		}
		fx.add("notify.step_assignment", func(ctx context.Context) error {
			return e.notifier.NotifyStepAssignment(ctx, n)
		})
	}
	return result
}

// announceOutcome queues the outcome notification for the creator.
func (e *WorkflowEngine) announceOutcome(inst *repository.WorkflowInstance, fx *sideEffects) {
	n := Completion{
		UserID:       inst.CreatedBy,
		InstanceID:   inst.ID,
		ResourceType: inst.ResourceType,
		ResourceID:   inst.ResourceID,
		Outcome:      inst.Status,
	}
	fx.add("notify.complete", func(ctx context.Context) error {
		return e.notifier.NotifyComplete(ctx, n)
	})
}

// recordAudit queues an audit entry capturing before and after state.
func (e *WorkflowEngine) recordAudit(
	fx *sideEffects,
	actorID, action string,
	before, after *repository.WorkflowInstance,
	metadata map[string]interface{},
	ipAddress *string,
) {
	entry := &repository.AuditEntry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: after.ResourceType,
		ResourceID:   after.ResourceID,
		BeforeState:  snapshot(before),
		AfterState:   snapshot(after),
		Metadata:     metadata,
		IPAddress:    ipAddress,
		PerformedAt:  e.now(),
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	entry.Metadata["workflow_instance_id"] = after.ID

	fx.add("audit.record_action", func(ctx context.Context) error {
		return e.audit.RecordAction(ctx, entry)
	})
}

// reject counts a refused action and returns err.
func (e *WorkflowEngine) reject(action string, err *errors.Error) error {
	metrics.WorkflowRejectedActionsTotal.WithLabelValues(action, string(err.Code)).Inc()
	return err
}

func (e *WorkflowEngine) countTransition(inst *repository.WorkflowInstance, action string) {
	metrics.WorkflowTransitionsTotal.WithLabelValues(string(inst.ResourceType), action, string(inst.Status)).Inc()
}

// currentStep returns the template step the instance points at.
func currentStep(tmpl *repository.WorkflowTemplate, inst *repository.WorkflowInstance) (*repository.WorkflowStep, error) {
	step := tmpl.Step(inst.CurrentStepOrder)
	if step == nil {
		return nil, errors.Configuration(fmt.Sprintf(
			"instance %s points at step %d which template %s does not define",
			inst.ID, inst.CurrentStepOrder, tmpl.ID))
	}
	return step, nil
}

func snapshot(inst *repository.WorkflowInstance) map[string]interface{} {
	if inst == nil {
		return nil
	}
	return map[string]interface{}{
		"status":             string(inst.Status),
		"current_step_order": inst.CurrentStepOrder,
		"version":            inst.Version,
	}
}

func stepMetadata(step *repository.WorkflowStep, req *ActionRequest) map[string]interface{} {
	meta := map[string]interface{}{
		"step_order": step.StepOrder,
		"permission": step.RequiredPermission,
	}
	if req.Comment != nil {
		meta["comment"] = *req.Comment
	}
	if req.RouteToStep != nil {
		meta["route_to_step"] = *req.RouteToStep
	}
	if req.UserAgent != nil {
		meta["user_agent"] = *req.UserAgent
	}
	return meta
}
