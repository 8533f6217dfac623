package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// ActorHeader carries the authenticated user id set by the API gateway.
const ActorHeader = "X-User-ID"

// AuditReader lists the audit trail of a resource.
type AuditReader interface {
	ListByResource(ctx context.Context, resourceType repository.ResourceType, resourceID string) ([]*repository.AuditEntry, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine *service.WorkflowEngine
	ledger *service.BalanceLedger
	audit  AuditReader
	log    *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.WorkflowEngine, ledger *service.BalanceLedger, audit AuditReader, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine: engine,
		ledger: ledger,
		audit:  audit,
		log:    log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.CreateWorkflow)
	mux.HandleFunc("/api/v1/workflows/get", h.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/steps", h.ListSteps)
	mux.HandleFunc("/api/v1/workflows/actions", h.ListActions)
	mux.HandleFunc("/api/v1/workflows/approvers", h.CurrentApprovers)
	mux.HandleFunc("/api/v1/workflows/submit", h.Submit)
	mux.HandleFunc("/api/v1/workflows/resubmit", h.Resubmit)
	mux.HandleFunc("/api/v1/workflows/approve", h.Approve)
	mux.HandleFunc("/api/v1/workflows/decline", h.Decline)
	mux.HandleFunc("/api/v1/workflows/adjust", h.Adjust)
	mux.HandleFunc("/api/v1/workflows/cancel", h.Cancel)

	mux.HandleFunc("/api/v1/balances", h.GetBalance)
	mux.HandleFunc("/api/v1/balances/adjustments", h.ListAdjustments)
	mux.HandleFunc("/api/v1/balances/allocate", h.Allocate)
	mux.HandleFunc("/api/v1/balances/bulk-allocate", h.BulkAllocate)
	mux.HandleFunc("/api/v1/balances/adjust", h.AdjustBalance)
	mux.HandleFunc("/api/v1/balances/reset", h.ResetBalances)

	mux.HandleFunc("/api/v1/audit", h.ListAudit)
}

// ── Workflows ────────────────────────────────────────────────────────────────

type createWorkflowRequest struct {
	TemplateID   string `json:"template_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	LocationID   string `json:"location_id"`
}

// CreateWorkflow handles create workflow instance requests
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req createWorkflowRequest
	if !decode(w, r, &req) {
		return
	}

	inst, err := h.engine.CreateInstance(r.Context(), &service.CreateInstanceRequest{
		TemplateID:   req.TemplateID,
		ResourceType: repository.ResourceType(req.ResourceType),
		ResourceID:   req.ResourceID,
		CreatedBy:    actor(r),
		LocationID:   req.LocationID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, inst)
}

// GetWorkflow handles get workflow instance requests
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}

	inst, err := h.engine.GetInstance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ListSteps handles list step instances requests
func (h *HTTPHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}

	steps, err := h.engine.ListSteps(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// ListActions handles list step action history requests
func (h *HTTPHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}

	actions, err := h.engine.ListActions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// CurrentApprovers handles current approvers requests
func (h *HTTPHandler) CurrentApprovers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}

	approvers, err := h.engine.CurrentApprovers(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if approvers == nil {
		approvers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvers": approvers})
}

type lifecycleRequest struct {
	ID      string  `json:"id"`
	Comment *string `json:"comment"`
}

func (h *HTTPHandler) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, req *service.LifecycleRequest) (*service.TransitionResult, error),
) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req lifecycleRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := fn(r.Context(), &service.LifecycleRequest{
		InstanceID: req.ID,
		ActorID:    actor(r),
		Comment:    req.Comment,
		IPAddress:  clientIP(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse(result))
}

// Submit handles submit requests
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Submit)
}

// Resubmit handles resubmit requests
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Resubmit)
}

// Cancel handles cancel requests
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Cancel)
}

type actionRequest struct {
	ID          string  `json:"id"`
	LocationID  string  `json:"location_id"`
	Comment     *string `json:"comment"`
	RouteToStep *int    `json:"route_to_step"`
}

func (h *HTTPHandler) action(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, req *service.ActionRequest) (*service.TransitionResult, error),
) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req actionRequest
	if !decode(w, r, &req) {
		return
	}

	var userAgent *string
	if ua := r.UserAgent(); ua != "" {
		userAgent = &ua
	}

	result, err := fn(r.Context(), &service.ActionRequest{
		InstanceID:  req.ID,
		ActorID:     actor(r),
		LocationID:  req.LocationID,
		Comment:     req.Comment,
		RouteToStep: req.RouteToStep,
		IPAddress:   clientIP(r),
		UserAgent:   userAgent,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse(result))
}

// Approve handles approve requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Approve)
}

// Decline handles decline requests
func (h *HTTPHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Decline)
}

// Adjust handles adjust requests
func (h *HTTPHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Adjust)
}

func transitionResponse(result *service.TransitionResult) map[string]interface{} {
	approvers := result.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	return map[string]interface{}{
		"instance":  result.Instance,
		"approvers": approvers,
		"stalled":   result.Stalled,
	}
}

// ── Balances ─────────────────────────────────────────────────────────────────

// GetBalance handles get balance requests
func (h *HTTPHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	key, ok := balanceKeyFromQuery(w, r)
	if !ok {
		return
	}

	b, err := h.ledger.GetOrCreate(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":   b,
		"available": b.Available(),
	})
}

// ListAdjustments handles balance adjustment history requests
func (h *HTTPHandler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	key, ok := balanceKeyFromQuery(w, r)
	if !ok {
		return
	}

	adjustments, err := h.ledger.ListAdjustments(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"adjustments": adjustments})
}

type allocateRequest struct {
	UserID        string          `json:"user_id"`
	LeaveTypeID   string          `json:"leave_type_id"`
	Year          int             `json:"year"`
	Policy        string          `json:"policy"` // manual | annual | accrual | prorated
	Days          decimal.Decimal `json:"days"`
	Months        int             `json:"months"`
	ContractStart *time.Time      `json:"contract_start"`
	ContractEnd   *time.Time      `json:"contract_end"`
	Reason        string          `json:"reason"`
}

// Allocate handles allocation requests
func (h *HTTPHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req allocateRequest
	if !decode(w, r, &req) {
		return
	}

	key := repository.BalanceKey{UserID: req.UserID, LeaveTypeID: req.LeaveTypeID, Year: req.Year}
	actorID := optional(actor(r))

	var (
		b   *repository.LeaveBalance
		err error
	)
	switch req.Policy {
	case "", "manual":
		b, err = h.ledger.Allocate(r.Context(), key, req.Days, req.Reason, actorID)
	case "annual":
		b, err = h.ledger.AllocateAnnual(r.Context(), key, req.Days, actorID)
	case "accrual":
		b, err = h.ledger.AllocateAccrual(r.Context(), key, req.Days, req.Months, actorID)
	case "prorated":
		if req.ContractStart == nil {
			h.writeError(w, r, errors.InvalidInput("contract_start", "contract start is required"))
			return
		}
		b, err = h.ledger.AllocateProrated(r.Context(), key, req.Days, *req.ContractStart, req.ContractEnd, actorID)
	default:
		err = errors.InvalidInput("policy", "unknown allocation policy "+strconv.Quote(req.Policy))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type bulkAllocateRequest struct {
	UserIDs     []string        `json:"user_ids"`
	LeaveTypeID string          `json:"leave_type_id"`
	Year        int             `json:"year"`
	Days        decimal.Decimal `json:"days"`
	Reason      string          `json:"reason"`
}

// BulkAllocate handles bulk allocation requests
func (h *HTTPHandler) BulkAllocate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req bulkAllocateRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		h.writeError(w, r, errors.InvalidInput("user_ids", "at least one user is required"))
		return
	}

	result := h.ledger.BulkAllocate(r.Context(), req.UserIDs, req.LeaveTypeID, req.Year, req.Days, req.Reason, optional(actor(r)))

	failed := make(map[string]string, len(result.Failed))
	for userID, err := range result.Failed {
		failed[userID] = err.Error()
	}
	succeeded := result.Succeeded
	if succeeded == nil {
		succeeded = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"succeeded": succeeded,
		"failed":    failed,
	})
}

type adjustBalanceRequest struct {
	UserID      string          `json:"user_id"`
	LeaveTypeID string          `json:"leave_type_id"`
	Year        int             `json:"year"`
	Delta       decimal.Decimal `json:"delta"`
	Reason      string          `json:"reason"`
}

// AdjustBalance handles manual balance adjustment requests
func (h *HTTPHandler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req adjustBalanceRequest
	if !decode(w, r, &req) {
		return
	}

	key := repository.BalanceKey{UserID: req.UserID, LeaveTypeID: req.LeaveTypeID, Year: req.Year}
	b, err := h.ledger.Adjust(r.Context(), key, req.Delta, req.Reason, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type resetBalancesRequest struct {
	UserID      string  `json:"user_id"`
	LeaveTypeID *string `json:"leave_type_id"`
	Reason      string  `json:"reason"`
}

// ResetBalances handles balance reset requests
func (h *HTTPHandler) ResetBalances(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req resetBalancesRequest
	if !decode(w, r, &req) {
		return
	}

	n, err := h.ledger.Reset(r.Context(), req.UserID, req.LeaveTypeID, req.Reason, optional(actor(r)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rows_reset": n})
}

// ── Audit ────────────────────────────────────────────────────────────────────

// ListAudit handles audit trail requests
func (h *HTTPHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	resourceType, ok := requireQuery(w, r, "resource_type")
	if !ok {
		return
	}
	resourceID, ok := requireQuery(w, r, "resource_id")
	if !ok {
		return
	}

	entries, err := h.audit.ListByResource(r.Context(), repository.ResourceType(resourceType), resourceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		http.Error(w, name+" is required", http.StatusBadRequest)
		return "", false
	}
	return v, true
}

func balanceKeyFromQuery(w http.ResponseWriter, r *http.Request) (repository.BalanceKey, bool) {
	q := r.URL.Query()
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		http.Error(w, "year must be a number", http.StatusBadRequest)
		return repository.BalanceKey{}, false
	}
	return repository.BalanceKey{
		UserID:      q.Get("user_id"),
		LeaveTypeID: q.Get("leave_type_id"),
		Year:        year,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps coded errors onto HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)

	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
	}

	body := map[string]string{
		"code":  string(code),
		"error": err.Error(),
	}
	var appErr *errors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	writeJSON(w, status, body)
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeInvalidState, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clientIP(r *http.Request) *string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	return optional(ip)
}
