package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// WorkflowServiceName is the gRPC service exposed by GRPCHandler. Requests and
// responses are google.protobuf.Struct.
const WorkflowServiceName = "hr.approvals.v1.WorkflowService"

// GRPCHandler implements the WorkflowService gRPC interface
type GRPCHandler struct {
	engine *service.WorkflowEngine
	logger *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.WorkflowEngine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		logger: log.Component("grpc_handler"),
	}
}

// Register registers the workflow service on s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&workflowServiceDesc, h)
}

type structMethod func(h *GRPCHandler, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(*GRPCHandler)
			if interceptor == nil {
				return fn(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + WorkflowServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(h, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var workflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary("GetWorkflow", (*GRPCHandler).GetWorkflow),
		unary("SubmitWorkflow", (*GRPCHandler).SubmitWorkflow),
		unary("ApproveStep", (*GRPCHandler).ApproveStep),
		unary("DeclineStep", (*GRPCHandler).DeclineStep),
		unary("AdjustStep", (*GRPCHandler).AdjustStep),
		unary("CancelWorkflow", (*GRPCHandler).CancelWorkflow),
	},
	Streams: []grpc.StreamDesc{},
}

// userID extracts the caller from the x-user-id metadata key, or returns empty string.
func userID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("x-user-id"); len(v) > 0 {
		return v[0]
	}
	return ""
}

// GetWorkflow returns a workflow instance
func (h *GRPCHandler) GetWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	h.logger.Debug().Str("id", id).Msg("gRPC GetWorkflow called")

	inst, err := h.engine.GetInstance(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return instanceToProto(inst, nil, false)
}

// SubmitWorkflow submits a draft workflow
func (h *GRPCHandler) SubmitWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := &service.LifecycleRequest{
		InstanceID: stringField(in, "id"),
		ActorID:    userID(ctx),
		Comment:    optionalField(in, "comment"),
	}
	h.logger.Info().Str("id", req.InstanceID).Str("acted_by", req.ActorID).Msg("gRPC SubmitWorkflow called")

	result, err := h.engine.Submit(ctx, req)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to submit workflow")
		return nil, mapErrorToGRPC(err)
	}
	return instanceToProto(result.Instance, result.Approvers, result.Stalled)
}

// ApproveStep approves the current step
func (h *GRPCHandler) ApproveStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, in, "ApproveStep", h.engine.Approve)
}

// DeclineStep declines the workflow at the current step
func (h *GRPCHandler) DeclineStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, in, "DeclineStep", h.engine.Decline)
}

// AdjustStep sends the resource back for changes
func (h *GRPCHandler) AdjustStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, in, "AdjustStep", h.engine.Adjust)
}

// CancelWorkflow cancels a workflow that is not yet final
func (h *GRPCHandler) CancelWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := &service.LifecycleRequest{
		InstanceID: stringField(in, "id"),
		ActorID:    userID(ctx),
		Comment:    optionalField(in, "reason"),
	}
	h.logger.Info().Str("id", req.InstanceID).Str("acted_by", req.ActorID).Msg("gRPC CancelWorkflow called")

	result, err := h.engine.Cancel(ctx, req)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to cancel workflow")
		return nil, mapErrorToGRPC(err)
	}
	return instanceToProto(result.Instance, nil, false)
}

func (h *GRPCHandler) act(
	ctx context.Context,
	in *structpb.Struct,
	method string,
	fn func(ctx context.Context, req *service.ActionRequest) (*service.TransitionResult, error),
) (*structpb.Struct, error) {
	req := &service.ActionRequest{
		InstanceID: stringField(in, "id"),
		ActorID:    userID(ctx),
		LocationID: stringField(in, "location_id"),
		Comment:    optionalField(in, "comment"),
	}
	if v, ok := in.GetFields()["route_to_step"]; ok {
		step := int(v.GetNumberValue())
		req.RouteToStep = &step
	}

	h.logger.Info().
		Str("id", req.InstanceID).
		Str("acted_by", req.ActorID).
		Msg("gRPC " + method + " called")

	result, err := fn(ctx, req)
	if err != nil {
		h.logger.Error().Err(err).Str("method", method).Msg("Workflow action failed")
		return nil, mapErrorToGRPC(err)
	}
	return instanceToProto(result.Instance, result.Approvers, result.Stalled)
}

func instanceToProto(inst *repository.WorkflowInstance, approvers []string, stalled bool) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(approvers))
	for _, a := range approvers {
		list = append(list, a)
	}
	fields := map[string]interface{}{
		"id":                 inst.ID,
		"template_id":        inst.TemplateID,
		"resource_type":      string(inst.ResourceType),
		"resource_id":        inst.ResourceID,
		"status":             string(inst.Status),
		"current_step_order": inst.CurrentStepOrder,
		"created_by":         inst.CreatedBy,
		"version":            inst.Version,
		"created_at":         inst.CreatedAt.Format(time.RFC3339),
		"updated_at":         inst.UpdatedAt.Format(time.RFC3339),
		"approvers":          list,
		"stalled":            stalled,
	}
	if inst.SubmittedAt != nil {
		fields["submitted_at"] = inst.SubmittedAt.Format(time.RFC3339)
	}
	if inst.CompletedAt != nil {
		fields["completed_at"] = inst.CompletedAt.Format(time.RFC3339)
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

func optionalField(in *structpb.Struct, name string) *string {
	v := stringField(in, name)
	if v == "" {
		return nil
	}
	return &v
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	errMsg := err.Error()

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, errMsg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, errMsg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.PermissionDenied, errMsg)
	case errors.ErrCodeInvalidState, errors.ErrCodeConfiguration:
		return status.Error(codes.FailedPrecondition, errMsg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, errMsg)
	default:
		return status.Error(codes.Internal, errMsg)
	}
}
