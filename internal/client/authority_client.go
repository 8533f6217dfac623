package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// checkAuthorityMethod is the full gRPC method name of the platform
// authority check. Request and response are google.protobuf.Struct.
const checkAuthorityMethod = "/platform.authority.v1.AuthorityService/CheckAuthority"

// AuthorityGRPCClient implements service.Authority against the platform
// authority gRPC service.
type AuthorityGRPCClient struct {
	conn *grpc.ClientConn
}

// NewAuthorityGRPCClient dials the authority service and returns a client.
func NewAuthorityGRPCClient(addr string) (*AuthorityGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority client: %w", err)
	}
	return &AuthorityGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *AuthorityGRPCClient) Close() error {
	return c.conn.Close()
}

// CheckAuthority asks the authority service whether the user may act.
// The caller bounds ctx; any transport error is returned and treated as deny.
func (c *AuthorityGRPCClient) CheckAuthority(ctx context.Context, req service.AuthorityRequest) (bool, error) {
	fields := map[string]interface{}{
		"user_id":     req.UserID,
		"permission":  req.Permission,
		"location_id": req.LocationID,
	}
	if req.WorkflowStepOrder != nil {
		fields["workflow_step_order"] = *req.WorkflowStepOrder
	}
	if req.WorkflowInstanceID != nil {
		fields["workflow_instance_id"] = *req.WorkflowInstanceID
	}

	in, err := structpb.NewStruct(fields)
	if err != nil {
		return false, fmt.Errorf("failed to encode authority request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, checkAuthorityMethod, in, out); err != nil {
		return false, fmt.Errorf("authority check: %w", err)
	}

	v, ok := out.GetFields()["authorized"]
	if !ok {
		return false, fmt.Errorf("authority response has no 'authorized' field")
	}
	return v.GetBoolValue(), nil
}

// DirectoryAuthority answers authority checks from the local role directory.
// It serves local runs where no authority service is configured.
type DirectoryAuthority struct {
	Directory service.Directory
}

// CheckAuthority grants when the user holds an active role granting the permission.
func (a DirectoryAuthority) CheckAuthority(ctx context.Context, req service.AuthorityRequest) (bool, error) {
	u, err := a.Directory.GetUser(ctx, req.UserID)
	if err != nil {
		return false, err
	}
	if !u.Eligible() {
		return false, nil
	}
	return a.Directory.UserHasPermission(ctx, req.UserID, req.Permission)
}
