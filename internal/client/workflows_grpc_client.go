package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

const workflowServiceName = "workflow.v1.WorkflowService"

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (x-user-id, x-request-id) to outgoing calls
// made while serving another request.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// WithUser attaches the acting user to outgoing calls.
func WithUser(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "x-user-id", userID)
}

// WorkflowsGRPCClient is a gRPC client for the workflow service
type WorkflowsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewWorkflowsGRPCClient creates a new workflow service gRPC client
func NewWorkflowsGRPCClient(addr string, opts ...grpc.DialOption) (*WorkflowsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &WorkflowsGRPCClient{conn: conn}, nil
}

// Close closes the gRPC connection
func (c *WorkflowsGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Call invokes a WorkflowService method with a JSON-shaped request.
func (c *WorkflowsGRPCClient) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+workflowServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Create creates a workflow document
func (c *WorkflowsGRPCClient) Create(ctx context.Context, req map[string]any) (map[string]any, error) {
	return c.Call(ctx, "Create", req)
}

// Act runs one of Submit, Approve, Reject or Cancel on a document
func (c *WorkflowsGRPCClient) Act(ctx context.Context, action, documentID, remarks string) (map[string]any, error) {
	return c.Call(ctx, action, map[string]any{"id": documentID, "remarks": remarks})
}

// Get fetches a document
func (c *WorkflowsGRPCClient) Get(ctx context.Context, documentID string) (map[string]any, error) {
	return c.Call(ctx, "Get", map[string]any{"id": documentID})
}

// Balance fetches a ledger account
func (c *WorkflowsGRPCClient) Balance(ctx context.Context, subject, resourceType, period string) (map[string]any, error) {
	return c.Call(ctx, "Balance", map[string]any{
		"subject":      subject,
		"resourceType": resourceType,
		"period":       period,
	})
}
