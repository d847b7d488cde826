package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "workflow.v1.WorkflowService"

// UserIDMetadataKey carries the acting user in gRPC metadata.
const UserIDMetadataKey = "x-user-id"

// WorkflowServer is the gRPC surface. Messages are google.protobuf.Struct
// documents with the same field names as the HTTP API.
type WorkflowServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Advance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingApprovals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, pick unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			fn := pick(srv.(WorkflowServer))
			if interceptor == nil {
				return fn(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*structpb.Struct))
			})
		},
	}
}

// WorkflowServiceDesc describes the service for grpc.Server.RegisterService.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("Create", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Create }),
		methodDesc("Get", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Get }),
		methodDesc("Submit", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Submit }),
		methodDesc("Approve", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Approve }),
		methodDesc("Reject", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Reject }),
		methodDesc("Cancel", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Cancel }),
		methodDesc("Advance", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Advance }),
		methodDesc("History", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.History }),
		methodDesc("PendingApprovals", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.PendingApprovals
		}),
		methodDesc("Balance", func(s WorkflowServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) { return s.Balance }),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workflow/v1/workflow.proto",
}

// GRPCHandler implements WorkflowServer on top of the services.
type GRPCHandler struct {
	workflows *service.WorkflowService
	ledger    *service.LedgerService
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(workflows *service.WorkflowService, ledger *service.LedgerService, log *logger.Logger) *GRPCHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GRPCHandler{
		workflows: workflows,
		ledger:    ledger,
		log:       log.Component("grpc"),
	}
}

var _ WorkflowServer = (*GRPCHandler)(nil)

// userID extracts the acting user from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(UserIDMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Create creates a new workflow document
func (h *GRPCHandler) Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in createDocumentRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.log.Info().
		Str("type", string(in.Type)).
		Str("owner_id", userID(ctx)).
		Msg("gRPC Create called")

	res, err := h.workflows.Create(ctx, service.CreateInput{
		Type:          in.Type,
		OwnerID:       userID(ctx),
		Title:         in.Title,
		Amount:        in.Amount,
		LedgerSubject: in.LedgerSubject,
		LedgerPeriod:  in.LedgerPeriod,
		EffectiveDate: in.EffectiveDate,
		TargetID:      in.TargetID,
		Payload:       in.Payload,
		Items:         in.Items,
		Approvers:     in.Approvers,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

type idRequest struct {
	ID string `json:"id"`
}

// Get returns a document
func (h *GRPCHandler) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in idRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	doc, err := h.workflows.Get(ctx, in.ID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(doc)
}

type grpcActionRequest struct {
	ID              string        `json:"id"`
	Remarks         string        `json:"remarks"`
	ExpectedVersion int64         `json:"expectedVersion"`
	To              domain.Status `json:"to"`
}

func (h *GRPCHandler) runAction(
	ctx context.Context,
	req *structpb.Struct,
	fn func(context.Context, service.ActionInput) (*service.ActionResult, error),
) (*structpb.Struct, error) {
	var in grpcActionRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	res, err := fn(ctx, service.ActionInput{
		DocumentID:      in.ID,
		ActorID:         userID(ctx),
		Remarks:         in.Remarks,
		ExpectedVersion: in.ExpectedVersion,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// Submit submits a document for approval
func (h *GRPCHandler) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.runAction(ctx, req, h.workflows.Submit)
}

// Approve records an approval
func (h *GRPCHandler) Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.runAction(ctx, req, h.workflows.Approve)
}

// Reject rejects a document; remarks carry the reason
func (h *GRPCHandler) Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.runAction(ctx, req, h.workflows.Reject)
}

// Cancel cancels a document
func (h *GRPCHandler) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.runAction(ctx, req, h.workflows.Cancel)
}

// Advance moves a document along a manual edge
func (h *GRPCHandler) Advance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in grpcActionRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.runAction(ctx, req, func(ctx context.Context, a service.ActionInput) (*service.ActionResult, error) {
		return h.workflows.Advance(ctx, service.AdvanceInput{ActionInput: a, To: in.To})
	})
}

// History returns the approval history of a document
func (h *GRPCHandler) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in idRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	entries, err := h.workflows.History(ctx, in.ID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"history": entries})
}

type pendingRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PendingApprovals lists documents awaiting the caller
func (h *GRPCHandler) PendingApprovals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in pendingRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	docs, err := h.workflows.PendingFor(ctx, userID(ctx), in.Limit, in.Offset)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"documents": docs})
}

// Balance returns a ledger account
func (h *GRPCHandler) Balance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var key domain.LedgerKey
	if err := fromStruct(req, &key); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	acct, err := h.ledger.Balance(ctx, key)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(acct)
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	return nil
}

// toStruct encodes v into a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	return out, nil
}
