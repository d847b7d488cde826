package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-approval-workflows/internal/client"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

func newGRPCClient(t *testing.T) (*client.WorkflowsGRPCClient, services) {
	t.Helper()
	svc := newServices()
	log := logger.Nop()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		UnaryRecovery(&log.Logger),
		UnaryRequestID(),
		UnaryLogger(&log.Logger),
		UnaryTimeout(5*time.Second),
	))
	srv.RegisterService(&WorkflowServiceDesc, NewGRPCHandler(svc.workflows, svc.ledger, log))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := client.NewWorkflowsGRPCClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, svc
}

func TestGRPCLeaveFlow(t *testing.T) {
	c, svc := newGRPCClient(t)
	ctx := context.Background()

	_, err := svc.ledger.OpenAccount(ctx, service.OpenAccountInput{
		Key:      domain.LedgerKey{Subject: "emp-1", ResourceType: "leave", Period: "2025"},
		Entitled: decimal.NewFromInt(10),
		ActorID:  "hr",
	})
	require.NoError(t, err)

	res, err := c.Create(client.WithUser(ctx, "emp-1"), map[string]any{
		"type":         "leave",
		"title":        "Trip",
		"amount":       "2",
		"ledgerPeriod": "2025",
		"approvers":    []any{"mgr-1"},
	})
	require.NoError(t, err)
	doc := res["document"].(map[string]any)
	id := doc["id"].(string)
	assert.Equal(t, "DRAFT", doc["status"])

	_, err = c.Act(client.WithUser(ctx, "emp-1"), "Submit", id, "")
	require.NoError(t, err)

	_, err = c.Act(client.WithUser(ctx, "emp-1"), "Approve", id, "")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	pending, err := c.Call(client.WithUser(ctx, "mgr-1"), "PendingApprovals", map[string]any{})
	require.NoError(t, err)
	assert.Len(t, pending["documents"], 1)

	res, err = c.Act(client.WithUser(ctx, "mgr-1"), "Approve", id, "ok")
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", res["document"].(map[string]any)["status"])

	acct, err := c.Balance(ctx, "emp-1", "leave", "2025")
	require.NoError(t, err)
	assert.Equal(t, "8", acct["available"])

	hist, err := c.Call(ctx, "History", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Len(t, hist["history"], 3)
}

func TestGRPCErrorCodes(t *testing.T) {
	c, _ := newGRPCClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Create(ctx, map[string]any{"type": "leave"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	res, err := c.Create(client.WithUser(ctx, "buyer"), map[string]any{
		"type":      "purchase_order",
		"payload":   map[string]any{"grandTotal": 10},
		"approvers": []any{"fin-1"},
	})
	require.NoError(t, err)
	id := res["document"].(map[string]any)["id"].(string)

	_, err = c.Act(client.WithUser(ctx, "fin-1"), "Approve", id, "")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = c.Act(client.WithUser(ctx, "fin-1"), "Cancel", id, "")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = c.Call(client.WithUser(ctx, "buyer"), "Advance", map[string]any{"id": id, "to": "ISSUED"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
