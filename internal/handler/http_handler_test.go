package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/client"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/sequence"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

type services struct {
	workflows *service.WorkflowService
	ledger    *service.LedgerService
	versions  *service.VersionService
	store     *memory.Store
}

func newServices() services {
	store := memory.NewStore()
	registry := domain.DefaultRegistry()
	issuer := sequence.NewIssuer(sequence.NewStoreCounter(store), sequence.Config{}, nil)
	return services{
		workflows: service.NewWorkflowService(store, registry, issuer, client.NewLogDispatcher(nil), nil, "/workflows"),
		ledger:    service.NewLedgerService(store, nil),
		versions:  service.NewVersionService(store, registry),
		store:     store,
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := newServices()
	mux := http.NewServeMux()
	NewHTTPHandler(svc.workflows, svc.ledger, svc.versions, svc.store, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		out = nil
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHTTPLeaveFlow(t *testing.T) {
	srv := newTestServer(t)

	status, _ := call(t, srv, http.MethodPost, "/api/v1/ledger/accounts", "hr", map[string]any{
		"subject": "emp-1", "resourceType": "leave", "period": "2025", "entitled": "10",
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := call(t, srv, http.MethodPost, "/api/v1/workflows", "emp-1", map[string]any{
		"type": "leave", "title": "Trip", "amount": "3", "ledgerPeriod": "2025", "approvers": []string{"mgr-1"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	doc := body["document"].(map[string]any)
	id := doc["id"].(string)
	assert.Equal(t, "DRAFT", doc["status"])

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/submit", "emp-1", nil)
	require.Equal(t, http.StatusOK, status, body)

	status, body = call(t, srv, http.MethodGet, "/api/v1/workflows/pending", "mgr-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["documents"], 1)

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/approve", "emp-1", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "SELF_APPROVAL", errorCode(body))

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/approve", "mgr-1", map[string]any{"remarks": "enjoy"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "APPROVED", body["document"].(map[string]any)["status"])

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/approve", "mgr-1", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	status, body = call(t, srv, http.MethodGet, "/api/v1/ledger/accounts/emp-1/leave/2025", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "7", body["available"])

	status, body = call(t, srv, http.MethodGet, "/api/v1/workflows/"+id+"/history", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["history"], 3)
}

func TestHTTPErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	status, body := call(t, srv, http.MethodGet, "/api/v1/workflows/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows", "", map[string]any{"type": "leave"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", errorCode(body))

	status, body = call(t, srv, http.MethodPost, "/api/v1/ledger/accounts", "hr", map[string]any{
		"subject": "emp-1", "resourceType": "leave", "period": "2025", "entitled": "1",
	})
	require.Equal(t, http.StatusCreated, status, body)

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows", "emp-1", map[string]any{
		"type": "leave", "amount": "5", "ledgerPeriod": "2025", "approvers": []string{"mgr-1"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	id := body["document"].(map[string]any)["id"].(string)

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/submit", "emp-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(body))

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/submit", "emp-1", map[string]any{"expectedVersion": 9})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", errorCode(body))

	status, _ = call(t, srv, http.MethodGet, "/api/v1/workflows/"+id+"/versions/x", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestHTTPPurchaseOrderVersions(t *testing.T) {
	srv := newTestServer(t)

	status, body := call(t, srv, http.MethodPost, "/api/v1/workflows", "buyer", map[string]any{
		"type":      "purchase_order",
		"payload":   map[string]any{"grandTotal": 100, "paymentTerms": "NET30"},
		"approvers": []string{"fin-1", "fin-2"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	id := body["document"].(map[string]any)["id"].(string)

	status, body = call(t, srv, http.MethodPatch, "/api/v1/workflows/"+id, "buyer", map[string]any{
		"payload": map[string]any{"grandTotal": 100, "paymentTerms": "NET60"},
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = call(t, srv, http.MethodGet, "/api/v1/workflows/"+id+"/compare?from=1&to=2", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "TERMS_CHANGE", body["classification"])

	status, body = call(t, srv, http.MethodGet, "/api/v1/workflows/"+id+"/versions", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["versions"], 2)

	status, body = call(t, srv, http.MethodPost, "/api/v1/workflows/"+id+"/advance", "buyer", map[string]any{"to": "ISSUED"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))
}
