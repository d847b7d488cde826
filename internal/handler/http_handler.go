package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// UserIDHeader carries the acting user. Authentication happens upstream.
const UserIDHeader = "X-User-ID"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	workflows *service.WorkflowService
	ledger    *service.LedgerService
	versions  *service.VersionService
	health    Pinger
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	workflows *service.WorkflowService,
	ledger *service.LedgerService,
	versions *service.VersionService,
	health Pinger,
	log *logger.Logger,
) *HTTPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPHandler{
		workflows: workflows,
		ledger:    ledger,
		versions:  versions,
		health:    health,
		log:       log.Component("http"),
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	// Workflow routes
	mux.HandleFunc("POST /api/v1/workflows", h.CreateDocument)
	mux.HandleFunc("GET /api/v1/workflows", h.ListDocuments)
	mux.HandleFunc("GET /api/v1/workflows/pending", h.PendingApprovals)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.GetDocument)
	mux.HandleFunc("PATCH /api/v1/workflows/{id}", h.UpdateDraft)
	mux.HandleFunc("POST /api/v1/workflows/{id}/submit", h.action(h.workflows.Submit))
	mux.HandleFunc("POST /api/v1/workflows/{id}/approve", h.action(h.workflows.Approve))
	mux.HandleFunc("POST /api/v1/workflows/{id}/reject", h.action(h.workflows.Reject))
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.action(h.workflows.Cancel))
	mux.HandleFunc("POST /api/v1/workflows/{id}/advance", h.Advance)
	mux.HandleFunc("GET /api/v1/workflows/{id}/history", h.History)
	mux.HandleFunc("GET /api/v1/workflows/{id}/versions", h.ListVersions)
	mux.HandleFunc("GET /api/v1/workflows/{id}/versions/{version}", h.GetVersion)
	mux.HandleFunc("GET /api/v1/workflows/{id}/compare", h.CompareVersions)
	mux.HandleFunc("GET /api/v1/workflows/{id}/amendment-preview", h.PreviewAmendment)

	// Ledger routes
	mux.HandleFunc("POST /api/v1/ledger/accounts", h.OpenAccount)
	mux.HandleFunc("GET /api/v1/ledger/accounts/{subject}/{type}/{period}", h.Balance)
	mux.HandleFunc("GET /api/v1/ledger/accounts/{subject}/{type}/{period}/entries", h.Journal)
	mux.HandleFunc("POST /api/v1/ledger/accounts/{subject}/{type}/{period}/adjust", h.Adjust)
	mux.HandleFunc("POST /api/v1/ledger/accounts/{subject}/{type}/{period}/rollover", h.RollOver)
}

// Health reports store reachability.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Documents ─────────────────────────────────────────────────────────────────

type createDocumentRequest struct {
	Type          domain.ResourceType `json:"type"`
	Title         string              `json:"title"`
	Amount        decimal.Decimal     `json:"amount"`
	LedgerSubject string              `json:"ledgerSubject"`
	LedgerPeriod  string              `json:"ledgerPeriod"`
	EffectiveDate *time.Time          `json:"effectiveDate"`
	TargetID      string              `json:"targetId"`
	Payload       map[string]any      `json:"payload"`
	Items         []domain.LineItem   `json:"items"`
	Approvers     []string            `json:"approvers"`
}

// CreateDocument handles create document HTTP requests
func (h *HTTPHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.workflows.Create(r.Context(), service.CreateInput{
		Type:          req.Type,
		OwnerID:       actorID(r),
		Title:         req.Title,
		Amount:        req.Amount,
		LedgerSubject: req.LedgerSubject,
		LedgerPeriod:  req.LedgerPeriod,
		EffectiveDate: req.EffectiveDate,
		TargetID:      req.TargetID,
		Payload:       req.Payload,
		Items:         req.Items,
		Approvers:     req.Approvers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetDocument handles get document HTTP requests
func (h *HTTPHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ListDocuments handles list documents HTTP requests
func (h *HTTPHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize := paging(r)

	docs, total, err := h.workflows.List(r.Context(), repository.DocumentFilter{
		Type:       domain.ResourceType(q.Get("type")),
		Status:     domain.Status(q.Get("status")),
		OwnerID:    q.Get("owner_id"),
		ApproverID: q.Get("approver_id"),
		TargetID:   q.Get("target_id"),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"total":     total,
		"page":      page,
		"pageSize":  pageSize,
	})
}

// PendingApprovals lists documents awaiting the caller's decision.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	page, pageSize := paging(r)
	docs, err := h.workflows.PendingFor(r.Context(), actorID(r), pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

type updateDraftRequest struct {
	Title           *string           `json:"title"`
	Amount          *decimal.Decimal  `json:"amount"`
	EffectiveDate   *time.Time        `json:"effectiveDate"`
	Payload         map[string]any    `json:"payload"`
	Items           []domain.LineItem `json:"items"`
	Remarks         string            `json:"remarks"`
	ExpectedVersion int64             `json:"expectedVersion"`
}

// UpdateDraft handles edits to documents that have not been submitted.
func (h *HTTPHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	var req updateDraftRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.workflows.UpdateDraft(r.Context(), service.UpdateDraftInput{
		ActionInput: service.ActionInput{
			DocumentID:      r.PathValue("id"),
			ActorID:         actorID(r),
			Remarks:         req.Remarks,
			ExpectedVersion: req.ExpectedVersion,
		},
		Title:         req.Title,
		Amount:        req.Amount,
		EffectiveDate: req.EffectiveDate,
		Payload:       req.Payload,
		Items:         req.Items,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type actionRequest struct {
	Remarks         string        `json:"remarks"`
	ExpectedVersion int64         `json:"expectedVersion"`
	To              domain.Status `json:"to"`
}

func (h *HTTPHandler) actionInput(w http.ResponseWriter, r *http.Request) (actionRequest, service.ActionInput, bool) {
	var req actionRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return req, service.ActionInput{}, false
	}
	return req, service.ActionInput{
		DocumentID:      r.PathValue("id"),
		ActorID:         actorID(r),
		Remarks:         req.Remarks,
		ExpectedVersion: req.ExpectedVersion,
	}, true
}

// action adapts a workflow action to an HTTP handler.
func (h *HTTPHandler) action(fn func(context.Context, service.ActionInput) (*service.ActionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, in, ok := h.actionInput(w, r)
		if !ok {
			return
		}
		res, err := fn(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// Advance handles manual status moves
func (h *HTTPHandler) Advance(w http.ResponseWriter, r *http.Request) {
	req, in, ok := h.actionInput(w, r)
	if !ok {
		return
	}
	res, err := h.workflows.Advance(r.Context(), service.AdvanceInput{ActionInput: in, To: req.To})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History handles approval history HTTP requests
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workflows.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// ── Versions ──────────────────────────────────────────────────────────────────

// ListVersions handles list versions HTTP requests
func (h *HTTPHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.versions.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": snaps})
}

// GetVersion handles get version HTTP requests
func (h *HTTPHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, errors.InvalidInput("version", "must be a number"))
		return
	}
	snap, err := h.versions.Get(r.Context(), r.PathValue("id"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CompareVersions handles ?from=&to= version diffs
func (h *HTTPHandler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	from, errFrom := strconv.Atoi(r.URL.Query().Get("from"))
	to, errTo := strconv.Atoi(r.URL.Query().Get("to"))
	if errFrom != nil || errTo != nil {
		writeError(w, errors.InvalidInput("from/to", "both versions are required"))
		return
	}
	cmp, err := h.versions.Compare(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// PreviewAmendment handles amendment preview HTTP requests
func (h *HTTPHandler) PreviewAmendment(w http.ResponseWriter, r *http.Request) {
	cmp, err := h.versions.PreviewAmendment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// ── Ledger ────────────────────────────────────────────────────────────────────

type openAccountRequest struct {
	Subject      string          `json:"subject"`
	ResourceType string          `json:"resourceType"`
	Period       string          `json:"period"`
	Entitled     decimal.Decimal `json:"entitled"`
	CarryForward decimal.Decimal `json:"carryForward"`
}

// OpenAccount handles ledger account creation
func (h *HTTPHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.OpenAccount(r.Context(), service.OpenAccountInput{
		Key:          domain.LedgerKey{Subject: req.Subject, ResourceType: req.ResourceType, Period: req.Period},
		Entitled:     req.Entitled,
		CarryForward: req.CarryForward,
		ActorID:      actorID(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// Balance handles ledger balance HTTP requests
func (h *HTTPHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.Balance(r.Context(), ledgerKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Journal handles ledger entries HTTP requests
func (h *HTTPHandler) Journal(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Journal(r.Context(), ledgerKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type adjustRequest struct {
	Op      domain.LedgerOp `json:"op"`
	Amount  decimal.Decimal `json:"amount"`
	Remarks string          `json:"remarks"`
}

// Adjust handles administrative ledger corrections
func (h *HTTPHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.Adjust(r.Context(), service.AdjustInput{
		Key:     ledgerKey(r),
		Op:      req.Op,
		Amount:  req.Amount,
		ActorID: actorID(r),
		Remarks: req.Remarks,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type rollOverRequest struct {
	ToPeriod string          `json:"toPeriod"`
	Entitled decimal.Decimal `json:"entitled"`
	MaxCarry decimal.Decimal `json:"maxCarry"`
}

// RollOver handles period roll-over requests
func (h *HTTPHandler) RollOver(w http.ResponseWriter, r *http.Request) {
	var req rollOverRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.RollOver(r.Context(), service.RollOverInput{
		Key:      ledgerKey(r),
		ToPeriod: req.ToPeriod,
		Entitled: req.Entitled,
		MaxCarry: req.MaxCarry,
		ActorID:  actorID(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func actorID(r *http.Request) string {
	return r.Header.Get(UserIDHeader)
}

func ledgerKey(r *http.Request) domain.LedgerKey {
	return domain.LedgerKey{
		Subject:      r.PathValue("subject"),
		ResourceType: r.PathValue("type"),
		Period:       r.PathValue("period"),
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func paging(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	return page, pageSize
}
