package service

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/sequence"
)

// NumberIssuer hands out document numbers.
type NumberIssuer interface {
	Next(ctx context.Context, scope string) (sequence.Number, error)
}

// NotificationDispatcher delivers notification requests. Delivery happens
// after the state change is committed and its failures never roll it back.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, reqs []domain.NotificationRequest) error
}

// CreateInput describes a new document.
type CreateInput struct {
	Type          domain.ResourceType
	OwnerID       string
	Title         string
	Amount        decimal.Decimal
	LedgerSubject string
	LedgerPeriod  string
	EffectiveDate *time.Time
	TargetID      string
	Payload       map[string]any
	Items         []domain.LineItem
	Approvers     []string
}

// UpdateDraftInput replaces the content of a document still in its initial status.
type UpdateDraftInput struct {
	ActionInput
	Title         *string
	Amount        *decimal.Decimal
	EffectiveDate *time.Time
	Payload       map[string]any
	Items         []domain.LineItem
}

// ActionInput identifies who acts on which document. ExpectedVersion, when
// non-zero, must match the stored version or the action fails with CONFLICT.
type ActionInput struct {
	DocumentID      string
	ActorID         string
	Remarks         string
	ExpectedVersion int64
}

// AdvanceInput moves a document along a manual edge (e.g. ISSUED, CLOSED).
type AdvanceInput struct {
	ActionInput
	To domain.Status
}

// ActionResult is the committed state plus the notifications handed off.
type ActionResult struct {
	Document       *domain.Document             `json:"document"`
	Notifications  []domain.NotificationRequest `json:"notifications,omitempty"`
	Warnings       []string                     `json:"warnings,omitempty"`
	Classification domain.AmendmentClass        `json:"classification,omitempty"`
}

// WorkflowService runs every document action as one transaction: load,
// validate the transition, update the flow, apply the ledger operation,
// persist with history, then notify.
type WorkflowService struct {
	store    repository.Store
	registry *domain.Registry
	machine  *domain.StateMachine
	issuer   NumberIssuer
	notifier NotificationDispatcher
	log      *logger.Logger
	linkBase string
	now      func() time.Time
	newID    func() string
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	store repository.Store,
	registry *domain.Registry,
	issuer NumberIssuer,
	notifier NotificationDispatcher,
	log *logger.Logger,
	linkBase string,
) *WorkflowService {
	if log == nil {
		log = logger.Nop()
	}
	return &WorkflowService{
		store:    store,
		registry: registry,
		machine:  domain.NewStateMachine(registry),
		issuer:   issuer,
		notifier: notifier,
		log:      log.Component("workflow"),
		linkBase: strings.TrimRight(linkBase, "/"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// ── Create ────────────────────────────────────────────────────────────────────

// Create validates the input, builds the approval flow, issues a number and
// writes the document with its first history entry and version snapshot.
func (s *WorkflowService) Create(ctx context.Context, in CreateInput) (*ActionResult, error) {
	policy, err := s.registry.Get(in.Type)
	if err != nil {
		return nil, err
	}
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.OwnerID == "" {
		return nil, errors.InvalidInput("ownerId", "owner is required")
	}
	if err := validateContent(policy, in.Amount, in.Items); err != nil {
		return nil, err
	}
	if policy.IsAmendment() && in.TargetID == "" {
		return nil, errors.InvalidInput("targetId", "amendments must name the document they amend")
	}
	if !policy.IsAmendment() && in.TargetID != "" {
		return nil, errors.InvalidInput("targetId", fmt.Sprintf("%s documents cannot target another document", policy.Type))
	}

	approvers := make([]string, 0, len(in.Approvers))
	for _, a := range in.Approvers {
		approvers = append(approvers, strings.TrimSpace(a))
	}
	flow, err := domain.InitFlow(policy.Approval, approvers, in.OwnerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	doc := &domain.Document{
		ID:            s.newID(),
		Type:          policy.Type,
		Status:        policy.Initial,
		OwnerID:       in.OwnerID,
		Title:         strings.TrimSpace(in.Title),
		Amount:        in.Amount,
		EffectiveDate: in.EffectiveDate,
		TargetID:      in.TargetID,
		Payload:       in.Payload,
		Items:         in.Items,
		Flow:          flow,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if policy.Ledger != nil {
		doc.LedgerSubject = firstNonEmpty(in.LedgerSubject, in.OwnerID)
		doc.LedgerPeriod = firstNonEmpty(in.LedgerPeriod, defaultPeriod(in.EffectiveDate, now))
	}

	// Numbers are issued outside the create transaction: a failed create
	// leaves a gap in the sequence rather than holding the counter row.
	num, err := s.issuer.Next(ctx, sequence.Scope(policy.Numbering, now))
	if err != nil {
		return nil, err
	}
	doc.Number = sequence.Format(policy.Numbering, now, num)

	res := &ActionResult{}
	if num.Degraded {
		res.Warnings = append(res.Warnings, "document number issued in degraded mode")
	}

	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if policy.IsAmendment() {
			if err := s.checkAmendmentTarget(ctx, tx, policy, doc); err != nil {
				return err
			}
		}
		if err := tx.Documents().Create(ctx, doc); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, doc, in.OwnerID, domain.ActionCreate, "", doc.Status, "", map[string]any{
			"number": doc.Number,
		}); err != nil {
			return err
		}
		return tx.Versions().Append(ctx, domain.NewSnapshot(doc, "", in.OwnerID, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("document_id", doc.ID).
		Str("type", string(doc.Type)).
		Str("number", doc.Number).
		Bool("degraded_number", num.Degraded).
		Msg("Document created")

	res.Document = doc
	return res, nil
}

// UpdateDraft replaces title, amount, payload or items of a document still in
// its initial status and records a new version snapshot.
func (s *WorkflowService) UpdateDraft(ctx context.Context, in UpdateDraftInput) (*ActionResult, error) {
	return s.mutate(ctx, in.ActionInput, func(tx repository.Tx, doc *domain.Document, p *domain.ResourcePolicy, res *ActionResult) error {
		if err := requireOwner(doc, in.ActorID, "edit"); err != nil {
			return err
		}
		if doc.Status != p.Initial {
			return errors.InvalidTransition(string(doc.Type), string(doc.Status), string(doc.Status),
				"only documents in "+string(p.Initial)+" can be edited")
		}

		if in.Title != nil {
			doc.Title = strings.TrimSpace(*in.Title)
		}
		if in.Amount != nil {
			doc.Amount = *in.Amount
		}
		if in.EffectiveDate != nil {
			doc.EffectiveDate = in.EffectiveDate
		}
		if in.Payload != nil {
			doc.Payload = in.Payload
		}
		if in.Items != nil {
			doc.Items = in.Items
		}
		if err := validateContent(p, doc.Amount, doc.Items); err != nil {
			return err
		}

		now := s.now()
		doc.UpdatedAt = now
		if err := tx.Documents().Update(ctx, doc); err != nil {
			return err
		}
		snap := domain.NewSnapshot(doc, "", in.ActorID, now)
		if err := tx.Versions().Append(ctx, snap); err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, doc, in.ActorID, domain.ActionVersionRecorded, doc.Status, doc.Status, in.Remarks, map[string]any{
			"version": snap.Version,
		})
	})
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit moves a draft into approval and applies the submit ledger operation.
func (s *WorkflowService) Submit(ctx context.Context, in ActionInput) (*ActionResult, error) {
	return s.mutate(ctx, in, func(tx repository.Tx, doc *domain.Document, p *domain.ResourcePolicy, res *ActionResult) error {
		if err := requireOwner(doc, in.ActorID, "submit"); err != nil {
			return err
		}
		from, to := doc.Status, p.Statuses.Submitted
		if err := s.machine.Require(doc.Type, from, to); err != nil {
			return err
		}
		if p.IsAmendment() {
			// The target may have moved on (e.g. closed) since the amendment was drafted.
			if err := s.checkAmendmentTarget(ctx, tx, p, doc); err != nil {
				return err
			}
		}

		if err := s.applyLedger(ctx, tx, p, doc, ledgerOp(p, func(b *domain.LedgerBinding) domain.LedgerOp { return b.OnSubmit }), in, res); err != nil {
			return err
		}

		doc.Status = to
		if err := s.save(ctx, tx, doc); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, doc, in.ActorID, domain.ActionSubmit, from, to, in.Remarks, nil); err != nil {
			return err
		}

		for _, approver := range doc.Flow.PendingApprovers() {
			res.Notifications = append(res.Notifications, s.notification(doc, p, approver, domain.NotifyApprovalRequired,
				fmt.Sprintf("%s %s needs your approval", p.Label, doc.Number),
				fmt.Sprintf("%s submitted %s for approval.", doc.OwnerID, doc.Number)))
		}
		return nil
	})
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve records one approval. Only the approval that completes the flow
// moves the document to its approved status and fires completion effects.
func (s *WorkflowService) Approve(ctx context.Context, in ActionInput) (*ActionResult, error) {
	return s.mutate(ctx, in, func(tx repository.Tx, doc *domain.Document, p *domain.ResourcePolicy, res *ActionResult) error {
		if err := domain.PreventSelfApproval(in.ActorID, doc.OwnerID); err != nil {
			return err
		}

		from := doc.Status
		completes := len(doc.Flow.Approvals)+1 >= doc.Flow.RequiredApprovalCount
		to := p.Statuses.PartiallyApproved
		if completes {
			to = p.Statuses.Approved
		}
		if err := s.requireAwaitingApproval(doc, p, to); err != nil {
			return err
		}

		flow, completed, err := domain.RecordApproval(doc.Flow, in.ActorID, s.now())
		if err != nil {
			return err
		}
		doc.Flow = flow
		doc.Status = to

		action := domain.ActionPartialApprove
		if completed {
			action = domain.ActionApprove
			if err := s.applyLedger(ctx, tx, p, doc, ledgerOp(p, func(b *domain.LedgerBinding) domain.LedgerOp { return b.OnApprove }), in, res); err != nil {
				return err
			}
		}

		if err := s.save(ctx, tx, doc); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, doc, in.ActorID, action, from, to, in.Remarks, map[string]any{
			"step":     len(flow.Approvals),
			"required": flow.RequiredApprovalCount,
		}); err != nil {
			return err
		}

		if !completed {
			res.Notifications = append(res.Notifications, s.notification(doc, p, doc.OwnerID, domain.NotifyApprovalProgress,
				fmt.Sprintf("%s %s partially approved", p.Label, doc.Number),
				fmt.Sprintf("%s approved (%d of %d).", in.ActorID, len(flow.Approvals), flow.RequiredApprovalCount)))
			return nil
		}

		if p.IsAmendment() {
			if err := s.applyAmendment(ctx, tx, doc, in.ActorID, res); err != nil {
				return err
			}
		}
		res.Notifications = append(res.Notifications, s.notification(doc, p, doc.OwnerID, domain.NotifyApproved,
			fmt.Sprintf("%s %s approved", p.Label, doc.Number),
			fmt.Sprintf("%s was approved by %s.", doc.Number, in.ActorID)))
		return nil
	})
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject ends the flow. A reason is required.
func (s *WorkflowService) Reject(ctx context.Context, in ActionInput) (*ActionResult, error) {
	return s.mutate(ctx, in, func(tx repository.Tx, doc *domain.Document, p *domain.ResourcePolicy, res *ActionResult) error {
		if err := domain.PreventSelfApproval(in.ActorID, doc.OwnerID); err != nil {
			return err
		}
		if strings.TrimSpace(in.Remarks) == "" {
			return errors.InvalidInput("reason", "rejection reason is required")
		}

		from, to := doc.Status, p.Statuses.Rejected
		if err := s.requireAwaitingApproval(doc, p, to); err != nil {
			return err
		}
		if !doc.Flow.IsRequiredApprover(in.ActorID) {
			return errors.Newf(errors.ErrCodeUnauthorizedApprover, "%s is not an approver for this document", in.ActorID)
		}
		if doc.Flow.HasApproved(in.ActorID) {
			return errors.Newf(errors.ErrCodeDuplicateApproval, "%s has already approved this document", in.ActorID)
		}

		if err := s.applyLedger(ctx, tx, p, doc, ledgerOp(p, func(b *domain.LedgerBinding) domain.LedgerOp { return b.OnReject }), in, res); err != nil {
			return err
		}

		doc.Status = to
		if err := s.save(ctx, tx, doc); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, doc, in.ActorID, domain.ActionReject, from, to, in.Remarks, nil); err != nil {
			return err
		}

		res.Notifications = append(res.Notifications, s.notification(doc, p, doc.OwnerID, domain.NotifyRejected,
			fmt.Sprintf("%s %s rejected", p.Label, doc.Number),
			fmt.Sprintf("%s rejected %s: %s", in.ActorID, doc.Number, in.Remarks)))
		return nil
	})
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws a document. Cancelling an approved document is a
// compensating action and is only allowed before its effective date.
func (s *WorkflowService) Cancel(ctx context.Context, in ActionInput) (*ActionResult, error) {
	return s.mutate(ctx, in, func(tx repository.Tx, doc *domain.Document, p *domain.ResourcePolicy, res *ActionResult) error {
		if err := requireOwner(doc, in.ActorID, "cancel"); err != nil {
			return err
		}

		from, to := doc.Status, p.Statuses.Cancelled
		if err := s.machine.Require(doc.Type, from, to); err != nil {
			return err
		}

		var op domain.LedgerOp
		switch from {
		case p.Statuses.Approved:
			if doc.EffectiveDate != nil && !s.now().Before(*doc.EffectiveDate) {
				return errors.InvalidTransition(string(doc.Type), string(from), string(to),
					"effective date "+doc.EffectiveDate.Format(time.DateOnly)+" has passed")
			}
			op = ledgerOp(p, func(b *domain.LedgerBinding) domain.LedgerOp { return b.OnCancelApproved })
		case p.Statuses.Submitted, p.Statuses.PartiallyApproved:
			op = ledgerOp(p, func(b *domain.LedgerBinding) domain.LedgerOp { return b.OnCancel })
		}
		if err := s.applyLedger(ctx, tx, p, doc, op, in, res); err != nil {
			return err
		}

		pending := doc.Flow.PendingApprovers()
		doc.Status = to
		if err := s.save(ctx, tx, doc); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, doc, in.ActorID, domain.ActionCancel, from, to, in.Remarks, nil); err != nil {
			return err
		}

		recipients := pending
		if from == p.Statuses.Approved {
			for _, a := range doc.Flow.Approvals {
				recipients = append(recipients, a.ApproverID)
			}
		}
		if from == p.Initial {
			recipients = nil
		}
		for _, r := range recipients {
			res.Notifications = append(res.Notifications, s.notification(doc, p, r, domain.NotifyCancelled,
				fmt.Sprintf("%s %s cancelled", p.Label, doc.Number),
				fmt.Sprintf("%s cancelled %s.", doc.OwnerID, doc.Number)))
		}
		return nil
	})
}

// ── Advance ───────────────────────────────────────────────────────────────────

// Advance moves a document along an edge outside the approval flow, such as
// a purchase order going from APPROVED to ISSUED.
func (s *WorkflowService) Advance(ctx context.Context, in AdvanceInput) (*ActionResult, error) {
	return s.mutate(ctx, in.ActionInput, func(tx repository.Tx, doc *domain.Document, p *domain.ResourcePolicy, res *ActionResult) error {
		if err := requireOwner(doc, in.ActorID, "advance"); err != nil {
			return err
		}
		from, to := doc.Status, in.To
		if !p.IsManualTarget(to) {
			return errors.InvalidTransition(string(doc.Type), string(from), string(to), "not a manual transition")
		}
		if err := s.machine.Require(doc.Type, from, to); err != nil {
			return err
		}

		doc.Status = to
		if err := s.save(ctx, tx, doc); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, doc, in.ActorID, domain.ActionAdvance, from, to, in.Remarks, nil); err != nil {
			return err
		}

		for _, a := range doc.Flow.Approvals {
			res.Notifications = append(res.Notifications, s.notification(doc, p, a.ApproverID, domain.NotifyStatusChanged,
				fmt.Sprintf("%s %s is now %s", p.Label, doc.Number, to),
				fmt.Sprintf("%s moved %s from %s to %s.", in.ActorID, doc.Number, from, to)))
		}
		return nil
	})
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns a document.
func (s *WorkflowService) Get(ctx context.Context, id string) (*domain.Document, error) {
	var doc *domain.Document
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		doc, err = tx.Documents().Get(ctx, id)
		return err
	})
	return doc, err
}

// List returns documents matching filter.
func (s *WorkflowService) List(ctx context.Context, filter repository.DocumentFilter) ([]*domain.Document, int64, error) {
	var (
		docs  []*domain.Document
		total int64
	)
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		docs, total, err = tx.Documents().List(ctx, filter)
		return err
	})
	return docs, total, err
}

// History returns the approval history of a document, oldest first.
func (s *WorkflowService) History(ctx context.Context, id string) ([]*domain.HistoryEntry, error) {
	var entries []*domain.HistoryEntry
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if _, err := tx.Documents().Get(ctx, id); err != nil {
			return err
		}
		var err error
		entries, err = tx.History().ListByDocument(ctx, id)
		return err
	})
	return entries, err
}

// PendingFor returns documents awaiting action from approverID. Status,
// ownership and prior approvals are filtered in the store so paging counts
// only actionable documents.
func (s *WorkflowService) PendingFor(ctx context.Context, approverID string, limit, offset int) ([]*domain.Document, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approverId", "approver is required")
	}
	docs, _, err := s.List(ctx, repository.DocumentFilter{
		Statuses:   s.awaitingStatuses(),
		NotOwnerID: approverID,
		ApproverID: approverID,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Document, 0, len(docs))
	for _, doc := range docs {
		p, err := s.registry.Get(doc.Type)
		if err != nil {
			continue
		}
		// Only matters for policies that reuse another type's awaiting status name.
		if doc.Status == p.Statuses.Submitted || doc.Status == p.Statuses.PartiallyApproved {
			out = append(out, doc)
		}
	}
	return out, nil
}

// awaitingStatuses collects every policy's submitted and partially approved
// status names.
func (s *WorkflowService) awaitingStatuses() []domain.Status {
	var out []domain.Status
	for _, t := range s.registry.Types() {
		p, err := s.registry.Get(t)
		if err != nil {
			continue
		}
		for _, st := range []domain.Status{p.Statuses.Submitted, p.Statuses.PartiallyApproved} {
			if st != "" && !slices.Contains(out, st) {
				out = append(out, st)
			}
		}
	}
	return out
}

// ── Internal helpers ──────────────────────────────────────────────────────────

type mutation func(tx repository.Tx, doc *domain.Document, p *domain.ResourcePolicy, res *ActionResult) error

// mutate loads the document inside a transaction, runs fn and dispatches the
// collected notifications once the transaction has committed.
func (s *WorkflowService) mutate(ctx context.Context, in ActionInput, fn mutation) (*ActionResult, error) {
	if strings.TrimSpace(in.ActorID) == "" {
		return nil, errors.InvalidInput("actorId", "actor is required")
	}
	if in.DocumentID == "" {
		return nil, errors.InvalidInput("documentId", "document id is required")
	}

	var res *ActionResult
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		res = &ActionResult{}
		doc, err := tx.Documents().Get(ctx, in.DocumentID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != 0 && doc.Version != in.ExpectedVersion {
			return errors.Conflict(fmt.Sprintf("document %s is at version %d, expected %d", doc.ID, doc.Version, in.ExpectedVersion))
		}
		p, err := s.registry.Get(doc.Type)
		if err != nil {
			return err
		}
		if err := fn(tx, doc, p, res); err != nil {
			return err
		}
		res.Document = doc
		return nil
	})
	if err != nil {
		if errors.IsRetryable(err) {
			s.log.Debug().Err(err).Str("document_id", in.DocumentID).Msg("Workflow action lost a concurrent update")
		}
		return nil, err
	}

	s.log.Info().
		Str("document_id", res.Document.ID).
		Str("number", res.Document.Number).
		Str("status", string(res.Document.Status)).
		Str("actor_id", in.ActorID).
		Msg("Workflow action committed")

	s.dispatch(ctx, res.Notifications)
	return res, nil
}

func (s *WorkflowService) requireAwaitingApproval(doc *domain.Document, p *domain.ResourcePolicy, to domain.Status) error {
	if doc.Status != p.Statuses.Submitted && doc.Status != p.Statuses.PartiallyApproved {
		return errors.InvalidTransition(string(doc.Type), string(doc.Status), string(to), "document is not awaiting approval")
	}
	if doc.Status == to {
		return nil
	}
	return s.machine.Require(doc.Type, doc.Status, to)
}

func (s *WorkflowService) save(ctx context.Context, tx repository.Tx, doc *domain.Document) error {
	doc.UpdatedAt = s.now()
	return tx.Documents().Update(ctx, doc)
}

// applyLedger runs op against the document's ledger account and journals it.
// Grants open the account on first use; every other operation needs an
// existing account.
func (s *WorkflowService) applyLedger(
	ctx context.Context,
	tx repository.Tx,
	p *domain.ResourcePolicy,
	doc *domain.Document,
	op domain.LedgerOp,
	in ActionInput,
	res *ActionResult,
) error {
	if p.Ledger == nil || op == domain.OpNone || doc.Amount.IsZero() {
		return nil
	}

	now := s.now()
	key := doc.LedgerKey(p.Ledger.ResourceType)
	acct, err := tx.Ledgers().GetForUpdate(ctx, key)
	if errors.Is(err, errors.ErrCodeNotFound) && op == domain.OpGrant {
		acct, err = domain.NewLedgerAccount(key, decimal.Zero, decimal.Zero)
		if err != nil {
			return err
		}
		acct.CreatedAt = now
		if err := tx.Ledgers().Create(ctx, acct); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if err := acct.Apply(op, doc.Amount, p.Ledger.AllowOverdraft); err != nil {
		return err
	}
	if op == domain.OpReserve && acct.Overdrawn() {
		warning := fmt.Sprintf("%s overdrawn: available %s", key, acct.Available)
		res.Warnings = append(res.Warnings, warning)
		s.log.Warn().
			Str("document_id", doc.ID).
			Str("ledger", key.String()).
			Str("available", acct.Available.String()).
			Msg("Ledger overdraft accepted by policy")
	}

	acct.UpdatedAt = now
	if err := tx.Ledgers().Save(ctx, acct); err != nil {
		return err
	}
	return tx.Ledgers().AppendEntry(ctx, &domain.LedgerEntry{
		ID:             s.newID(),
		Key:            key,
		Op:             op,
		Amount:         doc.Amount,
		DocumentID:     doc.ID,
		ActorID:        in.ActorID,
		Remarks:        in.Remarks,
		AvailableAfter: acct.Available,
		At:             now,
	})
}

// checkAmendmentTarget verifies the amended document exists, has the right
// type, is approved (or past approval) and has no other open amendment.
func (s *WorkflowService) checkAmendmentTarget(ctx context.Context, tx repository.Tx, p *domain.ResourcePolicy, amendment *domain.Document) error {
	target, err := tx.Documents().Get(ctx, amendment.TargetID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return errors.InvalidInput("targetId", fmt.Sprintf("document %s does not exist", amendment.TargetID))
	}
	if err != nil {
		return err
	}
	if target.Type != p.AmendmentTarget {
		return errors.InvalidInput("targetId", fmt.Sprintf("%s can only amend %s documents", p.Type, p.AmendmentTarget))
	}
	tp, err := s.registry.Get(target.Type)
	if err != nil {
		return err
	}
	if err := requireAmendable(tp, target); err != nil {
		return err
	}

	open, _, err := tx.Documents().List(ctx, repository.DocumentFilter{TargetID: target.ID, Type: p.Type, Limit: 1000})
	if err != nil {
		return err
	}
	for _, other := range open {
		if other.ID == amendment.ID || p.IsTerminal(other.Status) || other.Status == p.Statuses.Approved {
			continue
		}
		return errors.Conflict(fmt.Sprintf("%s already has an open amendment %s", target.Number, other.Number))
	}
	return nil
}

// requireAmendable accepts approved targets and targets sitting in a
// non-terminal manual status (for example an issued purchase order).
func requireAmendable(tp *domain.ResourcePolicy, target *domain.Document) error {
	if target.Status == tp.Statuses.Approved || (tp.IsManualTarget(target.Status) && !tp.IsTerminal(target.Status)) {
		return nil
	}
	return errors.InvalidTransition(string(target.Type), string(target.Status), string(target.Status),
		"only approved documents can be amended")
}

// applyAmendment overwrites the target's payload fields and items with the
// amendment's proposal, snapshots the result and records the classification.
func (s *WorkflowService) applyAmendment(ctx context.Context, tx repository.Tx, amendment *domain.Document, actorID string, res *ActionResult) error {
	target, err := tx.Documents().Get(ctx, amendment.TargetID)
	if err != nil {
		return err
	}
	tp, err := s.registry.Get(target.Type)
	if err != nil {
		return err
	}
	// The target may have been cancelled or closed since the amendment was submitted.
	if err := requireAmendable(tp, target); err != nil {
		return err
	}

	now := s.now()
	before := domain.NewSnapshot(target, "", actorID, now)

	domain.MergeAmendment(target, amendment)

	after := domain.NewSnapshot(target, amendment.ID, actorID, now)
	changes := domain.Diff(before, after, tp.TrackedFields)
	class := domain.Classify(changes)
	res.Classification = class

	if err := s.save(ctx, tx, target); err != nil {
		return err
	}
	if err := tx.Versions().Append(ctx, after); err != nil {
		return err
	}

	meta := map[string]any{
		"amendmentId":     amendment.ID,
		"amendmentNumber": amendment.Number,
		"classification":  string(class),
		"changes":         len(changes),
		"version":         after.Version,
	}
	if err := s.appendHistory(ctx, tx, target, actorID, domain.ActionAmendmentApply, target.Status, target.Status, "", meta); err != nil {
		return err
	}
	if err := s.appendHistory(ctx, tx, amendment, actorID, domain.ActionAmendmentApply, amendment.Status, amendment.Status, "", meta); err != nil {
		return err
	}

	s.log.Info().
		Str("amendment_id", amendment.ID).
		Str("target_id", target.ID).
		Str("classification", string(class)).
		Int("version", after.Version).
		Msg("Amendment applied")

	if target.OwnerID != amendment.OwnerID {
		res.Notifications = append(res.Notifications, s.notification(target, tp, target.OwnerID, domain.NotifyAmended,
			fmt.Sprintf("%s %s amended", tp.Label, target.Number),
			fmt.Sprintf("%s (%s) was applied to %s.", amendment.Number, class, target.Number)))
	}
	return nil
}

func (s *WorkflowService) appendHistory(
	ctx context.Context,
	tx repository.Tx,
	doc *domain.Document,
	actorID string,
	action domain.Action,
	from, to domain.Status,
	remarks string,
	metadata map[string]any,
) error {
	return tx.History().Append(ctx, &domain.HistoryEntry{
		ID:         s.newID(),
		DocumentID: doc.ID,
		ActorID:    actorID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Remarks:    remarks,
		Metadata:   metadata,
		At:         s.now(),
	})
}

func (s *WorkflowService) notification(doc *domain.Document, p *domain.ResourcePolicy, recipient, category, title, message string) domain.NotificationRequest {
	return domain.NotificationRequest{
		RecipientID: recipient,
		Category:    category,
		Title:       title,
		Message:     message,
		LinkURL:     fmt.Sprintf("%s/%s/%s", s.linkBase, p.Type, doc.ID),
	}
}

// dispatch hands notifications off and logs a warning on failure (never returns error).
func (s *WorkflowService) dispatch(ctx context.Context, reqs []domain.NotificationRequest) {
	if s.notifier == nil || len(reqs) == 0 {
		return
	}
	if err := s.notifier.Dispatch(ctx, reqs); err != nil {
		s.log.Warn().Err(err).
			Int("notifications", len(reqs)).
			Msg("Failed to dispatch notifications")
	}
}

func requireOwner(doc *domain.Document, actorID, action string) error {
	if doc.OwnerID != actorID {
		return errors.Newf(errors.ErrCodeUnauthorizedApprover, "only the owner may %s %s", action, doc.Number)
	}
	return nil
}

func validateContent(p *domain.ResourcePolicy, amount decimal.Decimal, items []domain.LineItem) error {
	if amount.IsNegative() {
		return errors.InvalidInput("amount", "must not be negative")
	}
	if err := domain.CheckScale("amount", amount); err != nil {
		return err
	}
	if p.Ledger != nil && !amount.IsPositive() {
		return errors.InvalidInput("amount", fmt.Sprintf("%s requests must have a positive amount", p.Type))
	}
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		field := "items[" + strconv.Itoa(i) + "]"
		if strings.TrimSpace(it.ID) == "" {
			return errors.InvalidInput(field+".id", "item id is required")
		}
		if seen[it.ID] {
			return errors.InvalidInput(field+".id", fmt.Sprintf("duplicate item id %q", it.ID))
		}
		seen[it.ID] = true
		if it.Quantity.IsNegative() {
			return errors.InvalidInput(field+".quantity", "must not be negative")
		}
		if it.UnitPrice.IsNegative() {
			return errors.InvalidInput(field+".unitPrice", "must not be negative")
		}
	}
	return nil
}

func ledgerOp(p *domain.ResourcePolicy, pick func(*domain.LedgerBinding) domain.LedgerOp) domain.LedgerOp {
	if p.Ledger == nil {
		return domain.OpNone
	}
	return pick(p.Ledger)
}

func defaultPeriod(effective *time.Time, now time.Time) string {
	if effective != nil {
		return strconv.Itoa(effective.Year())
	}
	return strconv.Itoa(now.Year())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
