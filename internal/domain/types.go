// Package domain holds the workflow core: resource policies, the status state
// machine, approval flows, ledger accounts and version diffing. Nothing here
// performs I/O; the service layer composes these pieces inside a store
// transaction.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResourceType identifies a kind of workflow document.
type ResourceType string

const (
	ResourceLeave               ResourceType = "leave"
	ResourceOnDuty              ResourceType = "on_duty"
	ResourcePurchaseRequisition ResourceType = "purchase_requisition"
	ResourcePurchaseOrder       ResourceType = "purchase_order"
	ResourcePOAmendment         ResourceType = "po_amendment"
)

// Status is a document status. Valid values depend on the resource type.
type Status string

// Action names recorded in the approval history.
type Action string

const (
	ActionCreate          Action = "created"
	ActionSubmit          Action = "submitted"
	ActionApprove         Action = "approved"
	ActionPartialApprove  Action = "partially_approved"
	ActionReject          Action = "rejected"
	ActionCancel          Action = "cancelled"
	ActionAdvance         Action = "advanced"
	ActionAmendmentApply  Action = "amendment_applied"
	ActionLedgerAdjusted  Action = "ledger_adjusted"
	ActionVersionRecorded Action = "version_recorded"
)

// LineItem is a child item of a document (requisition or order line).
type LineItem struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// Document is a business record moving through a status lifecycle.
type Document struct {
	ID            string          `json:"id"`
	Type          ResourceType    `json:"type"`
	Number        string          `json:"number"`
	Status        Status          `json:"status"`
	OwnerID       string          `json:"ownerId"`
	Title         string          `json:"title"`
	Amount        decimal.Decimal `json:"amount"`
	LedgerSubject string          `json:"ledgerSubject,omitempty"`
	LedgerPeriod  string          `json:"ledgerPeriod,omitempty"`
	EffectiveDate *time.Time      `json:"effectiveDate,omitempty"`
	TargetID      string          `json:"targetId,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	Items         []LineItem      `json:"items,omitempty"`
	Flow          ApprovalFlow    `json:"flow"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	if d.EffectiveDate != nil {
		t := *d.EffectiveDate
		cp.EffectiveDate = &t
	}
	cp.Payload = clonePayload(d.Payload)
	if d.Items != nil {
		cp.Items = append([]LineItem(nil), d.Items...)
	}
	cp.Flow = d.Flow.clone()
	return &cp
}

// LedgerKey returns the ledger scope the document draws on for the given
// ledger resource type.
func (d *Document) LedgerKey(resourceType string) LedgerKey {
	return LedgerKey{Subject: d.LedgerSubject, ResourceType: resourceType, Period: d.LedgerPeriod}
}

// HistoryEntry is one immutable record in a document's approval history.
type HistoryEntry struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	ActorID    string         `json:"actorId"`
	Action     Action         `json:"action"`
	FromStatus Status         `json:"fromStatus,omitempty"`
	ToStatus   Status         `json:"toStatus,omitempty"`
	Remarks    string         `json:"remarks,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	At         time.Time      `json:"at"`
}

// Notification categories carried in NotificationRequest.Category.
const (
	NotifyApprovalRequired = "approval_required"
	NotifyApprovalProgress = "approval_progress"
	NotifyApproved         = "approved"
	NotifyRejected         = "rejected"
	NotifyCancelled        = "cancelled"
	NotifyAmended          = "amended"
	NotifyStatusChanged    = "status_changed"
)

// NotificationRequest is handed to an external dispatcher; the core never
// delivers notifications itself.
type NotificationRequest struct {
	RecipientID string `json:"recipientId"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	LinkURL     string `json:"linkUrl"`
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// MergeAmendment overlays an amendment's proposal onto target: payload keys
// are overwritten, items replaced when the amendment lists any, and amount
// replaced when non-zero.
func MergeAmendment(target, amendment *Document) {
	if target.Payload == nil {
		target.Payload = map[string]any{}
	}
	for k, v := range amendment.Payload {
		target.Payload[k] = cloneValue(v)
	}
	if len(amendment.Items) > 0 {
		target.Items = append([]LineItem(nil), amendment.Items...)
	}
	if !amendment.Amount.IsZero() {
		target.Amount = amendment.Amount
	}
}
