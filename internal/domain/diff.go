package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeCategory groups a field change for amendment classification.
type ChangeCategory string

const (
	CategoryFinancial ChangeCategory = "FINANCIAL"
	CategorySchedule  ChangeCategory = "SCHEDULE"
	CategoryTerms     ChangeCategory = "TERMS"
	CategoryScope     ChangeCategory = "SCOPE"
	CategoryGeneral   ChangeCategory = "GENERAL"
)

func (c ChangeCategory) valid() bool {
	switch c {
	case CategoryFinancial, CategorySchedule, CategoryTerms, CategoryScope, CategoryGeneral:
		return true
	}
	return false
}

// AmendmentClass summarises a set of changes.
type AmendmentClass string

const (
	ClassQuantityChange AmendmentClass = "QUANTITY_CHANGE"
	ClassPriceChange    AmendmentClass = "PRICE_CHANGE"
	ClassDeliveryChange AmendmentClass = "DELIVERY_CHANGE"
	ClassTermsChange    AmendmentClass = "TERMS_CHANGE"
	ClassGeneral        AmendmentClass = "GENERAL"
)

// Item-level field names used in changes.
const (
	FieldQuantity  = "quantity"
	FieldUnitPrice = "unitPrice"
	FieldItem      = "item"
)

// VersionSnapshot is an immutable capture of a document's content.
type VersionSnapshot struct {
	DocumentID  string         `json:"documentId"`
	Version     int            `json:"version"`
	Status      Status         `json:"status"`
	Payload     map[string]any `json:"payload"`
	Items       []LineItem     `json:"items"`
	AmendmentID string         `json:"amendmentId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CreatedBy   string         `json:"createdBy"`
}

// NewSnapshot captures the document's current content. The version number is
// assigned by the store.
func NewSnapshot(doc *Document, amendmentID, actorID string, at time.Time) *VersionSnapshot {
	cp := doc.Clone()
	items := cp.Items
	if items == nil {
		items = []LineItem{}
	}
	payload := cp.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &VersionSnapshot{
		DocumentID:  doc.ID,
		Status:      doc.Status,
		Payload:     payload,
		Items:       items,
		AmendmentID: amendmentID,
		CreatedAt:   at,
		CreatedBy:   actorID,
	}
}

// Change is one field-level difference between two snapshots.
type Change struct {
	Field      string         `json:"field"`
	ItemID     string         `json:"itemId,omitempty"`
	OldValue   any            `json:"oldValue"`
	NewValue   any            `json:"newValue"`
	OldDisplay string         `json:"oldDisplay"`
	NewDisplay string         `json:"newDisplay"`
	Category   ChangeCategory `json:"category"`
}

// Diff compares the tracked top-level fields in declaration order, then the
// items of to in order followed by items only present in from. Untracked
// payload fields are ignored.
func Diff(from, to *VersionSnapshot, tracked []TrackedField) []Change {
	var changes []Change

	for _, f := range tracked {
		oldV, newV := from.Payload[f.Name], to.Payload[f.Name]
		if structurallyEqual(oldV, newV) {
			continue
		}
		changes = append(changes, newChange(f.Name, "", oldV, newV, f.Category))
	}

	before := make(map[string]LineItem, len(from.Items))
	for _, it := range from.Items {
		before[it.ID] = it
	}
	seen := make(map[string]bool, len(to.Items))
	for _, it := range to.Items {
		seen[it.ID] = true
		prev, ok := before[it.ID]
		if !ok {
			changes = append(changes, newChange(FieldItem, it.ID, nil, it, CategoryScope))
			continue
		}
		if !prev.Quantity.Equal(it.Quantity) {
			changes = append(changes, newChange(FieldQuantity, it.ID, prev.Quantity, it.Quantity, CategoryScope))
		}
		if !prev.UnitPrice.Equal(it.UnitPrice) {
			changes = append(changes, newChange(FieldUnitPrice, it.ID, prev.UnitPrice, it.UnitPrice, CategoryFinancial))
		}
	}
	for _, it := range from.Items {
		if !seen[it.ID] {
			changes = append(changes, newChange(FieldItem, it.ID, it, nil, CategoryScope))
		}
	}
	return changes
}

// Classify picks the amendment class by priority: quantity, price,
// delivery, terms, general.
func Classify(changes []Change) AmendmentClass {
	has := map[ChangeCategory]bool{}
	for _, c := range changes {
		has[c.Category] = true
	}
	switch {
	case has[CategoryScope]:
		return ClassQuantityChange
	case has[CategoryFinancial]:
		return ClassPriceChange
	case has[CategorySchedule]:
		return ClassDeliveryChange
	case has[CategoryTerms]:
		return ClassTermsChange
	default:
		return ClassGeneral
	}
}

func newChange(field, itemID string, oldV, newV any, cat ChangeCategory) Change {
	return Change{
		Field:      field,
		ItemID:     itemID,
		OldValue:   oldV,
		NewValue:   newV,
		OldDisplay: display(oldV),
		NewDisplay: display(newV),
		Category:   cat,
	}
}

// structurallyEqual compares by canonical JSON so that 59000 (int) and
// 59000.0 (float64 decoded from the store) are the same value.
func structurallyEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return bytes.Equal(ja, jb)
}

func display(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case decimal.Decimal:
		return t.String()
	case json.Number:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	case LineItem:
		return fmt.Sprintf("%s x %s @ %s", t.ID, t.Quantity, t.UnitPrice)
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
