package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poTracked(t *testing.T) []TrackedField {
	t.Helper()
	p, err := DefaultRegistry().Get(ResourcePurchaseOrder)
	require.NoError(t, err)
	return p.TrackedFields
}

func item(id string, qty, price int64) LineItem {
	return LineItem{ID: id, Quantity: decimal.NewFromInt(qty), UnitPrice: decimal.NewFromInt(price)}
}

func TestDiffQuantityAndTotal(t *testing.T) {
	v1 := &VersionSnapshot{Version: 1, Payload: map[string]any{"grandTotal": 59000}, Items: []LineItem{item("i1", 10, 500)}}
	v2 := &VersionSnapshot{Version: 2, Payload: map[string]any{"grandTotal": 70800}, Items: []LineItem{item("i1", 12, 500)}}

	changes := Diff(v1, v2, poTracked(t))
	require.Len(t, changes, 2)

	assert.Equal(t, "grandTotal", changes[0].Field)
	assert.Equal(t, CategoryFinancial, changes[0].Category)
	assert.Equal(t, "59000", changes[0].OldDisplay)
	assert.Equal(t, "70800", changes[0].NewDisplay)

	assert.Equal(t, FieldQuantity, changes[1].Field)
	assert.Equal(t, "i1", changes[1].ItemID)
	assert.Equal(t, CategoryScope, changes[1].Category)
	assert.Equal(t, "10", changes[1].OldDisplay)
	assert.Equal(t, "12", changes[1].NewDisplay)

	assert.Equal(t, ClassQuantityChange, Classify(changes))
}

func TestDiffStructuralEquality(t *testing.T) {
	v1 := &VersionSnapshot{Payload: map[string]any{
		"grandTotal":      59000,
		"deliveryAddress": map[string]any{"city": "Pune", "pin": "411001"},
	}}
	v2 := &VersionSnapshot{Payload: map[string]any{
		"grandTotal":      float64(59000),
		"deliveryAddress": map[string]any{"pin": "411001", "city": "Pune"},
	}}
	assert.Empty(t, Diff(v1, v2, poTracked(t)))
}

func TestDiffIgnoresUntrackedFields(t *testing.T) {
	v1 := &VersionSnapshot{Payload: map[string]any{"internalRef": "a", "notes": "x"}}
	v2 := &VersionSnapshot{Payload: map[string]any{"internalRef": "b", "notes": "x"}}
	assert.Empty(t, Diff(v1, v2, poTracked(t)))
}

func TestDiffOrdering(t *testing.T) {
	v1 := &VersionSnapshot{
		Payload: map[string]any{"notes": "a", "grandTotal": 1, "paymentTerms": "NET30"},
		Items:   []LineItem{item("i1", 1, 10), item("i2", 1, 10), item("i3", 1, 10)},
	}
	v2 := &VersionSnapshot{
		Payload: map[string]any{"notes": "b", "grandTotal": 2, "paymentTerms": "NET45"},
		Items:   []LineItem{item("i2", 1, 12), item("i4", 3, 10), item("i1", 1, 10)},
	}

	changes := Diff(v1, v2, poTracked(t))
	var got []string
	for _, c := range changes {
		got = append(got, c.Field+":"+c.ItemID)
	}
	assert.Equal(t, []string{
		"grandTotal:", "paymentTerms:", "notes:",
		"unitPrice:i2", "item:i4", "item:i3",
	}, got)
	assert.Nil(t, changes[5].NewValue)
	assert.Nil(t, changes[4].OldValue)
}

func TestClassifyPriority(t *testing.T) {
	tests := []struct {
		name string
		cats []ChangeCategory
		want AmendmentClass
	}{
		{"quantity wins", []ChangeCategory{CategoryTerms, CategoryFinancial, CategoryScope}, ClassQuantityChange},
		{"price over delivery", []ChangeCategory{CategorySchedule, CategoryFinancial}, ClassPriceChange},
		{"delivery over terms", []ChangeCategory{CategoryTerms, CategorySchedule}, ClassDeliveryChange},
		{"terms over general", []ChangeCategory{CategoryGeneral, CategoryTerms}, ClassTermsChange},
		{"general", []ChangeCategory{CategoryGeneral}, ClassGeneral},
		{"no changes", nil, ClassGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var changes []Change
			for _, c := range tt.cats {
				changes = append(changes, Change{Category: c})
			}
			assert.Equal(t, tt.want, Classify(changes))
		})
	}
}

func TestNewSnapshotCopiesContent(t *testing.T) {
	doc := &Document{
		ID:      "doc-1",
		Status:  "DRAFT",
		Payload: map[string]any{"grandTotal": 10},
		Items:   []LineItem{item("i1", 1, 10)},
	}
	snap := NewSnapshot(doc, "", "u1", now)

	doc.Payload["grandTotal"] = 20
	doc.Items[0].Quantity = decimal.NewFromInt(5)

	assert.Equal(t, 10, snap.Payload["grandTotal"])
	assert.True(t, snap.Items[0].Quantity.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "u1", snap.CreatedBy)

	empty := NewSnapshot(&Document{ID: "doc-2"}, "amd-1", "u1", now)
	assert.NotNil(t, empty.Payload)
	assert.NotNil(t, empty.Items)
	assert.Equal(t, "amd-1", empty.AmendmentID)
}
