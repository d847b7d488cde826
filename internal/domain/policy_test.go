package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()

	assert.Equal(t, []ResourceType{
		ResourceLeave, ResourceOnDuty, ResourcePurchaseRequisition, ResourcePurchaseOrder, ResourcePOAmendment,
	}, reg.Types())

	po, err := reg.Get(ResourcePurchaseOrder)
	require.NoError(t, err)
	assert.Equal(t, 2, po.Approval.RequiredApprovals)
	assert.Nil(t, po.Ledger)
	assert.True(t, po.IsManualTarget("ISSUED"))
	assert.False(t, po.IsManualTarget("APPROVED"))
	assert.Equal(t, NumberScopeMonth, po.Numbering.Scope)

	leave, err := reg.Get(ResourceLeave)
	require.NoError(t, err)
	require.NotNil(t, leave.Ledger)
	assert.Equal(t, OpReserve, leave.Ledger.OnSubmit)
	assert.Equal(t, OpRefund, leave.Ledger.OnCancelApproved)
	assert.False(t, leave.Ledger.AllowOverdraft)

	pr, err := reg.Get(ResourcePurchaseRequisition)
	require.NoError(t, err)
	assert.True(t, pr.Ledger.AllowOverdraft)

	amd, err := reg.Get(ResourcePOAmendment)
	require.NoError(t, err)
	assert.True(t, amd.IsAmendment())
	assert.Equal(t, ResourcePurchaseOrder, amd.AmendmentTarget)

	_, err = reg.Get("expense")
	require.Error(t, err)
}

func TestLoadPoliciesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `resources: []`},
		{"missing initial", `
resources:
  - type: x
    transitions: {A: [B]}
    statuses: {submitted: B, partiallyApproved: B, approved: B, rejected: B, cancelled: B}
    approval: {requiredApprovals: 1}
    numbering: {prefix: X}
`},
		{"status outside graph", `
resources:
  - type: x
    initial: A
    transitions: {A: [B]}
    statuses: {submitted: B, partiallyApproved: B, approved: C, rejected: B, cancelled: B}
    approval: {requiredApprovals: 1}
    numbering: {prefix: X}
`},
		{"zero approvals", `
resources:
  - type: x
    initial: A
    transitions: {A: [B]}
    statuses: {submitted: B, partiallyApproved: B, approved: B, rejected: B, cancelled: B}
    approval: {requiredApprovals: 0}
    numbering: {prefix: X}
`},
		{"bad ledger op", `
resources:
  - type: x
    initial: A
    transitions: {A: [B]}
    statuses: {submitted: B, partiallyApproved: B, approved: B, rejected: B, cancelled: B}
    approval: {requiredApprovals: 1}
    ledger: {resourceType: leave, onSubmit: borrow}
    numbering: {prefix: X}
`},
		{"unknown amendment target", `
resources:
  - type: x
    initial: A
    amendmentTarget: y
    transitions: {A: [B]}
    statuses: {submitted: B, partiallyApproved: B, approved: B, rejected: B, cancelled: B}
    approval: {requiredApprovals: 1}
    numbering: {prefix: X}
`},
		{"bad self approval mode", `
resources:
  - type: x
    initial: A
    transitions: {A: [B]}
    statuses: {submitted: B, partiallyApproved: B, approved: B, rejected: B, cancelled: B}
    approval: {requiredApprovals: 1, selfApproval: maybe}
    numbering: {prefix: X}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicies([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadPoliciesDefaults(t *testing.T) {
	reg, err := LoadPolicies([]byte(`
resources:
  - type: x
    initial: A
    transitions: {A: [B]}
    statuses: {submitted: B, partiallyApproved: B, approved: B, rejected: B, cancelled: B}
    approval: {requiredApprovals: 1}
    numbering: {prefix: X}
`))
	require.NoError(t, err)

	p, err := reg.Get("x")
	require.NoError(t, err)
	assert.Equal(t, SelfApprovalExclude, p.Approval.SelfApproval)
	assert.Equal(t, NumberScopeYear, p.Numbering.Scope)
	assert.Equal(t, PatternYear, p.Numbering.Pattern)
	assert.Equal(t, []Status{"A", "B"}, p.States())
	assert.True(t, p.IsTerminal("B"))
}
