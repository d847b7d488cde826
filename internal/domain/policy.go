package domain

import (
	_ "embed"
	"fmt"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
)

//go:embed policies.yaml
var defaultPolicies []byte

// LedgerOp is the ledger operation bound to a workflow action.
type LedgerOp string

const (
	OpNone    LedgerOp = ""
	OpReserve LedgerOp = "reserve"
	OpCommit  LedgerOp = "commit"
	OpRelease LedgerOp = "release"
	OpGrant   LedgerOp = "grant"
	OpDebit   LedgerOp = "debit"
	OpRefund  LedgerOp = "refund"
)

func (op LedgerOp) valid() bool {
	switch op {
	case OpNone, OpReserve, OpCommit, OpRelease, OpGrant, OpDebit, OpRefund:
		return true
	}
	return false
}

// Self-approval modes.
const (
	// SelfApprovalExclude silently drops the applicant from the approver set.
	SelfApprovalExclude = "exclude"
	// SelfApprovalReject refuses a flow whose approver set names the applicant.
	SelfApprovalReject = "reject"
)

// Counter scopes for document numbers.
const (
	NumberScopeYear  = "year"
	NumberScopeMonth = "month"
)

// StatusMap names the status the orchestrator targets for each action.
type StatusMap struct {
	Submitted         Status `yaml:"submitted"`
	PartiallyApproved Status `yaml:"partiallyApproved"`
	Approved          Status `yaml:"approved"`
	Rejected          Status `yaml:"rejected"`
	Cancelled         Status `yaml:"cancelled"`
}

// ApprovalPolicy configures the approval flow of a resource type.
type ApprovalPolicy struct {
	RequiredApprovals int    `yaml:"requiredApprovals"`
	SelfApproval      string `yaml:"selfApproval"`
}

// LedgerBinding ties a resource type to a ledger account and maps workflow
// actions to ledger operations.
type LedgerBinding struct {
	ResourceType     string   `yaml:"resourceType"`
	AllowOverdraft   bool     `yaml:"allowOverdraft"`
	OnSubmit         LedgerOp `yaml:"onSubmit"`
	OnApprove        LedgerOp `yaml:"onApprove"`
	OnReject         LedgerOp `yaml:"onReject"`
	OnCancel         LedgerOp `yaml:"onCancel"`
	OnCancelApproved LedgerOp `yaml:"onCancelApproved"`
}

// Numbering configures human-readable document numbers.
type Numbering struct {
	Prefix string `yaml:"prefix"`
	Scope  string `yaml:"scope"`
	// Pattern tokens: {prefix} {yyyy} {mm} {seq:N}. Defaults follow Scope.
	Pattern string `yaml:"pattern"`
}

// Default number patterns per counter scope.
const (
	PatternYear  = "{prefix}/{yyyy}/{seq:4}"
	PatternMonth = "{prefix}/{yyyy}/{mm}/{seq:4}"
)

// TrackedField is a top-level payload field compared between versions.
type TrackedField struct {
	Name     string         `yaml:"name"`
	Category ChangeCategory `yaml:"category"`
}

// ResourcePolicy is the full configuration of one resource type.
type ResourcePolicy struct {
	Type            ResourceType        `yaml:"type"`
	Label           string              `yaml:"label"`
	Initial         Status              `yaml:"initial"`
	Statuses        StatusMap           `yaml:"statuses"`
	Transitions     map[Status][]Status `yaml:"transitions"`
	ManualTargets   []Status            `yaml:"manualTargets"`
	Approval        ApprovalPolicy      `yaml:"approval"`
	Ledger          *LedgerBinding      `yaml:"ledger"`
	Numbering       Numbering           `yaml:"numbering"`
	TrackedFields   []TrackedField      `yaml:"trackedFields"`
	AmendmentTarget ResourceType        `yaml:"amendmentTarget"`
}

// States returns every status known to the policy, sorted.
func (p *ResourcePolicy) States() []Status {
	set := map[Status]struct{}{p.Initial: {}}
	for from, tos := range p.Transitions {
		set[from] = struct{}{}
		for _, to := range tos {
			set[to] = struct{}{}
		}
	}
	out := make([]Status, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasState reports whether s belongs to the policy's status set.
func (p *ResourcePolicy) HasState(s Status) bool {
	return slices.Contains(p.States(), s)
}

// IsTerminal reports whether no transition leaves s.
func (p *ResourcePolicy) IsTerminal(s Status) bool {
	return len(p.Transitions[s]) == 0
}

// IsManualTarget reports whether the owner may move a document to s directly.
func (p *ResourcePolicy) IsManualTarget(s Status) bool {
	return slices.Contains(p.ManualTargets, s)
}

// IsAmendment reports whether documents of this type amend another document.
func (p *ResourcePolicy) IsAmendment() bool {
	return p.AmendmentTarget != ""
}

func (p *ResourcePolicy) validate() error {
	if p.Type == "" {
		return fmt.Errorf("policy without type")
	}
	if p.Initial == "" {
		return fmt.Errorf("%s: initial status is required", p.Type)
	}
	if len(p.Transitions) == 0 {
		return fmt.Errorf("%s: no transitions", p.Type)
	}
	for name, s := range map[string]Status{
		"submitted":         p.Statuses.Submitted,
		"partiallyApproved": p.Statuses.PartiallyApproved,
		"approved":          p.Statuses.Approved,
		"rejected":          p.Statuses.Rejected,
		"cancelled":         p.Statuses.Cancelled,
	} {
		if s == "" {
			return fmt.Errorf("%s: statuses.%s is required", p.Type, name)
		}
		if !p.HasState(s) {
			return fmt.Errorf("%s: statuses.%s %q is not in the transition graph", p.Type, name, s)
		}
	}
	for _, s := range p.ManualTargets {
		if !p.HasState(s) {
			return fmt.Errorf("%s: manual target %q is not in the transition graph", p.Type, s)
		}
	}
	if p.Approval.RequiredApprovals < 1 {
		return fmt.Errorf("%s: approval.requiredApprovals must be at least 1", p.Type)
	}
	switch p.Approval.SelfApproval {
	case "":
		p.Approval.SelfApproval = SelfApprovalExclude
	case SelfApprovalExclude, SelfApprovalReject:
	default:
		return fmt.Errorf("%s: unknown selfApproval mode %q", p.Type, p.Approval.SelfApproval)
	}
	if p.Ledger != nil {
		if p.Ledger.ResourceType == "" {
			return fmt.Errorf("%s: ledger.resourceType is required", p.Type)
		}
		for _, op := range []LedgerOp{p.Ledger.OnSubmit, p.Ledger.OnApprove, p.Ledger.OnReject, p.Ledger.OnCancel, p.Ledger.OnCancelApproved} {
			if !op.valid() {
				return fmt.Errorf("%s: unknown ledger operation %q", p.Type, op)
			}
		}
	}
	switch p.Numbering.Scope {
	case "":
		p.Numbering.Scope = NumberScopeYear
	case NumberScopeYear, NumberScopeMonth:
	default:
		return fmt.Errorf("%s: unknown numbering scope %q", p.Type, p.Numbering.Scope)
	}
	if p.Numbering.Prefix == "" {
		return fmt.Errorf("%s: numbering.prefix is required", p.Type)
	}
	if p.Numbering.Pattern == "" {
		p.Numbering.Pattern = PatternYear
		if p.Numbering.Scope == NumberScopeMonth {
			p.Numbering.Pattern = PatternMonth
		}
	}
	if !strings.Contains(p.Numbering.Pattern, "{seq") {
		return fmt.Errorf("%s: numbering.pattern must contain a {seq} token", p.Type)
	}
	for _, f := range p.TrackedFields {
		if !f.Category.valid() {
			return fmt.Errorf("%s: tracked field %s has unknown category %q", p.Type, f.Name, f.Category)
		}
	}
	return nil
}

// Registry holds the policies of every configured resource type.
type Registry struct {
	policies map[ResourceType]*ResourcePolicy
	order    []ResourceType
}

type policyFile struct {
	Resources []*ResourcePolicy `yaml:"resources"`
}

// LoadPolicies parses and validates a policy document.
func LoadPolicies(data []byte) (*Registry, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	if len(file.Resources) == 0 {
		return nil, fmt.Errorf("parse policies: no resources defined")
	}

	reg := &Registry{policies: make(map[ResourceType]*ResourcePolicy, len(file.Resources))}
	for _, p := range file.Resources {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("invalid policy: %w", err)
		}
		if _, dup := reg.policies[p.Type]; dup {
			return nil, fmt.Errorf("invalid policy: duplicate resource type %s", p.Type)
		}
		reg.policies[p.Type] = p
		reg.order = append(reg.order, p.Type)
	}

	for _, p := range reg.policies {
		if p.IsAmendment() {
			if _, ok := reg.policies[p.AmendmentTarget]; !ok {
				return nil, fmt.Errorf("invalid policy: %s amends unknown type %s", p.Type, p.AmendmentTarget)
			}
		}
	}
	return reg, nil
}

// DefaultRegistry returns the built-in policies.
func DefaultRegistry() *Registry {
	reg, err := LoadPolicies(defaultPolicies)
	if err != nil {
		panic(err)
	}
	return reg
}

// Get returns the policy for a resource type.
func (r *Registry) Get(t ResourceType) (*ResourcePolicy, error) {
	p, ok := r.policies[t]
	if !ok {
		return nil, errors.InvalidInput("type", fmt.Sprintf("unknown resource type %q", t))
	}
	return p, nil
}

// Types lists the configured resource types in declaration order.
func (r *Registry) Types() []ResourceType {
	return append([]ResourceType(nil), r.order...)
}
