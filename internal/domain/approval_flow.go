package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
)

// Approval is one recorded approval.
type Approval struct {
	ApproverID string    `json:"approverId"`
	At         time.Time `json:"at"`
	Step       int       `json:"step"`
}

// ApprovalFlow tracks who must approve a document and who already has.
type ApprovalFlow struct {
	RequiredApprovers     []string   `json:"requiredApprovers"`
	RequiredApprovalCount int        `json:"requiredApprovalCount"`
	Approvals             []Approval `json:"approvals"`
	IsComplete            bool       `json:"isComplete"`
	IsSelfApprovalCase    bool       `json:"isSelfApprovalCase"`
}

func (f ApprovalFlow) clone() ApprovalFlow {
	cp := f
	if f.RequiredApprovers != nil {
		cp.RequiredApprovers = append([]string(nil), f.RequiredApprovers...)
	}
	if f.Approvals != nil {
		cp.Approvals = append([]Approval(nil), f.Approvals...)
	}
	return cp
}

// InitFlow builds a fresh flow for a submission. Duplicates and blanks in the
// approver list are dropped. When the applicant is listed, exclude mode drops
// them and lowers the required count to 1; reject mode refuses the flow.
func InitFlow(policy ApprovalPolicy, approvers []string, applicantID string) (ApprovalFlow, error) {
	eligible := make([]string, 0, len(approvers))
	selfCase := false
	for _, a := range approvers {
		if a == "" || slices.Contains(eligible, a) {
			continue
		}
		if a == applicantID {
			selfCase = true
			continue
		}
		eligible = append(eligible, a)
	}

	if selfCase && policy.SelfApproval == SelfApprovalReject {
		return ApprovalFlow{}, errors.InvalidInput("approvers", "applicant cannot be listed as an approver")
	}
	if len(eligible) == 0 {
		return ApprovalFlow{}, errors.InvalidInput("approvers", "no eligible approvers")
	}

	count := policy.RequiredApprovals
	if count < 1 || selfCase {
		count = 1
	}
	if count > len(eligible) {
		return ApprovalFlow{}, errors.InvalidInput("approvers",
			fmt.Sprintf("%d approvals required but only %d eligible approvers", count, len(eligible)))
	}

	return ApprovalFlow{
		RequiredApprovers:     eligible,
		RequiredApprovalCount: count,
		Approvals:             []Approval{},
		IsSelfApprovalCase:    selfCase,
	}, nil
}

// RecordApproval returns a new flow with the approval appended. completedNow
// is true only on the approval that reaches the required count.
func RecordApproval(flow ApprovalFlow, approverID string, at time.Time) (ApprovalFlow, bool, error) {
	if flow.IsComplete {
		return flow, false, errors.New(errors.ErrCodeInvalidTransition, "approval flow is already complete")
	}
	if !flow.IsRequiredApprover(approverID) {
		return flow, false, errors.Newf(errors.ErrCodeUnauthorizedApprover, "%s is not an approver for this document", approverID)
	}
	if flow.HasApproved(approverID) {
		return flow, false, errors.Newf(errors.ErrCodeDuplicateApproval, "%s has already approved", approverID)
	}

	next := flow.clone()
	next.Approvals = append(next.Approvals, Approval{
		ApproverID: approverID,
		At:         at,
		Step:       len(flow.Approvals) + 1,
	})
	if len(next.Approvals) >= next.RequiredApprovalCount {
		next.IsComplete = true
	}
	return next, next.IsComplete, nil
}

// PreventSelfApproval rejects an actor acting on their own document.
func PreventSelfApproval(actorID, ownerID string) error {
	if actorID == ownerID {
		return errors.New(errors.ErrCodeSelfApproval, "cannot act on your own request")
	}
	return nil
}

// IsRequiredApprover reports whether id is in the approver set.
func (f ApprovalFlow) IsRequiredApprover(id string) bool {
	return slices.Contains(f.RequiredApprovers, id)
}

// HasApproved reports whether id already approved.
func (f ApprovalFlow) HasApproved(id string) bool {
	for _, a := range f.Approvals {
		if a.ApproverID == id {
			return true
		}
	}
	return false
}

// CanAct reports whether id may still approve or reject.
func (f ApprovalFlow) CanAct(id string) bool {
	return !f.IsComplete && f.IsRequiredApprover(id) && !f.HasApproved(id)
}

// PendingApprovers lists approvers who have not acted yet.
func (f ApprovalFlow) PendingApprovers() []string {
	if f.IsComplete {
		return nil
	}
	var out []string
	for _, id := range f.RequiredApprovers {
		if !f.HasApproved(id) {
			out = append(out, id)
		}
	}
	return out
}
