package domain

import (
	"fmt"
	"slices"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
)

// TransitionResult is the outcome of a transition check.
type TransitionResult struct {
	Allowed bool
	Reason  string
}

// StateMachine answers transition questions against a policy registry.
// Unknown types, unknown statuses and missing edges are all rejected.
type StateMachine struct {
	registry *Registry
}

// NewStateMachine creates a state machine over the given policies.
func NewStateMachine(registry *Registry) *StateMachine {
	return &StateMachine{registry: registry}
}

// ValidateTransition checks whether a document of type t may move from one
// status to another. It never panics and never returns an error.
func (m *StateMachine) ValidateTransition(t ResourceType, from, to Status) TransitionResult {
	p, ok := m.registry.policies[t]
	if !ok {
		return TransitionResult{Reason: fmt.Sprintf("unknown resource type %q", t)}
	}
	if !p.HasState(from) {
		return TransitionResult{Reason: fmt.Sprintf("unknown status %q", from)}
	}
	if !p.HasState(to) {
		return TransitionResult{Reason: fmt.Sprintf("unknown status %q", to)}
	}
	if !slices.Contains(p.Transitions[from], to) {
		if p.IsTerminal(from) {
			return TransitionResult{Reason: fmt.Sprintf("%s is terminal", from)}
		}
		return TransitionResult{Reason: fmt.Sprintf("no transition from %s to %s", from, to)}
	}
	return TransitionResult{Allowed: true}
}

// Require is ValidateTransition as an error.
func (m *StateMachine) Require(t ResourceType, from, to Status) error {
	res := m.ValidateTransition(t, from, to)
	if res.Allowed {
		return nil
	}
	return errors.InvalidTransition(string(t), string(from), string(to), res.Reason)
}

// NextStatuses lists the statuses reachable from s in one step.
func (m *StateMachine) NextStatuses(t ResourceType, s Status) []Status {
	p, ok := m.registry.policies[t]
	if !ok {
		return nil
	}
	return append([]Status(nil), p.Transitions[s]...)
}
