package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
)

// LedgerKey scopes a ledger account.
type LedgerKey struct {
	Subject      string `json:"subject"`
	ResourceType string `json:"resourceType"`
	Period       string `json:"period"`
}

func (k LedgerKey) String() string {
	return strings.Join([]string{k.Subject, k.ResourceType, k.Period}, "/")
}

// Validate checks that every part of the key is set.
func (k LedgerKey) Validate() error {
	switch {
	case strings.TrimSpace(k.Subject) == "":
		return errors.InvalidInput("subject", "ledger subject is required")
	case strings.TrimSpace(k.ResourceType) == "":
		return errors.InvalidInput("resourceType", "ledger resource type is required")
	case strings.TrimSpace(k.Period) == "":
		return errors.InvalidInput("period", "ledger period is required")
	}
	return nil
}

// LedgerAccount is the entitled/used/pending/available record for one key.
// Available is derived and recomputed after every mutation.
type LedgerAccount struct {
	Key          LedgerKey       `json:"key"`
	Entitled     decimal.Decimal `json:"entitled"`
	Used         decimal.Decimal `json:"used"`
	Pending      decimal.Decimal `json:"pending"`
	CarryForward decimal.Decimal `json:"carryForward"`
	Available    decimal.Decimal `json:"available"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// LedgerEntry is one journal line written alongside an account mutation.
type LedgerEntry struct {
	ID             string          `json:"id"`
	Key            LedgerKey       `json:"key"`
	Op             LedgerOp        `json:"op"`
	Amount         decimal.Decimal `json:"amount"`
	DocumentID     string          `json:"documentId,omitempty"`
	ActorID        string          `json:"actorId"`
	Remarks        string          `json:"remarks,omitempty"`
	AvailableAfter decimal.Decimal `json:"availableAfter"`
	At             time.Time       `json:"at"`
}

// NewLedgerAccount opens an account with an entitlement and carry-forward.
func NewLedgerAccount(key LedgerKey, entitled, carryForward decimal.Decimal) (*LedgerAccount, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if entitled.IsNegative() {
		return nil, errors.InvalidInput("entitled", "must not be negative")
	}
	if carryForward.IsNegative() {
		return nil, errors.InvalidInput("carryForward", "must not be negative")
	}
	if err := CheckScale("entitled", entitled); err != nil {
		return nil, err
	}
	if err := CheckScale("carryForward", carryForward); err != nil {
		return nil, err
	}
	a := &LedgerAccount{
		Key:          key,
		Entitled:     entitled,
		CarryForward: carryForward,
	}
	a.Recompute()
	return a, nil
}

// Recompute clamps the base fields and derives Available from them.
func (a *LedgerAccount) Recompute() {
	a.Used = nonNegative(a.Used)
	a.Pending = nonNegative(a.Pending)
	a.CarryForward = nonNegative(a.CarryForward)
	a.Available = a.Entitled.Add(a.CarryForward).Sub(a.Used).Sub(a.Pending)
}

// Reserve holds amount as pending. Without overdraft the result must not
// leave available negative; on failure the account is untouched.
func (a *LedgerAccount) Reserve(amount decimal.Decimal, allowOverdraft bool) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	pending := a.Pending.Add(amount)
	available := a.Entitled.Add(a.CarryForward).Sub(a.Used).Sub(pending)
	if available.IsNegative() && !allowOverdraft {
		return errors.Newf(errors.ErrCodeInsufficientBalance,
			"%s: requested %s but only %s available", a.Key, amount, a.Available)
	}
	a.Pending = pending
	a.Recompute()
	return nil
}

// Commit moves amount from pending to used.
func (a *LedgerAccount) Commit(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	a.Pending = a.Pending.Sub(amount)
	a.Used = a.Used.Add(amount)
	a.Recompute()
	return nil
}

// Release returns pending amount to availability.
func (a *LedgerAccount) Release(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	a.Pending = a.Pending.Sub(amount)
	a.Recompute()
	return nil
}

// Grant adds earned entitlement.
func (a *LedgerAccount) Grant(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	a.Entitled = a.Entitled.Add(amount)
	a.Recompute()
	return nil
}

// Debit consumes amount directly, bypassing pending.
func (a *LedgerAccount) Debit(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	a.Used = a.Used.Add(amount)
	a.Recompute()
	return nil
}

// Refund gives back previously used amount, for cancelling an approved
// request before it takes effect.
func (a *LedgerAccount) Refund(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	a.Used = a.Used.Sub(amount)
	a.Recompute()
	return nil
}

// Apply dispatches op. OpNone is a no-op.
func (a *LedgerAccount) Apply(op LedgerOp, amount decimal.Decimal, allowOverdraft bool) error {
	switch op {
	case OpNone:
		return nil
	case OpReserve:
		return a.Reserve(amount, allowOverdraft)
	case OpCommit:
		return a.Commit(amount)
	case OpRelease:
		return a.Release(amount)
	case OpGrant:
		return a.Grant(amount)
	case OpDebit:
		return a.Debit(amount)
	case OpRefund:
		return a.Refund(amount)
	default:
		return errors.InvalidInput("op", fmt.Sprintf("unknown ledger operation %q", op))
	}
}

// Overdrawn reports whether available has gone below zero.
func (a *LedgerAccount) Overdrawn() bool {
	return a.Available.IsNegative()
}

// Clone returns a copy of the account.
func (a *LedgerAccount) Clone() *LedgerAccount {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// AmountScale is the number of decimal places amounts are stored with.
const AmountScale = 4

// CheckScale rejects values with more than AmountScale decimal places.
func CheckScale(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(AmountScale)) {
		return errors.InvalidInput(field, fmt.Sprintf("at most %d decimal places allowed", AmountScale))
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.InvalidInput("amount", "must not be negative")
	}
	return CheckScale("amount", amount)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
