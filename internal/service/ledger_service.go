package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// OpenAccountInput opens a ledger account for one subject, type and period.
type OpenAccountInput struct {
	Key          domain.LedgerKey
	Entitled     decimal.Decimal
	CarryForward decimal.Decimal
	ActorID      string
}

// AdjustInput is an administrative ledger correction outside any document.
type AdjustInput struct {
	Key     domain.LedgerKey
	Op      domain.LedgerOp
	Amount  decimal.Decimal
	ActorID string
	Remarks string
}

// RollOverInput opens the next period's account, carrying forward what is
// left of the current one up to MaxCarry (zero means no cap).
type RollOverInput struct {
	Key      domain.LedgerKey
	ToPeriod string
	Entitled decimal.Decimal
	MaxCarry decimal.Decimal
	ActorID  string
}

// LedgerService manages ledger accounts directly. Document-driven mutations
// go through WorkflowService.
type LedgerService struct {
	store repository.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(store repository.Store, log *logger.Logger) *LedgerService {
	if log == nil {
		log = logger.Nop()
	}
	return &LedgerService{
		store: store,
		log:   log.Component("ledger"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// OpenAccount creates an account. Opening an existing key is a CONFLICT.
func (s *LedgerService) OpenAccount(ctx context.Context, in OpenAccountInput) (*domain.LedgerAccount, error) {
	acct, err := domain.NewLedgerAccount(in.Key, in.Entitled, in.CarryForward)
	if err != nil {
		return nil, err
	}
	now := s.now()
	acct.CreatedAt, acct.UpdatedAt = now, now

	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.Ledgers().Create(ctx, acct); err != nil {
			return err
		}
		return s.journal(ctx, tx, acct, domain.OpGrant, in.Entitled.Add(in.CarryForward), in.ActorID, "account opened")
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("ledger", acct.Key.String()).
		Str("entitled", acct.Entitled.String()).
		Str("carry_forward", acct.CarryForward.String()).
		Msg("Ledger account opened")
	return acct, nil
}

// Adjust applies a grant, debit or refund to an account.
func (s *LedgerService) Adjust(ctx context.Context, in AdjustInput) (*domain.LedgerAccount, error) {
	switch in.Op {
	case domain.OpGrant, domain.OpDebit, domain.OpRefund:
	default:
		return nil, errors.InvalidInput("op", fmt.Sprintf("%q is not an adjustment; use grant, debit or refund", in.Op))
	}
	if in.ActorID == "" {
		return nil, errors.InvalidInput("actorId", "actor is required")
	}
	if err := in.Key.Validate(); err != nil {
		return nil, err
	}

	var acct *domain.LedgerAccount
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		acct, err = tx.Ledgers().GetForUpdate(ctx, in.Key)
		if err != nil {
			return err
		}
		if err := acct.Apply(in.Op, in.Amount, false); err != nil {
			return err
		}
		acct.UpdatedAt = s.now()
		if err := tx.Ledgers().Save(ctx, acct); err != nil {
			return err
		}
		return s.journal(ctx, tx, acct, in.Op, in.Amount, in.ActorID, in.Remarks)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("ledger", acct.Key.String()).
		Str("op", string(in.Op)).
		Str("amount", in.Amount.String()).
		Str("available", acct.Available.String()).
		Msg("Ledger adjusted")
	return acct, nil
}

// RollOver opens the account for ToPeriod with the unused balance of Key as
// its carry-forward.
func (s *LedgerService) RollOver(ctx context.Context, in RollOverInput) (*domain.LedgerAccount, error) {
	if err := in.Key.Validate(); err != nil {
		return nil, err
	}
	if in.ToPeriod == "" || in.ToPeriod == in.Key.Period {
		return nil, errors.InvalidInput("toPeriod", "must name a different period")
	}
	if in.MaxCarry.IsNegative() {
		return nil, errors.InvalidInput("maxCarry", "must not be negative")
	}

	var next *domain.LedgerAccount
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		cur, err := tx.Ledgers().GetForUpdate(ctx, in.Key)
		if err != nil {
			return err
		}
		if cur.Pending.IsPositive() {
			return errors.Conflict(fmt.Sprintf("%s still has %s pending", cur.Key, cur.Pending))
		}

		carry := decimal.Max(cur.Available, decimal.Zero)
		if in.MaxCarry.IsPositive() {
			carry = decimal.Min(carry, in.MaxCarry)
		}
		key := domain.LedgerKey{Subject: in.Key.Subject, ResourceType: in.Key.ResourceType, Period: in.ToPeriod}
		next, err = domain.NewLedgerAccount(key, in.Entitled, carry)
		if err != nil {
			return err
		}
		now := s.now()
		next.CreatedAt, next.UpdatedAt = now, now
		if err := tx.Ledgers().Create(ctx, next); err != nil {
			return err
		}
		return s.journal(ctx, tx, next, domain.OpGrant, in.Entitled.Add(carry), in.ActorID,
			fmt.Sprintf("rolled over from %s", in.Key.Period))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("from", in.Key.String()).
		Str("to", next.Key.String()).
		Str("carry_forward", next.CarryForward.String()).
		Msg("Ledger rolled over")
	return next, nil
}

// Balance returns the account for key.
func (s *LedgerService) Balance(ctx context.Context, key domain.LedgerKey) (*domain.LedgerAccount, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var acct *domain.LedgerAccount
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		acct, err = tx.Ledgers().Get(ctx, key)
		return err
	})
	return acct, err
}

// Journal returns the account's entries, oldest first.
func (s *LedgerService) Journal(ctx context.Context, key domain.LedgerKey) ([]*domain.LedgerEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var entries []*domain.LedgerEntry
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if _, err := tx.Ledgers().Get(ctx, key); err != nil {
			return err
		}
		var err error
		entries, err = tx.Ledgers().Entries(ctx, key)
		return err
	})
	return entries, err
}

func (s *LedgerService) journal(ctx context.Context, tx repository.Tx, acct *domain.LedgerAccount, op domain.LedgerOp, amount decimal.Decimal, actorID, remarks string) error {
	return tx.Ledgers().AppendEntry(ctx, &domain.LedgerEntry{
		ID:             uuid.NewString(),
		Key:            acct.Key,
		Op:             op,
		Amount:         amount,
		ActorID:        actorID,
		Remarks:        remarks,
		AvailableAfter: acct.Available,
		At:             s.now(),
	})
}
