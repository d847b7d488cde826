package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-approval-workflows/internal/common/database"
	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

const accountColumns = `
	subject, resource_type, period,
	entitled::text, used::text, pending::text, carry_forward::text, available::text,
	version, created_at, updated_at`

// LedgerRepository manages ledger accounts and the ledger journal. Accounts
// are locked with SELECT ... FOR UPDATE for read-modify-write.
type LedgerRepository struct {
	q database.Querier
}

// NewLedgerRepository creates a LedgerRepository.
func NewLedgerRepository(q database.Querier) *LedgerRepository {
	return &LedgerRepository{q: q}
}

// Create opens an account. An existing account for the key is a CONFLICT.
func (r *LedgerRepository) Create(ctx context.Context, acct *domain.LedgerAccount) error {
	query := `
		INSERT INTO ledger_accounts
		    (subject, resource_type, period,
		     entitled, used, pending, carry_forward, available,
		     version, created_at, updated_at)
		VALUES ($1, $2, $3,
		        $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric,
		        1, $9, $9)
	`

	_, err := r.q.Exec(ctx, query,
		acct.Key.Subject,
		acct.Key.ResourceType,
		acct.Key.Period,
		acct.Entitled.String(),
		acct.Used.String(),
		acct.Pending.String(),
		acct.CarryForward.String(),
		acct.Available.String(),
		acct.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict(fmt.Sprintf("ledger account %s already exists", acct.Key))
		}
		return database.Classify(err, "failed to create ledger account")
	}
	acct.Version = 1
	acct.UpdatedAt = acct.CreatedAt
	return nil
}

// GetForUpdate reads the account and holds a row lock until the transaction ends.
func (r *LedgerRepository) GetForUpdate(ctx context.Context, key domain.LedgerKey) (*domain.LedgerAccount, error) {
	return r.get(ctx, key, " FOR UPDATE")
}

// Get reads the account without locking.
func (r *LedgerRepository) Get(ctx context.Context, key domain.LedgerKey) (*domain.LedgerAccount, error) {
	return r.get(ctx, key, "")
}

func (r *LedgerRepository) get(ctx context.Context, key domain.LedgerKey, lock string) (*domain.LedgerAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM ledger_accounts
		WHERE subject = $1 AND resource_type = $2 AND period = $3` + lock

	acct, err := scanAccount(r.q.QueryRow(ctx, query, key.Subject, key.ResourceType, key.Period))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("ledger account", key.String())
	}
	if err != nil {
		return nil, database.Classify(err, "failed to get ledger account")
	}
	return acct, nil
}

// Save writes the balances guarded by version.
func (r *LedgerRepository) Save(ctx context.Context, acct *domain.LedgerAccount) error {
	acct.Recompute()

	query := `
		UPDATE ledger_accounts
		SET entitled      = $5::numeric,
		    used          = $6::numeric,
		    pending       = $7::numeric,
		    carry_forward = $8::numeric,
		    available     = $9::numeric,
		    version       = version + 1,
		    updated_at    = $10
		WHERE subject = $1 AND resource_type = $2 AND period = $3 AND version = $4
		RETURNING version
	`

	var newVersion int64
	err := r.q.QueryRow(ctx, query,
		acct.Key.Subject,
		acct.Key.ResourceType,
		acct.Key.Period,
		acct.Version,
		acct.Entitled.String(),
		acct.Used.String(),
		acct.Pending.String(),
		acct.CarryForward.String(),
		acct.Available.String(),
		acct.UpdatedAt,
	).Scan(&newVersion)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Conflict(fmt.Sprintf("ledger account %s was modified concurrently", acct.Key))
	}
	if err != nil {
		return database.Classify(err, "failed to save ledger account")
	}
	acct.Version = newVersion
	return nil
}

// AppendEntry writes one journal line.
func (r *LedgerRepository) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		    (id, subject, resource_type, period,
		     op, amount, document_id, actor_id, remarks,
		     available_after, at)
		VALUES ($1, $2, $3, $4,
		        $5, $6::numeric, $7, $8, $9,
		        $10::numeric, $11)
	`

	_, err := r.q.Exec(ctx, query,
		entry.ID,
		entry.Key.Subject,
		entry.Key.ResourceType,
		entry.Key.Period,
		entry.Op,
		entry.Amount.String(),
		nullString(entry.DocumentID),
		entry.ActorID,
		nullString(entry.Remarks),
		entry.AvailableAfter.String(),
		entry.At,
	)
	if err != nil {
		return database.Classify(err, "failed to append ledger entry")
	}
	return nil
}

// Entries returns the journal of an account, oldest first.
func (r *LedgerRepository) Entries(ctx context.Context, key domain.LedgerKey) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT id, op, amount::text, document_id, actor_id, remarks, available_after::text, at
		FROM ledger_entries
		WHERE subject = $1 AND resource_type = $2 AND period = $3
		ORDER BY seq ASC
	`

	rows, err := r.q.Query(ctx, query, key.Subject, key.ResourceType, key.Period)
	if err != nil {
		return nil, database.Classify(err, "failed to get ledger entries")
	}
	defer rows.Close()

	entries := make([]*domain.LedgerEntry, 0)
	for rows.Next() {
		entry := &domain.LedgerEntry{Key: key}
		var (
			amount, availableAfter string
			documentID, remarks    *string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.Op,
			&amount,
			&documentID,
			&entry.ActorID,
			&remarks,
			&availableAfter,
			&entry.At,
		); err != nil {
			return nil, database.Classify(err, "failed to scan ledger entry")
		}
		if entry.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to parse ledger amount")
		}
		if entry.AvailableAfter, err = decimal.NewFromString(availableAfter); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to parse ledger balance")
		}
		if documentID != nil {
			entry.DocumentID = *documentID
		}
		if remarks != nil {
			entry.Remarks = *remarks
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "failed to get ledger entries")
	}
	return entries, nil
}

func scanAccount(sc scanner) (*domain.LedgerAccount, error) {
	acct := &domain.LedgerAccount{}
	var entitled, used, pending, carry, available string

	err := sc.Scan(
		&acct.Key.Subject,
		&acct.Key.ResourceType,
		&acct.Key.Period,
		&entitled,
		&used,
		&pending,
		&carry,
		&available,
		&acct.Version,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&acct.Entitled, entitled},
		{&acct.Used, used},
		{&acct.Pending, pending},
		{&acct.CarryForward, carry},
		{&acct.Available, available},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("parse ledger balance: %w", err)
		}
		*f.dst = v
	}
	// Stored available is informational; always derive it.
	acct.Recompute()
	return acct, nil
}
