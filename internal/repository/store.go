package repository

import (
	"context"

	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

// DocumentFilter narrows List results. Zero values match everything.
type DocumentFilter struct {
	Type       domain.ResourceType
	Status     domain.Status
	Statuses   []domain.Status // any of; combined with Status when both are set
	OwnerID    string
	NotOwnerID string
	ApproverID string // can act now: listed approver, flow open, not yet approved by them
	TargetID   string
	Limit      int
	Offset     int
}

// DocumentRepository persists workflow documents with their embedded flow.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	Get(ctx context.Context, id string) (*domain.Document, error)
	// Update writes doc if the stored version still equals doc.Version, then
	// bumps doc.Version. A stale version is a CONFLICT.
	Update(ctx context.Context, doc *domain.Document) error
	List(ctx context.Context, filter DocumentFilter) ([]*domain.Document, int64, error)
}

// LedgerRepository persists ledger accounts and their journal.
type LedgerRepository interface {
	Create(ctx context.Context, acct *domain.LedgerAccount) error
	// GetForUpdate reads and locks the account for the rest of the transaction.
	GetForUpdate(ctx context.Context, key domain.LedgerKey) (*domain.LedgerAccount, error)
	Get(ctx context.Context, key domain.LedgerKey) (*domain.LedgerAccount, error)
	Save(ctx context.Context, acct *domain.LedgerAccount) error
	AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error
	Entries(ctx context.Context, key domain.LedgerKey) ([]*domain.LedgerEntry, error)
}

// HistoryRepository appends and reads the immutable approval history.
type HistoryRepository interface {
	Append(ctx context.Context, entry *domain.HistoryEntry) error
	ListByDocument(ctx context.Context, documentID string) ([]*domain.HistoryEntry, error)
}

// VersionRepository stores immutable document snapshots.
type VersionRepository interface {
	// Append assigns snap.Version = count+1 and stores it. A concurrent
	// writer taking the same number is a CONFLICT.
	Append(ctx context.Context, snap *domain.VersionSnapshot) error
	List(ctx context.Context, documentID string) ([]*domain.VersionSnapshot, error)
	Get(ctx context.Context, documentID string, version int) (*domain.VersionSnapshot, error)
}

// SequenceRepository increments per-scope counters.
type SequenceRepository interface {
	// Next increments the counter for scope, creating it at 1.
	Next(ctx context.Context, scope string) (int64, error)
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Documents() DocumentRepository
	Ledgers() LedgerRepository
	History() HistoryRepository
	Versions() VersionRepository
	Sequences() SequenceRepository
}

// Store runs units of work atomically. Writes made through tx become visible
// only if fn returns nil.
type Store interface {
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
