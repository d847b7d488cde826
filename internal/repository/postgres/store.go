// Package postgres implements the repository contracts on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/internal/common/database"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

//go:embed schema.sql
var Schema string

// Store runs units of work in a pgx transaction.
type Store struct {
	db *database.DB
}

// NewStore creates a Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// InTransaction runs fn with repositories bound to one transaction. Driver
// failures surfacing from commit are classified so callers can retry
// CONFLICT and UNAVAILABLE.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&txRepos{q: tx})
	})
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return database.Classify(err, "database unreachable")
	}
	return nil
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, Schema)
}

type txRepos struct {
	q database.Querier
}

func (t *txRepos) Documents() repository.DocumentRepository { return NewDocumentRepository(t.q) }
func (t *txRepos) Ledgers() repository.LedgerRepository     { return NewLedgerRepository(t.q) }
func (t *txRepos) History() repository.HistoryRepository    { return NewHistoryRepository(t.q) }
func (t *txRepos) Versions() repository.VersionRepository   { return NewVersionRepository(t.q) }
func (t *txRepos) Sequences() repository.SequenceRepository { return NewSequenceRepository(t.q) }

var _ repository.Store = (*Store)(nil)
