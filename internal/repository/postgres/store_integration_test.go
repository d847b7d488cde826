//go:build integration

package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-approval-workflows/internal/client"
	"github.com/pesio-ai/be-approval-workflows/internal/common/database"
	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/sequence"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// setupStore starts a disposable PostgreSQL container, applies the schema and
// returns a Store bound to it.
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("workflows"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.New(ctx, database.Config{DSN: dsn, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	store := NewStore(db)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "schema must be re-runnable")
	return store
}

func TestIntegration_DocumentLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	doc := &domain.Document{
		ID:      uuid.NewString(),
		Type:    domain.ResourcePurchaseOrder,
		Number:  "PO/2025/03/0001",
		Status:  "DRAFT",
		OwnerID: "owner",
		Title:   "Laptops",
		Amount:  decimal.RequireFromString("59000.50"),
		Payload: map[string]any{"grandTotal": 59000.5, "vendorId": "v-1"},
		Items: []domain.LineItem{
			{ID: "i1", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(500)},
		},
		Flow:      domain.ApprovalFlow{RequiredApprovers: []string{"a", "b"}, RequiredApprovalCount: 2, Approvals: []domain.Approval{}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.Documents().Create(ctx, doc); err != nil {
			return err
		}
		snap := domain.NewSnapshot(doc, "", "owner", now)
		if err := tx.Versions().Append(ctx, snap); err != nil {
			return err
		}
		assert.Equal(t, 1, snap.Version)
		return tx.History().Append(ctx, &domain.HistoryEntry{
			ID: uuid.NewString(), DocumentID: doc.ID, ActorID: "owner",
			Action: domain.ActionCreate, ToStatus: "DRAFT", At: now,
			Metadata: map[string]any{"number": doc.Number},
		})
	}))

	var loaded *domain.Document
	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		loaded, err = tx.Documents().Get(ctx, doc.ID)
		return err
	}))
	assert.Equal(t, doc.Number, loaded.Number)
	assert.True(t, loaded.Amount.Equal(doc.Amount))
	assert.Equal(t, []string{"a", "b"}, loaded.Flow.RequiredApprovers)
	assert.Equal(t, int64(1), loaded.Version)

	// Pending list by approver.
	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		docs, total, err := tx.Documents().List(ctx, repository.DocumentFilter{ApproverID: "a"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Equal(t, doc.ID, docs[0].ID)
		return nil
	}))

	// Stale write loses.
	stale := loaded.Clone()
	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		loaded.Status = "PENDING_APPROVAL"
		loaded.UpdatedAt = now
		return tx.Documents().Update(ctx, loaded)
	}))
	err := store.InTransaction(ctx, func(tx repository.Tx) error {
		stale.Status = "CANCELLED"
		return tx.Documents().Update(ctx, stale)
	})
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	// History is append-only at the database level.
	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		h, err := tx.History().ListByDocument(ctx, doc.ID)
		require.NoError(t, err)
		require.Len(t, h, 1)
		assert.Equal(t, doc.Number, h[0].Metadata["number"])
		return nil
	}))
	_, err = store.db.Exec(ctx, `DELETE FROM workflow_history WHERE document_id = $1`, doc.ID)
	assert.Error(t, err)
}

func TestIntegration_LedgerRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := domain.LedgerKey{Subject: "emp-1", ResourceType: "leave", Period: "2025"}
	now := time.Now().UTC()

	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		acct, err := domain.NewLedgerAccount(key, decimal.NewFromInt(12), decimal.RequireFromString("1.5"))
		require.NoError(t, err)
		acct.CreatedAt = now
		return tx.Ledgers().Create(ctx, acct)
	}))

	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		acct, err := tx.Ledgers().GetForUpdate(ctx, key)
		require.NoError(t, err)
		require.NoError(t, acct.Reserve(decimal.NewFromInt(3), false))
		acct.UpdatedAt = now
		require.NoError(t, tx.Ledgers().Save(ctx, acct))
		return tx.Ledgers().AppendEntry(ctx, &domain.LedgerEntry{
			ID: uuid.NewString(), Key: key, Op: domain.OpReserve, Amount: decimal.NewFromInt(3),
			ActorID: "emp-1", AvailableAfter: acct.Available, At: now,
		})
	}))

	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		acct, err := tx.Ledgers().Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, acct.Available.Equal(decimal.RequireFromString("10.5")), acct.Available.String())
		assert.True(t, acct.Pending.Equal(decimal.NewFromInt(3)))

		entries, err := tx.Ledgers().Entries(ctx, key)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Empty(t, entries[0].DocumentID)
		return nil
	}))
}

func TestIntegration_ConcurrentSequence(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	const n = 200
	results := make([]int64, n)
	var g errgroup.Group
	g.SetLimit(20)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return store.InTransaction(ctx, func(tx repository.Tx) error {
				v, err := tx.Sequences().Next(ctx, "scope-A")
				results[i] = v
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	seen := map[int64]bool{}
	for _, v := range results {
		require.False(t, seen[v])
		seen[v] = true
	}
	for v := int64(1); v <= n; v++ {
		require.True(t, seen[v], "gap at %d", v)
	}
}

func TestIntegration_ListAwaitingApprover(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	mk := func(number string, status domain.Status, owner string, approvals []domain.Approval, age time.Duration) *domain.Document {
		return &domain.Document{
			ID: uuid.NewString(), Type: domain.ResourcePurchaseOrder, Number: number,
			Status: status, OwnerID: owner, Payload: map[string]any{}, Items: []domain.LineItem{},
			Flow: domain.ApprovalFlow{
				RequiredApprovers: []string{"bob", "carol"}, RequiredApprovalCount: 2, Approvals: approvals,
			},
			CreatedAt: now.Add(-age), UpdatedAt: now,
		}
	}
	submitted := mk("PO/1", "PENDING_APPROVAL", "owner", []domain.Approval{}, 4*time.Minute)
	docs := []*domain.Document{
		submitted,
		mk("PO/2", "PARTIALLY_APPROVED", "owner", []domain.Approval{{ApproverID: "bob", At: now, Step: 1}}, 3*time.Minute),
		mk("PO/3", "PENDING_APPROVAL", "bob", []domain.Approval{}, 2*time.Minute),
		mk("PO/4", "DRAFT", "owner", []domain.Approval{}, time.Minute),
		mk("PO/5", "DRAFT", "owner", []domain.Approval{}, 0),
	}
	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		for _, d := range docs {
			if err := tx.Documents().Create(ctx, d); err != nil {
				return err
			}
		}
		return nil
	}))

	filter := repository.DocumentFilter{
		Statuses:   []domain.Status{"PENDING_APPROVAL", "PARTIALLY_APPROVED"},
		NotOwnerID: "bob",
		ApproverID: "bob",
		Limit:      2,
	}
	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		found, total, err := tx.Documents().List(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, found, 1)
		assert.Equal(t, submitted.ID, found[0].ID)

		filter.ApproverID, filter.NotOwnerID = "carol", "carol"
		found, total, err = tx.Documents().List(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Len(t, found, 2)
		return nil
	}))
}

// gatedStore holds every armed transaction right after it has read its
// document, so concurrent approvals all work from the same version.
type gatedStore struct {
	*Store
	armed atomic.Bool
	gate  *sync.WaitGroup
}

func (s *gatedStore) InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.InTransaction(ctx, func(tx repository.Tx) error {
		return fn(&gatedTx{Tx: tx, store: s})
	})
}

type gatedTx struct {
	repository.Tx
	store *gatedStore
}

func (t *gatedTx) Documents() repository.DocumentRepository {
	return &gatedDocuments{DocumentRepository: t.Tx.Documents(), store: t.store}
}

type gatedDocuments struct {
	repository.DocumentRepository
	store *gatedStore
}

func (d *gatedDocuments) Get(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := d.DocumentRepository.Get(ctx, id)
	if d.store.armed.Load() {
		d.store.gate.Done()
		d.store.gate.Wait()
	}
	return doc, err
}

func TestIntegration_ConcurrentApprovalsCommitOnce(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: setupStore(t), gate: &sync.WaitGroup{}}
	registry := domain.DefaultRegistry()
	issuer := sequence.NewIssuer(sequence.NewStoreCounter(store), sequence.Config{}, nil)
	workflows := service.NewWorkflowService(store, registry, issuer, client.NewLogDispatcher(nil), nil, "/workflows")
	ledger := service.NewLedgerService(store, nil)

	key := domain.LedgerKey{Subject: "emp-1", ResourceType: "leave", Period: "2025"}
	_, err := ledger.OpenAccount(ctx, service.OpenAccountInput{Key: key, Entitled: decimal.NewFromInt(10), ActorID: "hr"})
	require.NoError(t, err)

	created, err := workflows.Create(ctx, service.CreateInput{
		Type: domain.ResourceLeave, OwnerID: "emp-1", Title: "Trip", Amount: decimal.NewFromInt(2),
		LedgerPeriod: "2025", Approvers: []string{"mgr-1", "mgr-2"},
	})
	require.NoError(t, err)
	id := created.Document.ID
	_, err = workflows.Submit(ctx, service.ActionInput{DocumentID: id, ActorID: "emp-1"})
	require.NoError(t, err)

	approvers := []string{"mgr-1", "mgr-2"}
	store.gate.Add(len(approvers))
	store.armed.Store(true)

	errs := make([]error, len(approvers))
	var g errgroup.Group
	for i, a := range approvers {
		g.Go(func() error {
			_, errs[i] = workflows.Approve(ctx, service.ActionInput{DocumentID: id, ActorID: a})
			return nil
		})
	}
	require.NoError(t, g.Wait())
	store.armed.Store(false)

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrCodeConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	acct, err := ledger.Balance(ctx, key)
	require.NoError(t, err)
	assert.True(t, acct.Used.Equal(decimal.NewFromInt(2)), acct.Used.String())
	assert.True(t, acct.Pending.IsZero(), acct.Pending.String())
	assert.True(t, acct.Available.Equal(decimal.NewFromInt(8)), acct.Available.String())

	entries, err := ledger.Journal(ctx, key)
	require.NoError(t, err)
	commits := 0
	for _, e := range entries {
		if e.Op == domain.OpCommit {
			commits++
		}
	}
	assert.Equal(t, 1, commits)

	doc, err := workflows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Status("APPROVED"), doc.Status)
	assert.Len(t, doc.Flow.Approvals, 1)
}
