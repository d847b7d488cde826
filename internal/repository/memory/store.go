// Package memory implements the repository contracts in process memory. A
// transaction holds the store lock for its whole duration and stages its
// writes; they are applied only when the callback returns nil.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

type state struct {
	docs      map[string]*domain.Document
	docOrder  []string
	ledgers   map[domain.LedgerKey]*domain.LedgerAccount
	entries   map[domain.LedgerKey][]*domain.LedgerEntry
	history   map[string][]*domain.HistoryEntry
	versions  map[string][]*domain.VersionSnapshot
	sequences map[string]int64
}

func newState() *state {
	return &state{
		docs:      make(map[string]*domain.Document),
		ledgers:   make(map[domain.LedgerKey]*domain.LedgerAccount),
		entries:   make(map[domain.LedgerKey][]*domain.LedgerEntry),
		history:   make(map[string][]*domain.HistoryEntry),
		versions:  make(map[string][]*domain.VersionSnapshot),
		sequences: make(map[string]int64),
	}
}

// Store is an in-memory repository.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// InTransaction serialises fn against every other transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Unavailable(err, "transaction not started")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s.state)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

var _ repository.Store = (*Store)(nil)

// tx layers staged writes over the committed state.
type tx struct {
	base *state

	docs      map[string]*domain.Document
	newDocs   []string
	ledgers   map[domain.LedgerKey]*domain.LedgerAccount
	entries   map[domain.LedgerKey][]*domain.LedgerEntry
	history   map[string][]*domain.HistoryEntry
	versions  map[string][]*domain.VersionSnapshot
	sequences map[string]int64
}

func newTx(base *state) *tx {
	return &tx{
		base:      base,
		docs:      make(map[string]*domain.Document),
		ledgers:   make(map[domain.LedgerKey]*domain.LedgerAccount),
		entries:   make(map[domain.LedgerKey][]*domain.LedgerEntry),
		history:   make(map[string][]*domain.HistoryEntry),
		versions:  make(map[string][]*domain.VersionSnapshot),
		sequences: make(map[string]int64),
	}
}

func (t *tx) commit() {
	for id, d := range t.docs {
		t.base.docs[id] = d
	}
	t.base.docOrder = append(t.base.docOrder, t.newDocs...)
	for k, a := range t.ledgers {
		t.base.ledgers[k] = a
	}
	for k, e := range t.entries {
		t.base.entries[k] = append(t.base.entries[k], e...)
	}
	for id, h := range t.history {
		t.base.history[id] = append(t.base.history[id], h...)
	}
	for id, v := range t.versions {
		t.base.versions[id] = append(t.base.versions[id], v...)
	}
	for scope, v := range t.sequences {
		t.base.sequences[scope] = v
	}
}

func (t *tx) Documents() repository.DocumentRepository { return documents{t} }
func (t *tx) Ledgers() repository.LedgerRepository     { return ledgers{t} }
func (t *tx) History() repository.HistoryRepository    { return history{t} }
func (t *tx) Versions() repository.VersionRepository   { return versions{t} }
func (t *tx) Sequences() repository.SequenceRepository { return sequences{t} }

// ── documents ────────────────────────────────────────────────────────────────

type documents struct{ t *tx }

func (r documents) lookup(id string) (*domain.Document, bool) {
	if d, ok := r.t.docs[id]; ok {
		return d, true
	}
	d, ok := r.t.base.docs[id]
	return d, ok
}

func (r documents) Create(_ context.Context, doc *domain.Document) error {
	if _, ok := r.lookup(doc.ID); ok {
		return errors.Conflict(fmt.Sprintf("document %s already exists", doc.ID))
	}
	for _, d := range r.all() {
		if d.Number == doc.Number {
			return errors.Conflict(fmt.Sprintf("document %s already exists", doc.Number))
		}
	}
	doc.Version = 1
	doc.UpdatedAt = doc.CreatedAt
	r.t.docs[doc.ID] = doc.Clone()
	r.t.newDocs = append(r.t.newDocs, doc.ID)
	return nil
}

func (r documents) Get(_ context.Context, id string) (*domain.Document, error) {
	d, ok := r.lookup(id)
	if !ok {
		return nil, errors.NotFound("document", id)
	}
	return d.Clone(), nil
}

func (r documents) Update(_ context.Context, doc *domain.Document) error {
	cur, ok := r.lookup(doc.ID)
	if !ok {
		return errors.NotFound("document", doc.ID)
	}
	if cur.Version != doc.Version {
		return errors.Conflict(fmt.Sprintf("document %s was modified concurrently", doc.ID))
	}
	doc.Version++
	r.t.docs[doc.ID] = doc.Clone()
	return nil
}

func (r documents) all() []*domain.Document {
	order := append(append([]string(nil), r.t.base.docOrder...), r.t.newDocs...)
	out := make([]*domain.Document, 0, len(order))
	for _, id := range order {
		if d, ok := r.lookup(id); ok {
			out = append(out, d)
		}
	}
	return out
}

func (r documents) List(_ context.Context, f repository.DocumentFilter) ([]*domain.Document, int64, error) {
	var matched []*domain.Document
	for _, d := range r.all() {
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, d.Status) {
			continue
		}
		if f.OwnerID != "" && d.OwnerID != f.OwnerID {
			continue
		}
		if f.NotOwnerID != "" && d.OwnerID == f.NotOwnerID {
			continue
		}
		if f.TargetID != "" && d.TargetID != f.TargetID {
			continue
		}
		if f.ApproverID != "" && !d.Flow.CanAct(f.ApproverID) {
			continue
		}
		matched = append(matched, d)
	}

	// Newest first, matching the SQL ordering.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := min(f.Offset, len(matched))
	end := min(start+limit, len(matched))

	out := make([]*domain.Document, 0, end-start)
	for _, d := range matched[start:end] {
		out = append(out, d.Clone())
	}
	return out, total, nil
}

// ── ledgers ──────────────────────────────────────────────────────────────────

type ledgers struct{ t *tx }

func (r ledgers) lookup(key domain.LedgerKey) (*domain.LedgerAccount, bool) {
	if a, ok := r.t.ledgers[key]; ok {
		return a, true
	}
	a, ok := r.t.base.ledgers[key]
	return a, ok
}

func (r ledgers) Create(_ context.Context, acct *domain.LedgerAccount) error {
	if _, ok := r.lookup(acct.Key); ok {
		return errors.Conflict(fmt.Sprintf("ledger account %s already exists", acct.Key))
	}
	acct.Version = 1
	acct.UpdatedAt = acct.CreatedAt
	r.t.ledgers[acct.Key] = acct.Clone()
	return nil
}

func (r ledgers) GetForUpdate(ctx context.Context, key domain.LedgerKey) (*domain.LedgerAccount, error) {
	return r.Get(ctx, key)
}

func (r ledgers) Get(_ context.Context, key domain.LedgerKey) (*domain.LedgerAccount, error) {
	a, ok := r.lookup(key)
	if !ok {
		return nil, errors.NotFound("ledger account", key.String())
	}
	cp := a.Clone()
	cp.Recompute()
	return cp, nil
}

func (r ledgers) Save(_ context.Context, acct *domain.LedgerAccount) error {
	cur, ok := r.lookup(acct.Key)
	if !ok {
		return errors.NotFound("ledger account", acct.Key.String())
	}
	if cur.Version != acct.Version {
		return errors.Conflict(fmt.Sprintf("ledger account %s was modified concurrently", acct.Key))
	}
	acct.Recompute()
	acct.Version++
	r.t.ledgers[acct.Key] = acct.Clone()
	return nil
}

func (r ledgers) AppendEntry(_ context.Context, entry *domain.LedgerEntry) error {
	if _, ok := r.lookup(entry.Key); !ok {
		return errors.NotFound("ledger account", entry.Key.String())
	}
	cp := *entry
	r.t.entries[entry.Key] = append(r.t.entries[entry.Key], &cp)
	return nil
}

func (r ledgers) Entries(_ context.Context, key domain.LedgerKey) ([]*domain.LedgerEntry, error) {
	all := append(append([]*domain.LedgerEntry(nil), r.t.base.entries[key]...), r.t.entries[key]...)
	out := make([]*domain.LedgerEntry, 0, len(all))
	for _, e := range all {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ── history ──────────────────────────────────────────────────────────────────

type history struct{ t *tx }

func (r history) Append(_ context.Context, entry *domain.HistoryEntry) error {
	if _, ok := (documents{r.t}).lookup(entry.DocumentID); !ok {
		return errors.NotFound("document", entry.DocumentID)
	}
	cp := *entry
	r.t.history[entry.DocumentID] = append(r.t.history[entry.DocumentID], &cp)
	return nil
}

func (r history) ListByDocument(_ context.Context, documentID string) ([]*domain.HistoryEntry, error) {
	all := append(append([]*domain.HistoryEntry(nil), r.t.base.history[documentID]...), r.t.history[documentID]...)
	out := make([]*domain.HistoryEntry, 0, len(all))
	for _, e := range all {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ── versions ─────────────────────────────────────────────────────────────────

type versions struct{ t *tx }

func (r versions) all(documentID string) []*domain.VersionSnapshot {
	return append(append([]*domain.VersionSnapshot(nil), r.t.base.versions[documentID]...), r.t.versions[documentID]...)
}

func (r versions) Append(_ context.Context, snap *domain.VersionSnapshot) error {
	if _, ok := (documents{r.t}).lookup(snap.DocumentID); !ok {
		return errors.NotFound("document", snap.DocumentID)
	}
	snap.Version = len(r.all(snap.DocumentID)) + 1
	r.t.versions[snap.DocumentID] = append(r.t.versions[snap.DocumentID], cloneSnapshot(snap))
	return nil
}

func (r versions) List(_ context.Context, documentID string) ([]*domain.VersionSnapshot, error) {
	all := r.all(documentID)
	out := make([]*domain.VersionSnapshot, 0, len(all))
	for _, s := range all {
		out = append(out, cloneSnapshot(s))
	}
	return out, nil
}

func (r versions) Get(_ context.Context, documentID string, version int) (*domain.VersionSnapshot, error) {
	all := r.all(documentID)
	if version < 1 || version > len(all) {
		return nil, errors.NotFound("version", fmt.Sprintf("%s@%d", documentID, version))
	}
	return cloneSnapshot(all[version-1]), nil
}

func cloneSnapshot(s *domain.VersionSnapshot) *domain.VersionSnapshot {
	doc := &domain.Document{Payload: s.Payload, Items: s.Items}
	cp := *s
	c := doc.Clone()
	cp.Payload = c.Payload
	cp.Items = c.Items
	return &cp
}

// ── sequences ────────────────────────────────────────────────────────────────

type sequences struct{ t *tx }

func (r sequences) Next(_ context.Context, scope string) (int64, error) {
	cur, ok := r.t.sequences[scope]
	if !ok {
		cur = r.t.base.sequences[scope]
	}
	cur++
	r.t.sequences[scope] = cur
	return cur, nil
}
