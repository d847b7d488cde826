package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// Comparison is the outcome of diffing two snapshots.
type Comparison struct {
	From           int                   `json:"from"`
	To             int                   `json:"to"`
	Changes        []domain.Change       `json:"changes"`
	Classification domain.AmendmentClass `json:"classification"`
}

// VersionService reads document snapshots and compares them.
type VersionService struct {
	store    repository.Store
	registry *domain.Registry
}

// NewVersionService creates a new VersionService.
func NewVersionService(store repository.Store, registry *domain.Registry) *VersionService {
	return &VersionService{store: store, registry: registry}
}

// List returns every snapshot of a document, oldest first.
func (s *VersionService) List(ctx context.Context, documentID string) ([]*domain.VersionSnapshot, error) {
	var snaps []*domain.VersionSnapshot
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if _, err := tx.Documents().Get(ctx, documentID); err != nil {
			return err
		}
		var err error
		snaps, err = tx.Versions().List(ctx, documentID)
		return err
	})
	return snaps, err
}

// Get returns one snapshot.
func (s *VersionService) Get(ctx context.Context, documentID string, version int) (*domain.VersionSnapshot, error) {
	var snap *domain.VersionSnapshot
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		snap, err = tx.Versions().Get(ctx, documentID, version)
		return err
	})
	return snap, err
}

// Compare diffs version from against version to using the tracked fields of
// the document's type.
func (s *VersionService) Compare(ctx context.Context, documentID string, from, to int) (*Comparison, error) {
	if from < 1 || to < 1 {
		return nil, errors.InvalidInput("version", "versions start at 1")
	}

	var (
		doc      *domain.Document
		old, cur *domain.VersionSnapshot
	)
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		if doc, err = tx.Documents().Get(ctx, documentID); err != nil {
			return err
		}
		if old, err = tx.Versions().Get(ctx, documentID, from); err != nil {
			return err
		}
		cur, err = tx.Versions().Get(ctx, documentID, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	tracked, err := s.trackedFields(doc.Type)
	if err != nil {
		return nil, err
	}
	changes := domain.Diff(old, cur, tracked)
	return &Comparison{From: from, To: to, Changes: changes, Classification: domain.Classify(changes)}, nil
}

// PreviewAmendment diffs an amendment's proposal against the current content
// of the document it targets, without applying anything.
func (s *VersionService) PreviewAmendment(ctx context.Context, amendmentID string) (*Comparison, error) {
	var amendment, target *domain.Document
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		if amendment, err = tx.Documents().Get(ctx, amendmentID); err != nil {
			return err
		}
		if amendment.TargetID == "" {
			return errors.InvalidInput("amendmentId", amendment.Number+" is not an amendment")
		}
		target, err = tx.Documents().Get(ctx, amendment.TargetID)
		return err
	})
	if err != nil {
		return nil, err
	}

	tracked, err := s.trackedFields(target.Type)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	before := domain.NewSnapshot(target, "", "", now)
	proposed := target.Clone()
	domain.MergeAmendment(proposed, amendment)
	after := domain.NewSnapshot(proposed, amendment.ID, "", now)

	changes := domain.Diff(before, after, tracked)
	return &Comparison{Changes: changes, Classification: domain.Classify(changes)}, nil
}

func (s *VersionService) trackedFields(t domain.ResourceType) ([]domain.TrackedField, error) {
	p, err := s.registry.Get(t)
	if err != nil {
		return nil, err
	}
	if p.IsAmendment() {
		if p, err = s.registry.Get(p.AmendmentTarget); err != nil {
			return nil, err
		}
	}
	return p.TrackedFields, nil
}
