package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/internal/common/database"
	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

// VersionRepository stores append-only document snapshots keyed by
// (document_id, version).
type VersionRepository struct {
	q database.Querier
}

// NewVersionRepository creates a VersionRepository.
func NewVersionRepository(q database.Querier) *VersionRepository {
	return &VersionRepository{q: q}
}

// Append numbers the snapshot count+1 in the same statement that inserts it.
// Two writers racing for the same number hit the primary key and the loser
// gets a CONFLICT.
func (r *VersionRepository) Append(ctx context.Context, snap *domain.VersionSnapshot) error {
	payloadJSON, err := json.Marshal(snap.Payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal snapshot payload")
	}
	itemsJSON, err := json.Marshal(snap.Items)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal snapshot items")
	}

	query := `
		INSERT INTO document_versions
		    (document_id, version, status, payload, items, amendment_id, created_by, created_at)
		SELECT $1::uuid, COALESCE(MAX(version), 0) + 1, $2::text, $3::jsonb, $4::jsonb,
		       $5::uuid, $6::text, $7::timestamptz
		FROM document_versions
		WHERE document_id = $1::uuid
		RETURNING version
	`

	err = r.q.QueryRow(ctx, query,
		snap.DocumentID,
		snap.Status,
		payloadJSON,
		itemsJSON,
		nullString(snap.AmendmentID),
		snap.CreatedBy,
		snap.CreatedAt,
	).Scan(&snap.Version)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict(fmt.Sprintf("document %s version was written concurrently", snap.DocumentID))
		}
		return database.Classify(err, "failed to append snapshot")
	}
	return nil
}

// List returns every snapshot of a document in version order.
func (r *VersionRepository) List(ctx context.Context, documentID string) ([]*domain.VersionSnapshot, error) {
	query := `
		SELECT document_id, version, status, payload, items, amendment_id, created_by, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version ASC
	`

	rows, err := r.q.Query(ctx, query, documentID)
	if err != nil {
		return nil, database.Classify(err, "failed to list snapshots")
	}
	defer rows.Close()

	snaps := make([]*domain.VersionSnapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, database.Classify(err, "failed to scan snapshot")
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "failed to list snapshots")
	}
	return snaps, nil
}

// Get returns one snapshot.
func (r *VersionRepository) Get(ctx context.Context, documentID string, version int) (*domain.VersionSnapshot, error) {
	query := `
		SELECT document_id, version, status, payload, items, amendment_id, created_by, created_at
		FROM document_versions
		WHERE document_id = $1 AND version = $2
	`

	snap, err := scanSnapshot(r.q.QueryRow(ctx, query, documentID, version))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("version", fmt.Sprintf("%s@%d", documentID, version))
	}
	if err != nil {
		return nil, database.Classify(err, "failed to get snapshot")
	}
	return snap, nil
}

func scanSnapshot(sc scanner) (*domain.VersionSnapshot, error) {
	snap := &domain.VersionSnapshot{}
	var (
		payloadJSON, itemsJSON []byte
		amendmentID            *string
	)
	err := sc.Scan(
		&snap.DocumentID,
		&snap.Version,
		&snap.Status,
		&payloadJSON,
		&itemsJSON,
		&amendmentID,
		&snap.CreatedBy,
		&snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &snap.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &snap.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if amendmentID != nil {
		snap.AmendmentID = *amendmentID
	}
	return snap, nil
}
