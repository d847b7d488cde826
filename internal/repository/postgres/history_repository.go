package postgres

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-approval-workflows/internal/common/database"
	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

// HistoryRepository appends and reads immutable approval history entries.
type HistoryRepository struct {
	q database.Querier
}

// NewHistoryRepository creates a HistoryRepository.
func NewHistoryRepository(q database.Querier) *HistoryRepository {
	return &HistoryRepository{q: q}
}

// Append inserts one history entry. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *HistoryRepository) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	query := `
		INSERT INTO workflow_history
		    (id, document_id, actor_id, action,
		     from_status, to_status, remarks,
		     metadata, at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9)
	`

	_, err := r.q.Exec(ctx, query,
		entry.ID,
		entry.DocumentID,
		entry.ActorID,
		entry.Action,
		nullString(string(entry.FromStatus)),
		nullString(string(entry.ToStatus)),
		nullString(entry.Remarks),
		metadataJSON,
		entry.At,
	)
	if err != nil {
		return database.Classify(err, "failed to append history entry")
	}
	return nil
}

// ListByDocument returns the full history of a document, oldest first.
func (r *HistoryRepository) ListByDocument(ctx context.Context, documentID string) ([]*domain.HistoryEntry, error) {
	query := `
		SELECT id, document_id, actor_id, action,
		       from_status, to_status, remarks,
		       metadata, at
		FROM workflow_history
		WHERE document_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.q.Query(ctx, query, documentID)
	if err != nil {
		return nil, database.Classify(err, "failed to get history")
	}
	defer rows.Close()

	entries := make([]*domain.HistoryEntry, 0)
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "failed to get history")
	}
	return entries, nil
}

func scanHistoryEntry(sc scanner) (*domain.HistoryEntry, error) {
	entry := &domain.HistoryEntry{}
	var (
		fromStatus, toStatus, remarks *string
		metadataJSON                  []byte
	)

	err := sc.Scan(
		&entry.ID,
		&entry.DocumentID,
		&entry.ActorID,
		&entry.Action,
		&fromStatus,
		&toStatus,
		&remarks,
		&metadataJSON,
		&entry.At,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
	}

	if fromStatus != nil {
		entry.FromStatus = domain.Status(*fromStatus)
	}
	if toStatus != nil {
		entry.ToStatus = domain.Status(*toStatus)
	}
	if remarks != nil {
		entry.Remarks = *remarks
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
		}
	}
	return entry, nil
}
