package postgres

import (
	"context"

	"github.com/pesio-ai/be-approval-workflows/internal/common/database"
)

// SequenceRepository increments per-scope counters with a single upsert, so
// an increment is either fully applied or not at all.
type SequenceRepository struct {
	q database.Querier
}

// NewSequenceRepository creates a SequenceRepository.
func NewSequenceRepository(q database.Querier) *SequenceRepository {
	return &SequenceRepository{q: q}
}

// Next returns the incremented counter for scope, starting at 1.
func (r *SequenceRepository) Next(ctx context.Context, scope string) (int64, error) {
	query := `
		INSERT INTO sequence_counters (scope, value, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (scope) DO UPDATE
		SET value      = sequence_counters.value + 1,
		    updated_at = NOW()
		RETURNING value
	`

	var value int64
	if err := r.q.QueryRow(ctx, query, scope).Scan(&value); err != nil {
		return 0, database.Classify(err, "failed to increment sequence")
	}
	return value, nil
}
