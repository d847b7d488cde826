package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-approval-workflows/internal/common/database"
	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

const documentColumns = `
	id, type, number, status, owner_id, title, amount::text,
	ledger_subject, ledger_period, effective_date, target_id,
	payload, items, flow, version, created_at, updated_at`

// DocumentRepository manages workflow documents. The approval flow is stored
// as JSONB on the document row so status and flow always change together.
type DocumentRepository struct {
	q database.Querier
}

// NewDocumentRepository creates a DocumentRepository over a pool or transaction.
func NewDocumentRepository(q database.Querier) *DocumentRepository {
	return &DocumentRepository{q: q}
}

// Create inserts a document at version 1.
func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	payloadJSON, itemsJSON, flowJSON, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_documents
		    (id, type, number, status, owner_id, title, amount,
		     ledger_subject, ledger_period, effective_date, target_id,
		     payload, items, flow, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric,
		        $8, $9, $10, $11,
		        $12, $13, $14, 1, $15, $15)
	`

	_, err = r.q.Exec(ctx, query,
		doc.ID,
		doc.Type,
		doc.Number,
		doc.Status,
		doc.OwnerID,
		doc.Title,
		doc.Amount.String(),
		doc.LedgerSubject,
		doc.LedgerPeriod,
		doc.EffectiveDate,
		nullString(doc.TargetID),
		payloadJSON,
		itemsJSON,
		flowJSON,
		doc.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict(fmt.Sprintf("document %s already exists", doc.Number))
		}
		return database.Classify(err, "failed to create document")
	}
	doc.Version = 1
	return nil
}

// Get retrieves a document by id.
func (r *DocumentRepository) Get(ctx context.Context, id string) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM workflow_documents WHERE id = $1`

	doc, err := scanDocument(r.q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("document", id)
	}
	if err != nil {
		return nil, database.Classify(err, "failed to get document")
	}
	return doc, nil
}

// Update writes the mutable columns guarded by the version the caller read.
func (r *DocumentRepository) Update(ctx context.Context, doc *domain.Document) error {
	payloadJSON, itemsJSON, flowJSON, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_documents
		SET status         = $3,
		    title          = $4,
		    amount         = $5::numeric,
		    effective_date = $6,
		    payload        = $7,
		    items          = $8,
		    flow           = $9,
		    version        = version + 1,
		    updated_at     = $10
		WHERE id = $1 AND version = $2
		RETURNING version
	`

	var newVersion int64
	err = r.q.QueryRow(ctx, query,
		doc.ID,
		doc.Version,
		doc.Status,
		doc.Title,
		doc.Amount.String(),
		doc.EffectiveDate,
		payloadJSON,
		itemsJSON,
		flowJSON,
		doc.UpdatedAt,
	).Scan(&newVersion)
	if stderrors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_documents WHERE id = $1)`, doc.ID).Scan(&exists); err != nil {
			return database.Classify(err, "failed to check document")
		}
		if !exists {
			return errors.NotFound("document", doc.ID)
		}
		return errors.Conflict(fmt.Sprintf("document %s was modified concurrently", doc.ID))
	}
	if err != nil {
		return database.Classify(err, "failed to update document")
	}
	doc.Version = newVersion
	return nil
}

// List retrieves documents with filtering and pagination, newest first.
func (r *DocumentRepository) List(ctx context.Context, filter repository.DocumentFilter) ([]*domain.Document, int64, error) {
	where := ` WHERE 1=1`
	var args []any
	argCount := 1

	if filter.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, filter.Type)
		argCount++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, filter.Status)
		argCount++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where += fmt.Sprintf(" AND status = ANY($%d)", argCount)
		args = append(args, statuses)
		argCount++
	}
	if filter.OwnerID != "" {
		where += fmt.Sprintf(" AND owner_id = $%d", argCount)
		args = append(args, filter.OwnerID)
		argCount++
	}
	if filter.NotOwnerID != "" {
		where += fmt.Sprintf(" AND owner_id <> $%d", argCount)
		args = append(args, filter.NotOwnerID)
		argCount++
	}
	if filter.TargetID != "" {
		where += fmt.Sprintf(" AND target_id = $%d", argCount)
		args = append(args, filter.TargetID)
		argCount++
	}
	if filter.ApproverID != "" {
		where += fmt.Sprintf(" AND flow -> 'requiredApprovers' ? $%d"+
			" AND COALESCE((flow ->> 'isComplete')::boolean, false) = false"+
			" AND NOT COALESCE(flow -> 'approvals', '[]'::jsonb) @> jsonb_build_array(jsonb_build_object('approverId', $%d::text))",
			argCount, argCount)
		args = append(args, filter.ApproverID)
		argCount++
	}

	var total int64
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM workflow_documents`+where, args...).Scan(&total); err != nil {
		return nil, 0, database.Classify(err, "failed to count documents")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + documentColumns + ` FROM workflow_documents` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argCount, argCount+1)

	rows, err := r.q.Query(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, database.Classify(err, "failed to list documents")
	}
	defer rows.Close()

	docs := make([]*domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, database.Classify(err, "failed to scan document")
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, database.Classify(err, "failed to list documents")
	}
	return docs, total, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (*domain.Document, error) {
	doc := &domain.Document{}
	var (
		amount                        string
		effectiveDate                 *time.Time
		targetID                      *string
		payloadJSON, itemsJSON, flowJ []byte
	)

	err := sc.Scan(
		&doc.ID,
		&doc.Type,
		&doc.Number,
		&doc.Status,
		&doc.OwnerID,
		&doc.Title,
		&amount,
		&doc.LedgerSubject,
		&doc.LedgerPeriod,
		&effectiveDate,
		&targetID,
		&payloadJSON,
		&itemsJSON,
		&flowJ,
		&doc.Version,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if doc.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	doc.EffectiveDate = effectiveDate
	if targetID != nil {
		doc.TargetID = *targetID
	}
	if err := json.Unmarshal(payloadJSON, &doc.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &doc.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(flowJ, &doc.Flow); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return doc, nil
}

func marshalDocument(doc *domain.Document) (payload, items, flow []byte, err error) {
	p := doc.Payload
	if p == nil {
		p = map[string]any{}
	}
	if payload, err = json.Marshal(p); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeValidation, "payload is not valid JSON")
	}
	it := doc.Items
	if it == nil {
		it = []domain.LineItem{}
	}
	if items, err = json.Marshal(it); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal items")
	}
	if flow, err = json.Marshal(doc.Flow); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval flow")
	}
	return payload, items, flow, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
