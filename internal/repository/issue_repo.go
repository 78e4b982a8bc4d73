package repository

import (
	"context"
	"fmt"

	"stk-payment-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type reconciliationRepo struct {
	db *pgxpool.Pool
}

func NewReconciliationRepository(db *pgxpool.Pool) ReconciliationRepository {
	return &reconciliationRepo{db: db}
}

func (r *reconciliationRepo) RecordIssue(ctx context.Context, issue *domain.ReconciliationIssue) error {
	query := `
		INSERT INTO reconciliation_issues (kind, order_id, transaction_ref, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query,
		issue.Kind,
		issue.OrderID,
		issue.TransactionRef,
		issue.Detail,
	).Scan(&issue.ID, &issue.CreatedAt)
}

func (r *reconciliationRepo) ListIssues(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.ReconciliationIssue, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, order_id, transaction_ref, detail, created_at, resolved_at
		FROM reconciliation_issues
		WHERE ($1 = FALSE OR resolved_at IS NULL)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, unresolvedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation issues: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationIssue
	for rows.Next() {
		var i domain.ReconciliationIssue
		if err := rows.Scan(&i.ID, &i.Kind, &i.OrderID, &i.TransactionRef, &i.Detail, &i.CreatedAt, &i.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (r *reconciliationRepo) ResolveIssue(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reconciliation_issues SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", domain.ErrIssueNotFound, id)
	}
	return nil
}
