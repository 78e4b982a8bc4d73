package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"
)

type ReconciliationRepo struct {
	db *sql.DB
}

func NewReconciliationRepository(db *sql.DB) repository.ReconciliationRepository {
	return &ReconciliationRepo{db: db}
}

func (r *ReconciliationRepo) RecordIssue(ctx context.Context, issue *domain.ReconciliationIssue) error {
	id, created, err := insertIssue(ctx, r.db, string(issue.Kind), int64(issue.OrderID), issue.TransactionRef, issue.Detail)
	if err != nil {
		return err
	}
	issue.ID = id
	issue.CreatedAt, _ = parseTime(created)
	return nil
}

func (r *ReconciliationRepo) ListIssues(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.ReconciliationIssue, error) {
	query := `SELECT id, kind, order_id, transaction_ref, detail, created_at, resolved_at FROM reconciliation_issues`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationIssue
	for rows.Next() {
		var (
			i          domain.ReconciliationIssue
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&i.ID, &i.Kind, &i.OrderID, &i.TransactionRef, &i.Detail, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		if i.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if i.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (r *ReconciliationRepo) ResolveIssue(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE reconciliation_issues SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`, now(), id)
	if err != nil {
		return fmt.Errorf("resolve issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", domain.ErrIssueNotFound, id)
	}
	return nil
}
