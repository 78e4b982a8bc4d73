package repository

import (
	"context"
	"fmt"

	"stk-payment-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type orderRepo struct {
	db *pgxpool.Pool
}

func NewOrderRepository(db *pgxpool.Pool) OrderRepository {
	return &orderRepo{db: db}
}

const orderColumns = `id, total_amount::text, payment_status, status, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o      domain.Order
		amount string
	)
	if err := row.Scan(&o.ID, &amount, &o.PaymentStatus, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	total, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid order amount %q: %w", amount, err)
	}
	o.TotalAmount = total
	return &o, nil
}

func (r *orderRepo) Create(ctx context.Context, order *domain.Order) error {
	if order.PaymentStatus == "" {
		order.PaymentStatus = domain.PaymentStatusPending
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	query := `
		INSERT INTO orders (total_amount, payment_status, status)
		VALUES ($1::numeric, $2, $3)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		order.TotalAmount.String(),
		order.PaymentStatus,
		order.Status,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

func (r *orderRepo) GetByID(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", domain.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (r *orderRepo) UpdatePaymentStatus(ctx context.Context, id domain.OrderID, to domain.PaymentStatus, note string) (*domain.Order, error) {
	var updated *domain.Order

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
		if isNoRows(err) {
			return fmt.Errorf("%w: %d", domain.ErrOrderNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		var hasCompleted bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE order_id = $1 AND status = 'completed')
		`, id).Scan(&hasCompleted); err != nil {
			return fmt.Errorf("failed to check completed transactions: %w", err)
		}

		if err := domain.CheckManualPaymentTransition(order.PaymentStatus, to, hasCompleted); err != nil {
			return err
		}

		if order.PaymentStatus == to {
			updated = order
			return nil
		}

		if err := tx.QueryRow(ctx, `
			UPDATE orders SET payment_status = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, id, to).Scan(&order.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}

		if err := insertHistory(ctx, tx, int64(id), domain.FieldPaymentStatus,
			string(order.PaymentStatus), string(to), domain.SourceManual, nil, strPtr(note)); err != nil {
			return err
		}

		order.PaymentStatus = to
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *orderRepo) ListStatusHistory(ctx context.Context, id domain.OrderID) ([]domain.StatusChange, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, field, from_status, to_status, source, transaction_ref, note, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	defer rows.Close()

	var out []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		if err := rows.Scan(&c.ID, &c.OrderID, &c.Field, &c.FromStatus, &c.ToStatus,
			&c.Source, &c.TransactionRef, &c.Note, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
