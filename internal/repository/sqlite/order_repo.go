package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"

	"github.com/shopspring/decimal"
)

type OrderRepo struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) repository.OrderRepository {
	return &OrderRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const orderColumns = `id, total_amount, payment_status, status, created_at, updated_at`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                    domain.Order
		amount               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&o.ID, &amount, &o.PaymentStatus, &o.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if o.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse total_amount: %w", err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func getOrder(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id domain.OrderID) (*domain.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *OrderRepo) Create(ctx context.Context, order *domain.Order) error {
	if order.PaymentStatus == "" {
		order.PaymentStatus = domain.PaymentStatusPending
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	ts := now()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (total_amount, payment_status, status, created_at, updated_at) VALUES (?,?,?,?,?)`,
		order.TotalAmount.String(), string(order.PaymentStatus), string(order.Status), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	order.ID = domain.OrderID(id)
	order.CreatedAt, _ = parseTime(ts)
	order.UpdatedAt = order.CreatedAt
	return nil
}

func (r *OrderRepo) GetByID(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return getOrder(ctx, r.db, id)
}

func (r *OrderRepo) UpdatePaymentStatus(ctx context.Context, id domain.OrderID, to domain.PaymentStatus, note string) (*domain.Order, error) {
	var updated *domain.Order

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		order, err := getOrder(ctx, tx, id)
		if err != nil {
			return err
		}

		var completed int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM payment_transactions WHERE order_id = ? AND status = 'completed'`, int64(id),
		).Scan(&completed); err != nil {
			return fmt.Errorf("count completed: %w", err)
		}

		if err := domain.CheckManualPaymentTransition(order.PaymentStatus, to, completed > 0); err != nil {
			return err
		}
		if order.PaymentStatus == to {
			updated = order
			return nil
		}

		ts := now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ?`, string(to), ts, int64(id),
		); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		if err := insertHistory(ctx, tx, int64(id), domain.FieldPaymentStatus,
			string(order.PaymentStatus), string(to), domain.SourceManual, nil, strPtr(note)); err != nil {
			return err
		}

		order.PaymentStatus = to
		order.UpdatedAt, _ = parseTime(ts)
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *OrderRepo) ListStatusHistory(ctx context.Context, id domain.OrderID) ([]domain.StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, field, from_status, to_status, source, transaction_ref, note, created_at
		FROM order_status_history
		WHERE order_id = ?
		ORDER BY created_at, id
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []domain.StatusChange
	for rows.Next() {
		var (
			c         domain.StatusChange
			ref, note sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.OrderID, &c.Field, &c.FromStatus, &c.ToStatus, &c.Source, &ref, &note, &createdAt); err != nil {
			return nil, err
		}
		c.TransactionRef = nullString(ref)
		c.Note = nullString(note)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
