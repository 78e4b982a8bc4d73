package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"

	"github.com/shopspring/decimal"
)

type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) repository.TransactionRepository {
	return &TransactionRepo{db: db}
}

const transactionColumns = `id, order_id, transaction_ref, merchant_request_id, amount, phone_number,
	payment_method, status, result_code, result_desc, receipt_number, payment_details,
	created_at, updated_at, completed_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t                    domain.Transaction
		amount, details      string
		resultCode           sql.NullInt64
		resultDesc, receipt  sql.NullString
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.TransactionRef, &t.MerchantRequestID, &amount, &t.PhoneNumber,
		&t.PaymentMethod, &t.Status, &resultCode, &resultDesc, &receipt, &details,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if resultCode.Valid {
		code := int(resultCode.Int64)
		t.ResultCode = &code
	}
	t.ResultDesc = nullString(resultDesc)
	t.ReceiptNumber = nullString(receipt)
	t.PaymentDetails = json.RawMessage(details)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) RecordInitiation(ctx context.Context, t *domain.Transaction) error {
	if t.Status == "" {
		t.Status = domain.TxStatusPending
	}
	if t.PaymentMethod == "" {
		t.PaymentMethod = domain.PaymentMethodMpesa
	}
	details := string(t.PaymentDetails)
	if details == "" {
		details = "{}"
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		order, err := getOrder(ctx, tx, t.OrderID)
		if err != nil {
			return err
		}

		ts := now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO payment_transactions (
				order_id, transaction_ref, merchant_request_id, amount, phone_number,
				payment_method, status, payment_details, created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?)
		`, int64(t.OrderID), t.TransactionRef, t.MerchantRequestID, t.Amount.String(), t.PhoneNumber,
			string(t.PaymentMethod), string(t.Status), details, ts, ts)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTransactionRef, t.TransactionRef)
		}
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		t.CreatedAt, _ = parseTime(ts)
		t.UpdatedAt = t.CreatedAt

		if order.PaymentStatus != domain.PaymentStatusFailed {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET payment_status = 'pending', updated_at = ? WHERE id = ?`, ts, int64(t.OrderID),
		); err != nil {
			return fmt.Errorf("reset order payment status: %w", err)
		}
		return insertHistory(ctx, tx, int64(t.OrderID), domain.FieldPaymentStatus,
			string(order.PaymentStatus), string(domain.PaymentStatusPending), domain.SourceInitiation, &t.TransactionRef, nil)
	})
}

func (r *TransactionRepo) ApplyCallback(ctx context.Context, cb *domain.CallbackResult) (*domain.ApplyResult, error) {
	result := &domain.ApplyResult{TransactionRef: cb.CheckoutRequestID}

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM payment_transactions WHERE transaction_ref = ?`, cb.CheckoutRequestID))
		if errors.Is(err, sql.ErrNoRows) {
			result.Outcome = domain.OutcomeUnknownReference
			return nil
		}
		if err != nil {
			return fmt.Errorf("load transaction: %w", err)
		}
		result.OrderID = current.OrderID

		order, err := getOrder(ctx, tx, current.OrderID)
		if err != nil {
			return err
		}

		var others int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM payment_transactions
			WHERE order_id = ? AND status = 'completed' AND id <> ?
		`, int64(current.OrderID), current.ID).Scan(&others); err != nil {
			return fmt.Errorf("count completed: %w", err)
		}

		plan := domain.PlanCallback(current, order, cb, others > 0)
		result.Outcome = plan.Outcome
		result.TransactionStatus = plan.TransactionStatus
		result.PaymentStatus = order.PaymentStatus
		if plan.Outcome != domain.OutcomeApplied {
			return nil
		}

		callbackJSON, err := json.Marshal(cb)
		if err != nil {
			return fmt.Errorf("marshal callback: %w", err)
		}

		ts := now()
		var completedAt any
		if plan.TransactionStatus == domain.TxStatusCompleted {
			completedAt = ts
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE payment_transactions
			SET status = ?,
				result_code = ?,
				result_desc = ?,
				receipt_number = ?,
				payment_details = json_set(COALESCE(payment_details, '{}'), '$.callback', json(?)),
				completed_at = COALESCE(?, completed_at),
				updated_at = ?
			WHERE transaction_ref = ? AND status = 'pending'
		`, string(plan.TransactionStatus), cb.ResultCode, cb.ResultDesc, strPtr(cb.ReceiptNumber),
			string(callbackJSON), completedAt, ts, cb.CheckoutRequestID)
		if err != nil {
			return fmt.Errorf("finalize transaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Outcome = domain.OutcomeDuplicate
			return nil
		}

		if plan.PaymentStatus != nil {
			status := order.Status
			if plan.ConfirmOrder {
				status = domain.OrderStatusConfirmed
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE orders SET payment_status = ?, status = ?, updated_at = ? WHERE id = ?`,
				string(*plan.PaymentStatus), string(status), ts, int64(order.ID),
			); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			if err := insertHistory(ctx, tx, int64(order.ID), domain.FieldPaymentStatus,
				string(order.PaymentStatus), string(*plan.PaymentStatus), domain.SourceCallback, &cb.CheckoutRequestID, strPtr(cb.ResultDesc)); err != nil {
				return err
			}
			if plan.ConfirmOrder {
				if err := insertHistory(ctx, tx, int64(order.ID), domain.FieldOrderStatus,
					string(order.Status), string(domain.OrderStatusConfirmed), domain.SourceCallback, &cb.CheckoutRequestID, nil); err != nil {
					return err
				}
			}
			result.OrderUpdated = true
			result.PaymentStatus = *plan.PaymentStatus
		}

		if plan.DuplicateCompletion {
			result.DuplicateCompletion = true
			if _, _, err := insertIssue(ctx, tx, string(domain.IssueDuplicateCompletion), int64(order.ID), cb.CheckoutRequestID,
				"order already has a completed transaction; payment needs refund or review"); err != nil {
				return err
			}
		}
		if plan.AmountMismatch {
			result.AmountMismatch = true
			if _, _, err := insertIssue(ctx, tx, string(domain.IssueAmountMismatch), int64(order.ID), cb.CheckoutRequestID,
				fmt.Sprintf("requested %s, gateway reported %s", current.Amount.String(), cb.Amount.String())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *TransactionRepo) GetByRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE transaction_ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *TransactionRepo) LatestForOrder(ctx context.Context, orderID domain.OrderID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE order_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, int64(orderID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %d", domain.ErrTransactionNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest transaction: %w", err)
	}
	return t, nil
}

func (r *TransactionRepo) ListByOrder(ctx context.Context, orderID domain.OrderID) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE order_id = ?
		ORDER BY created_at DESC, id DESC
	`, int64(orderID))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (r *TransactionRepo) FindUnreconciled(ctx context.Context, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE status = 'completed'
		  AND order_id IN (SELECT id FROM orders WHERE payment_status NOT IN ('paid', 'refunded'))
		ORDER BY completed_at
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find unreconciled: %w", err)
	}
	return collectTransactions(rows)
}

func (r *TransactionRepo) RepairOrder(ctx context.Context, ref string) (bool, error) {
	repaired := false

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var orderID int64
		err := tx.QueryRowContext(ctx,
			`SELECT order_id FROM payment_transactions WHERE transaction_ref = ? AND status = 'completed'`, ref,
		).Scan(&orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load transaction: %w", err)
		}

		order, err := getOrder(ctx, tx, domain.OrderID(orderID))
		if err != nil {
			return err
		}
		if order.PaymentStatus.IsSettled() {
			return nil
		}

		status := order.Status
		confirm := status == domain.OrderStatusPending
		if confirm {
			status = domain.OrderStatusConfirmed
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET payment_status = 'paid', status = ?, updated_at = ? WHERE id = ?`,
			string(status), now(), orderID,
		); err != nil {
			return fmt.Errorf("repair order: %w", err)
		}
		if err := insertHistory(ctx, tx, orderID, domain.FieldPaymentStatus,
			string(order.PaymentStatus), string(domain.PaymentStatusPaid), domain.SourceReconciler, &ref, nil); err != nil {
			return err
		}
		if confirm {
			if err := insertHistory(ctx, tx, orderID, domain.FieldOrderStatus,
				string(order.Status), string(domain.OrderStatusConfirmed), domain.SourceReconciler, &ref, nil); err != nil {
				return err
			}
		}

		repaired = true
		return nil
	})
	return repaired, err
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
