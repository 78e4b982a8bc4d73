package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"stk-payment-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type transactionRepo struct {
	db *pgxpool.Pool
}

func NewTransactionRepository(db *pgxpool.Pool) TransactionRepository {
	return &transactionRepo{db: db}
}

const transactionColumns = `
	id, order_id, transaction_ref, merchant_request_id, amount::text, phone_number,
	payment_method, status, result_code, result_desc, receipt_number, payment_details,
	created_at, updated_at, completed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t       domain.Transaction
		amount  string
		details []byte
	)
	err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.TransactionRef,
		&t.MerchantRequestID,
		&amount,
		&t.PhoneNumber,
		&t.PaymentMethod,
		&t.Status,
		&t.ResultCode,
		&t.ResultDesc,
		&t.ReceiptNumber,
		&details,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid transaction amount %q: %w", amount, err)
	}
	t.PaymentDetails = json.RawMessage(details)
	return &t, nil
}

func (r *transactionRepo) RecordInitiation(ctx context.Context, t *domain.Transaction) error {
	if t.Status == "" {
		t.Status = domain.TxStatusPending
	}
	if t.PaymentMethod == "" {
		t.PaymentMethod = domain.PaymentMethodMpesa
	}
	details := t.PaymentDetails
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}

	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		var current domain.PaymentStatus
		err := tx.QueryRow(ctx, `SELECT payment_status FROM orders WHERE id = $1 FOR UPDATE`, t.OrderID).Scan(&current)
		if isNoRows(err) {
			return fmt.Errorf("%w: %d", domain.ErrOrderNotFound, t.OrderID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO payment_transactions (
				order_id, transaction_ref, merchant_request_id, amount, phone_number,
				payment_method, status, payment_details
			) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`,
			t.OrderID,
			t.TransactionRef,
			t.MerchantRequestID,
			t.Amount.String(),
			t.PhoneNumber,
			t.PaymentMethod,
			t.Status,
			[]byte(details),
		).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTransactionRef, t.TransactionRef)
		}
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}

		if current != domain.PaymentStatusFailed {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders SET payment_status = 'pending', updated_at = NOW() WHERE id = $1
		`, t.OrderID); err != nil {
			return fmt.Errorf("failed to reset order payment status: %w", err)
		}
		return insertHistory(ctx, tx, int64(t.OrderID), domain.FieldPaymentStatus,
			string(current), string(domain.PaymentStatusPending), domain.SourceInitiation, &t.TransactionRef, nil)
	})
}

func (r *transactionRepo) ApplyCallback(ctx context.Context, cb *domain.CallbackResult) (*domain.ApplyResult, error) {
	result := &domain.ApplyResult{TransactionRef: cb.CheckoutRequestID}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		current, err := scanTransaction(tx.QueryRow(ctx,
			`SELECT `+transactionColumns+` FROM payment_transactions WHERE transaction_ref = $1 FOR UPDATE`,
			cb.CheckoutRequestID))
		if isNoRows(err) {
			result.Outcome = domain.OutcomeUnknownReference
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock transaction: %w", err)
		}
		result.OrderID = current.OrderID

		order, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, current.OrderID))
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		var otherCompleted bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM payment_transactions
				WHERE order_id = $1 AND status = 'completed' AND id <> $2
			)
		`, current.OrderID, current.ID).Scan(&otherCompleted); err != nil {
			return fmt.Errorf("failed to check completed transactions: %w", err)
		}

		plan := domain.PlanCallback(current, order, cb, otherCompleted)
		result.Outcome = plan.Outcome
		result.TransactionStatus = plan.TransactionStatus
		result.PaymentStatus = order.PaymentStatus
		if plan.Outcome != domain.OutcomeApplied {
			return nil
		}

		callbackJSON, err := json.Marshal(cb)
		if err != nil {
			return fmt.Errorf("failed to marshal callback: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE payment_transactions
			SET status = $2,
				result_code = $3,
				result_desc = $4,
				receipt_number = $5,
				payment_details = COALESCE(payment_details, '{}'::jsonb) || jsonb_build_object('callback', $6::jsonb),
				completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
				updated_at = NOW()
			WHERE transaction_ref = $1 AND status = 'pending'
		`, cb.CheckoutRequestID, plan.TransactionStatus, cb.ResultCode, cb.ResultDesc,
			strPtr(cb.ReceiptNumber), string(callbackJSON))
		if err != nil {
			return fmt.Errorf("failed to finalize transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			result.Outcome = domain.OutcomeDuplicate
			return nil
		}

		if plan.PaymentStatus != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE orders
				SET payment_status = $2,
					status = CASE WHEN $3 THEN 'confirmed' ELSE status END,
					updated_at = NOW()
				WHERE id = $1
			`, order.ID, *plan.PaymentStatus, plan.ConfirmOrder); err != nil {
				return fmt.Errorf("failed to update order: %w", err)
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
			if err := insertIssue(ctx, tx, string(domain.IssueDuplicateCompletion), int64(order.ID), cb.CheckoutRequestID,
				"order already has a completed transaction; payment needs refund or review"); err != nil {
				return err
			}
		}
		if plan.AmountMismatch {
			result.AmountMismatch = true
			if err := insertIssue(ctx, tx, string(domain.IssueAmountMismatch), int64(order.ID), cb.CheckoutRequestID,
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

func (r *transactionRepo) GetByRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE transaction_ref = $1`, ref))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (r *transactionRepo) LatestForOrder(ctx context.Context, orderID domain.OrderID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, orderID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: order %d", domain.ErrTransactionNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest transaction: %w", err)
	}
	return t, nil
}

func (r *transactionRepo) ListByOrder(ctx context.Context, orderID domain.OrderID) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (r *transactionRepo) FindUnreconciled(ctx context.Context, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+prefixed("t", transactionColumns)+`
		FROM payment_transactions t
		JOIN orders o ON o.id = t.order_id
		WHERE t.status = 'completed'
		  AND o.payment_status NOT IN ('paid', 'refunded')
		ORDER BY t.completed_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find unreconciled transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (r *transactionRepo) RepairOrder(ctx context.Context, ref string) (bool, error) {
	repaired := false

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		var (
			orderID       domain.OrderID
			paymentStatus domain.PaymentStatus
			orderStatus   domain.OrderStatus
		)
		err := tx.QueryRow(ctx, `
			SELECT o.id, o.payment_status, o.status
			FROM payment_transactions t
			JOIN orders o ON o.id = t.order_id
			WHERE t.transaction_ref = $1 AND t.status = 'completed'
			FOR UPDATE OF o
		`, ref).Scan(&orderID, &paymentStatus, &orderStatus)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock order for repair: %w", err)
		}
		if paymentStatus.IsSettled() {
			return nil
		}

		confirm := orderStatus == domain.OrderStatusPending
		if _, err := tx.Exec(ctx, `
			UPDATE orders
			SET payment_status = 'paid',
				status = CASE WHEN $2 THEN 'confirmed' ELSE status END,
				updated_at = NOW()
			WHERE id = $1
		`, orderID, confirm); err != nil {
			return fmt.Errorf("failed to repair order: %w", err)
		}

		if err := insertHistory(ctx, tx, int64(orderID), domain.FieldPaymentStatus,
			string(paymentStatus), string(domain.PaymentStatusPaid), domain.SourceReconciler, &ref, nil); err != nil {
			return err
		}
		if confirm {
			if err := insertHistory(ctx, tx, int64(orderID), domain.FieldOrderStatus,
				string(orderStatus), string(domain.OrderStatusConfirmed), domain.SourceReconciler, &ref, nil); err != nil {
				return err
			}
		}

		repaired = true
		return nil
	})
	return repaired, err
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
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
