// internal/repository/repository.go
package repository

import (
	"context"

	"stk-payment-service/internal/domain"
)

type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	// UpdatePaymentStatus applies an operator-driven change, checked against
	// the order's completed transactions under a row lock.
	UpdatePaymentStatus(ctx context.Context, id domain.OrderID, to domain.PaymentStatus, note string) (*domain.Order, error)
	ListStatusHistory(ctx context.Context, id domain.OrderID) ([]domain.StatusChange, error)
}

// TransactionRepository is the payment ledger. Writes that touch both a
// transaction and its order run in one database transaction.
type TransactionRepository interface {
	// RecordInitiation stores a new pending attempt and moves a failed order
	// back to pending.
	RecordInitiation(ctx context.Context, tx *domain.Transaction) error
	// ApplyCallback moves a pending transaction to its terminal status and
	// reconciles the order. Redelivered callbacks are no-ops.
	ApplyCallback(ctx context.Context, cb *domain.CallbackResult) (*domain.ApplyResult, error)
	GetByRef(ctx context.Context, ref string) (*domain.Transaction, error)
	LatestForOrder(ctx context.Context, orderID domain.OrderID) (*domain.Transaction, error)
	ListByOrder(ctx context.Context, orderID domain.OrderID) ([]domain.Transaction, error)
	// FindUnreconciled returns completed transactions whose order is not paid.
	FindUnreconciled(ctx context.Context, limit int) ([]domain.Transaction, error)
	// RepairOrder marks the order of a completed transaction paid. It reports
	// false when there was nothing to repair.
	RepairOrder(ctx context.Context, ref string) (bool, error)
}

type ReconciliationRepository interface {
	RecordIssue(ctx context.Context, issue *domain.ReconciliationIssue) error
	ListIssues(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.ReconciliationIssue, error)
	ResolveIssue(ctx context.Context, id int64) error
}
