package usecase

import (
	"context"
	"fmt"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderUsecase covers operator and seeding operations on orders.
type OrderUsecase struct {
	orders       repository.OrderRepository
	transactions repository.TransactionRepository
	issues       repository.ReconciliationRepository
	logger       *zap.Logger
}

func NewOrderUsecase(
	orders repository.OrderRepository,
	transactions repository.TransactionRepository,
	issues repository.ReconciliationRepository,
	logger *zap.Logger,
) *OrderUsecase {
	return &OrderUsecase{orders: orders, transactions: transactions, issues: issues, logger: logger}
}

func (uc *OrderUsecase) CreateOrder(ctx context.Context, total decimal.Decimal) (*domain.Order, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: total amount must be greater than zero", domain.ErrValidation)
	}
	order := &domain.Order{TotalAmount: total}
	if err := uc.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	uc.logger.Info("order created",
		zap.Int64("order_id", int64(order.ID)),
		zap.String("total_amount", total.String()))
	return order, nil
}

func (uc *OrderUsecase) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return uc.orders.GetByID(ctx, id)
}

// OrderDetail is an order with its payment attempts and audit trail.
type OrderDetail struct {
	Order        *domain.Order         `json:"order"`
	Transactions []domain.Transaction  `json:"transactions"`
	History      []domain.StatusChange `json:"history"`
}

func (uc *OrderUsecase) GetOrderDetail(ctx context.Context, id domain.OrderID) (*OrderDetail, error) {
	order, err := uc.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := uc.transactions.ListByOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := uc.orders.ListStatusHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: order, Transactions: txs, History: history}, nil
}

func (uc *OrderUsecase) ListTransactions(ctx context.Context, id domain.OrderID) ([]domain.Transaction, error) {
	if _, err := uc.orders.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return uc.transactions.ListByOrder(ctx, id)
}

// UpdatePaymentStatus applies a manual change. paid requires a completed
// transaction, refunded requires paid, and paid never returns to pending.
func (uc *OrderUsecase) UpdatePaymentStatus(ctx context.Context, id domain.OrderID, to domain.PaymentStatus, note string) (*domain.Order, error) {
	order, err := uc.orders.UpdatePaymentStatus(ctx, id, to, note)
	if err != nil {
		uc.logger.Warn("manual payment status update refused",
			zap.Int64("order_id", int64(id)),
			zap.String("to", string(to)),
			zap.Error(err))
		return nil, err
	}
	uc.logger.Info("payment status updated manually",
		zap.Int64("order_id", int64(id)),
		zap.String("payment_status", string(order.PaymentStatus)))
	return order, nil
}

func (uc *OrderUsecase) ListIssues(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.ReconciliationIssue, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return uc.issues.ListIssues(ctx, unresolvedOnly, limit)
}

func (uc *OrderUsecase) ResolveIssue(ctx context.Context, id int64) error {
	if err := uc.issues.ResolveIssue(ctx, id); err != nil {
		return err
	}
	uc.logger.Info("reconciliation issue resolved", zap.Int64("issue_id", id))
	return nil
}
