package usecase

import (
	"context"
	"errors"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"
)

// StatusUsecase answers polling clients. Reads go to the primary store on
// every call.
type StatusUsecase struct {
	orders       repository.OrderRepository
	transactions repository.TransactionRepository
}

func NewStatusUsecase(orders repository.OrderRepository, transactions repository.TransactionRepository) *StatusUsecase {
	return &StatusUsecase{orders: orders, transactions: transactions}
}

func (uc *StatusUsecase) GetStatus(ctx context.Context, orderID domain.OrderID) (*domain.PaymentStatusView, error) {
	order, err := uc.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	view := &domain.PaymentStatusView{
		OrderID:       order.ID,
		PaymentStatus: order.PaymentStatus,
	}

	latest, err := uc.transactions.LatestForOrder(ctx, orderID)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}

	status := latest.Status
	ref := latest.TransactionRef
	view.TransactionStatus = &status
	view.TransactionRef = &ref
	view.ReceiptNumber = latest.ReceiptNumber

	return view, nil
}
