// internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/provider/mpesa"
	"stk-payment-service/internal/repository"

	"go.uber.org/zap"
)

// STKGateway submits push requests to the mobile-money gateway.
type STKGateway interface {
	InitiateSTKPush(ctx context.Context, req *mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

type PaymentUsecase struct {
	orders       repository.OrderRepository
	transactions repository.TransactionRepository
	issues       repository.ReconciliationRepository
	gateway      STKGateway
	builder      *mpesa.RequestBuilder
	countryCode  string
	logger       *zap.Logger
}

func NewPaymentUsecase(
	orders repository.OrderRepository,
	transactions repository.TransactionRepository,
	issues repository.ReconciliationRepository,
	gateway STKGateway,
	builder *mpesa.RequestBuilder,
	countryCode string,
	logger *zap.Logger,
) *PaymentUsecase {
	return &PaymentUsecase{
		orders:       orders,
		transactions: transactions,
		issues:       issues,
		gateway:      gateway,
		builder:      builder,
		countryCode:  countryCode,
		logger:       logger,
	}
}

type InitiateRequest struct {
	OrderID     domain.OrderID
	PhoneNumber string
	Amount      string
}

type InitiateResult struct {
	CorrelationID     string `json:"correlationId"`
	MerchantRequestID string `json:"merchantRequestId"`
	CustomerMessage   string `json:"customerMessage"`
	TransactionID     int64  `json:"transactionId"`
}

// Initiate sends a push payment request for an order and records the
// pending attempt. The returned correlation id is the gateway's
// CheckoutRequestID, which the callback later references.
func (uc *PaymentUsecase) Initiate(ctx context.Context, req InitiateRequest) (res *InitiateResult, err error) {
	defer func() { initiationsTotal.WithLabelValues(initiationResult(err)).Inc() }()

	if req.OrderID <= 0 {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	amount, err := mpesa.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if _, err := mpesa.ValidateAmount(amount); err != nil {
		return nil, err
	}
	phone, err := mpesa.NormalizePhone(req.PhoneNumber, uc.countryCode)
	if err != nil {
		return nil, err
	}

	order, err := uc.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus.IsSettled() {
		return nil, fmt.Errorf("%w: order %d is %s", domain.ErrOrderAlreadyPaid, order.ID, order.PaymentStatus)
	}

	pushReq, err := uc.builder.Build(order.ID, phone, amount)
	if err != nil {
		return nil, err
	}

	uc.logger.Info("initiating STK push",
		zap.Int64("order_id", int64(order.ID)),
		zap.String("phone", phone),
		zap.String("amount", amount.String()))

	start := time.Now()
	resp, err := uc.gateway.InitiateSTKPush(ctx, pushReq)
	gatewayDuration.WithLabelValues(initiationResult(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		uc.logger.Warn("STK push failed",
			zap.Int64("order_id", int64(order.ID)),
			zap.Error(err))
		return nil, err
	}

	details, err := json.Marshal(map[string]interface{}{
		"request":  pushReq.Redacted(),
		"response": resp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment details: %w", err)
	}

	tx := &domain.Transaction{
		OrderID:           order.ID,
		TransactionRef:    resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Amount:            amount,
		PhoneNumber:       phone,
		PaymentMethod:     domain.PaymentMethodMpesa,
		Status:            domain.TxStatusPending,
		PaymentDetails:    details,
	}

	// The push is already on the payer's phone; the record must land even
	// if the client goes away.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := uc.transactions.RecordInitiation(persistCtx, tx); err != nil {
		uc.logger.Error("failed to record accepted STK push",
			zap.Int64("order_id", int64(order.ID)),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err))
		uc.raiseIssue(persistCtx, domain.IssueOrphanInitiation, order.ID, resp.CheckoutRequestID, err.Error())
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	uc.logger.Info("STK push recorded",
		zap.Int64("order_id", int64(order.ID)),
		zap.Int64("transaction_id", tx.ID),
		zap.String("checkout_request_id", tx.TransactionRef))

	return &InitiateResult{
		CorrelationID:     resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
		TransactionID:     tx.ID,
	}, nil
}

func (uc *PaymentUsecase) raiseIssue(ctx context.Context, kind domain.IssueKind, orderID domain.OrderID, ref, detail string) {
	issuesRaised.WithLabelValues(string(kind)).Inc()
	if uc.issues == nil {
		return
	}
	issue := &domain.ReconciliationIssue{Kind: kind, OrderID: orderID, TransactionRef: ref, Detail: detail}
	if err := uc.issues.RecordIssue(ctx, issue); err != nil && !errors.Is(err, context.Canceled) {
		uc.logger.Error("failed to record reconciliation issue",
			zap.String("kind", string(kind)),
			zap.String("transaction_ref", ref),
			zap.Error(err))
	}
}
