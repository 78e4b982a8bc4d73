// internal/usecase/callback_uc.go
package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/events"
	"stk-payment-service/internal/provider/mpesa"
	"stk-payment-service/internal/repository"

	"go.uber.org/zap"
)

type CallbackUsecase struct {
	transactions   repository.TransactionRepository
	issues         repository.ReconciliationRepository
	publisher      events.Publisher
	retryPolicy    RetryPolicy
	processTimeout time.Duration
	publishTimeout time.Duration
	logger         *zap.Logger

	inflight sync.WaitGroup
}

func NewCallbackUsecase(
	transactions repository.TransactionRepository,
	issues repository.ReconciliationRepository,
	publisher events.Publisher,
	retryPolicy RetryPolicy,
	logger *zap.Logger,
) *CallbackUsecase {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &CallbackUsecase{
		transactions:   transactions,
		issues:         issues,
		publisher:      publisher,
		retryPolicy:    retryPolicy,
		processTimeout: 30 * time.Second,
		publishTimeout: 10 * time.Second,
		logger:         logger,
	}
}

// HandleSTKCallback records a gateway callback against the ledger and
// reconciles the order. Only a payload that cannot be parsed is reported
// back as malformed; every other outcome is acknowledged to the gateway.
// A store failure that survives the retries raises a reconciliation issue
// and returns an error wrapping domain.ErrReconciliationInconsistency.
func (uc *CallbackUsecase) HandleSTKCallback(ctx context.Context, payload []byte) (*domain.ApplyResult, error) {
	cb, err := mpesa.ParseSTKCallback(payload)
	if err != nil {
		callbacksTotal.WithLabelValues("malformed").Inc()
		uc.logger.Warn("rejecting malformed STK callback",
			zap.Int("payload_size", len(payload)),
			zap.Error(err))
		return nil, err
	}

	// Processing outlives the gateway's HTTP request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.processTimeout)
	defer cancel()

	logger := uc.logger.With(
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.String("merchant_request_id", cb.MerchantRequestID),
		zap.Int("result_code", cb.ResultCode))

	logger.Info("processing STK callback", zap.String("result_desc", cb.ResultDesc))

	var result *domain.ApplyResult
	err = retry(ctx, uc.retryPolicy, func(attempt int) error {
		var applyErr error
		result, applyErr = uc.transactions.ApplyCallback(ctx, cb)
		if applyErr != nil {
			logger.Warn("callback apply failed",
				zap.Int("attempt", attempt),
				zap.Error(applyErr))
		}
		return applyErr
	})
	if err != nil {
		callbacksTotal.WithLabelValues("error").Inc()
		reconciliationFailures.Inc()
		logger.Error("callback could not be reconciled; order may be stale",
			zap.String("target_status", string(cb.TargetStatus())),
			zap.Error(err))
		uc.raiseOrderUpdateFailed(ctx, cb, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrReconciliationInconsistency, err)
	}

	switch result.Outcome {
	case domain.OutcomeUnknownReference:
		callbacksTotal.WithLabelValues("unknown_reference").Inc()
		logger.Warn("callback for unknown transaction reference")
	case domain.OutcomeDuplicate:
		callbacksTotal.WithLabelValues("duplicate").Inc()
		logger.Info("duplicate callback ignored",
			zap.String("transaction_status", string(result.TransactionStatus)))
	case domain.OutcomeApplied:
		callbacksTotal.WithLabelValues("applied_" + string(result.TransactionStatus)).Inc()
		logger.Info("callback applied",
			zap.Int64("order_id", int64(result.OrderID)),
			zap.String("transaction_status", string(result.TransactionStatus)),
			zap.String("payment_status", string(result.PaymentStatus)),
			zap.Bool("order_updated", result.OrderUpdated))
		if result.DuplicateCompletion {
			issuesRaised.WithLabelValues(string(domain.IssueDuplicateCompletion)).Inc()
			logger.Error("order paid twice; second payment needs operator review",
				zap.Int64("order_id", int64(result.OrderID)))
		}
		if result.AmountMismatch {
			issuesRaised.WithLabelValues(string(domain.IssueAmountMismatch)).Inc()
			logger.Warn("gateway amount differs from requested amount",
				zap.Int64("order_id", int64(result.OrderID)))
		}
		uc.publish(ctx, cb, result)
	}

	return result, nil
}

// publish announces the outcome in the background; the gateway
// acknowledgment never waits on the broker.
func (uc *CallbackUsecase) publish(ctx context.Context, cb *domain.CallbackResult, result *domain.ApplyResult) {
	eventType := domain.EventPaymentFailed
	if result.TransactionStatus == domain.TxStatusCompleted {
		eventType = domain.EventPaymentCompleted
	}

	event := domain.PaymentEvent{
		EventID:        events.NewEventID(),
		Type:           eventType,
		OrderID:        result.OrderID,
		TransactionRef: cb.CheckoutRequestID,
		ReceiptNumber:  cb.ReceiptNumber,
		Amount:         cb.Amount,
		ResultCode:     cb.ResultCode,
		ResultDesc:     cb.ResultDesc,
		OccurredAt:     time.Now().UTC(),
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.publishTimeout)
	uc.inflight.Add(1)
	go func() {
		defer uc.inflight.Done()
		defer cancel()

		if err := uc.publisher.PublishPaymentEvent(publishCtx, event); err != nil {
			eventPublishErrors.Inc()
			uc.logger.Warn("failed to publish payment event",
				zap.String("checkout_request_id", cb.CheckoutRequestID),
				zap.String("type", eventType),
				zap.Error(err))
		}
	}()
}

// Wait blocks until background event publishes have finished.
func (uc *CallbackUsecase) Wait() {
	uc.inflight.Wait()
}

func (uc *CallbackUsecase) raiseOrderUpdateFailed(ctx context.Context, cb *domain.CallbackResult, cause error) {
	issuesRaised.WithLabelValues(string(domain.IssueOrderUpdateFailed)).Inc()

	var orderID domain.OrderID
	if tx, err := uc.transactions.GetByRef(ctx, cb.CheckoutRequestID); err == nil {
		orderID = tx.OrderID
	}

	issue := &domain.ReconciliationIssue{
		Kind:           domain.IssueOrderUpdateFailed,
		OrderID:        orderID,
		TransactionRef: cb.CheckoutRequestID,
		Detail:         fmt.Sprintf("callback result %d (%s) not applied: %v", cb.ResultCode, cb.ResultDesc, cause),
	}
	if err := uc.issues.RecordIssue(ctx, issue); err != nil {
		uc.logger.Error("failed to record reconciliation issue",
			zap.String("checkout_request_id", cb.CheckoutRequestID),
			zap.Error(err))
	}
}
