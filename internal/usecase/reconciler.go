package usecase

import (
	"context"
	"fmt"
	"time"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"

	"go.uber.org/zap"
)

// Reconciler periodically repairs orders that are not paid although one of
// their transactions completed.
type Reconciler struct {
	transactions repository.TransactionRepository
	issues       repository.ReconciliationRepository
	interval     time.Duration
	batchSize    int
	retryPolicy  RetryPolicy
	logger       *zap.Logger
}

func NewReconciler(
	transactions repository.TransactionRepository,
	issues repository.ReconciliationRepository,
	interval time.Duration,
	batchSize int,
	retryPolicy RetryPolicy,
	logger *zap.Logger,
) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		transactions: transactions,
		issues:       issues,
		interval:     interval,
		batchSize:    batchSize,
		retryPolicy:  retryPolicy,
		logger:       logger,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep repairs one batch and returns how many orders it fixed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	drifted, err := r.transactions.FindUnreconciled(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find unreconciled transactions: %w", err)
	}

	repaired := 0
	for _, tx := range drifted {
		var fixed bool
		err := retry(ctx, r.retryPolicy, func(int) error {
			var repairErr error
			fixed, repairErr = r.transactions.RepairOrder(ctx, tx.TransactionRef)
			return repairErr
		})
		if err != nil {
			reconciliationFailures.Inc()
			issuesRaised.WithLabelValues(string(domain.IssueOrderUpdateFailed)).Inc()
			r.logger.Error("failed to repair order",
				zap.Int64("order_id", int64(tx.OrderID)),
				zap.String("transaction_ref", tx.TransactionRef),
				zap.Error(err))
			issue := &domain.ReconciliationIssue{
				Kind:           domain.IssueOrderUpdateFailed,
				OrderID:        tx.OrderID,
				TransactionRef: tx.TransactionRef,
				Detail:         "reconciler repair failed: " + err.Error(),
			}
			if recErr := r.issues.RecordIssue(ctx, issue); recErr != nil {
				r.logger.Error("failed to record reconciliation issue", zap.Error(recErr))
			}
			continue
		}
		if fixed {
			repaired++
			reconcilerRepairs.Inc()
			r.logger.Warn("order repaired from completed transaction",
				zap.Int64("order_id", int64(tx.OrderID)),
				zap.String("transaction_ref", tx.TransactionRef))
		}
	}

	return repaired, nil
}
