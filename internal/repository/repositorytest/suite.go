// Package repositorytest holds behaviour tests shared by every ledger store.
package repositorytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Stores struct {
	Orders       repository.OrderRepository
	Transactions repository.TransactionRepository
	Issues       repository.ReconciliationRepository
	// ForcePaymentStatus writes the column directly, bypassing every rule,
	// to simulate drift.
	ForcePaymentStatus func(t *testing.T, id domain.OrderID, status domain.PaymentStatus)
}

var refSeq atomic.Int64

func nextRef() string {
	return fmt.Sprintf("ws_CO_test_%d", refSeq.Add(1))
}

func NewOrder(t *testing.T, s Stores, total int64) *domain.Order {
	t.Helper()
	o := &domain.Order{TotalAmount: decimal.NewFromInt(total)}
	require.NoError(t, s.Orders.Create(context.Background(), o))
	require.NotZero(t, o.ID)
	return o
}

func Initiate(t *testing.T, s Stores, orderID domain.OrderID, amount int64) *domain.Transaction {
	t.Helper()
	tx := &domain.Transaction{
		OrderID:           orderID,
		TransactionRef:    nextRef(),
		MerchantRequestID: "mr-1",
		Amount:            decimal.NewFromInt(amount),
		PhoneNumber:       "254712345678",
		PaymentDetails:    json.RawMessage(`{"request":{"Password":"[REDACTED]"}}`),
	}
	require.NoError(t, s.Transactions.RecordInitiation(context.Background(), tx))
	return tx
}

func Success(ref string, amount int64) *domain.CallbackResult {
	a := decimal.NewFromInt(amount)
	return &domain.CallbackResult{
		CheckoutRequestID: ref,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		Amount:            &a,
		ReceiptNumber:     "RCPT" + ref[len(ref)-3:],
	}
}

func Failure(ref string) *domain.CallbackResult {
	return &domain.CallbackResult{
		CheckoutRequestID: ref,
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	}
}

// Run exercises the ledger contract against a fresh store per subtest.
func Run(t *testing.T, newStores func(t *testing.T) Stores) {
	ctx := context.Background()

	t.Run("order lookup", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)

		got, err := s.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPending, got.PaymentStatus)
		assert.Equal(t, domain.OrderStatusPending, got.Status)
		assert.True(t, decimal.NewFromInt(100).Equal(got.TotalAmount))

		_, err = s.Orders.GetByID(ctx, o.ID+1000)
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("initiation records pending transaction", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		tx := Initiate(t, s, o.ID, 100)

		latest, err := s.Transactions.LatestForOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.TransactionRef, latest.TransactionRef)
		assert.Equal(t, domain.TxStatusPending, latest.Status)
		assert.Equal(t, domain.PaymentMethodMpesa, latest.PaymentMethod)
		assert.Contains(t, string(latest.PaymentDetails), "REDACTED")

		dup := *tx
		err = s.Transactions.RecordInitiation(ctx, &dup)
		assert.ErrorIs(t, err, domain.ErrDuplicateTransactionRef)

		err = s.Transactions.RecordInitiation(ctx, &domain.Transaction{
			OrderID: o.ID + 1000, TransactionRef: nextRef(), Amount: decimal.NewFromInt(1), PhoneNumber: "1",
		})
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("latest transaction wins ordering", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		Initiate(t, s, o.ID, 100)
		second := Initiate(t, s, o.ID, 100)

		latest, err := s.Transactions.LatestForOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, second.TransactionRef, latest.TransactionRef)

		all, err := s.Transactions.ListByOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("success callback pays order once", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		tx := Initiate(t, s, o.ID, 100)

		res, err := s.Transactions.ApplyCallback(ctx, Success(tx.TransactionRef, 100))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeApplied, res.Outcome)
		assert.True(t, res.OrderUpdated)
		assert.Equal(t, domain.PaymentStatusPaid, res.PaymentStatus)

		got, err := s.Transactions.GetByRef(ctx, tx.TransactionRef)
		require.NoError(t, err)
		assert.Equal(t, domain.TxStatusCompleted, got.Status)
		require.NotNil(t, got.ReceiptNumber)
		assert.NotNil(t, got.CompletedAt)
		assert.Contains(t, string(got.PaymentDetails), "callback")
		assert.Contains(t, string(got.PaymentDetails), "request")

		order, err := s.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
		assert.Equal(t, domain.OrderStatusConfirmed, order.Status)

		history, err := s.Orders.ListStatusHistory(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)

		// Redelivery, including a contradicting one, changes nothing.
		res, err = s.Transactions.ApplyCallback(ctx, Success(tx.TransactionRef, 100))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
		res, err = s.Transactions.ApplyCallback(ctx, Failure(tx.TransactionRef))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)

		again, err := s.Transactions.GetByRef(ctx, tx.TransactionRef)
		require.NoError(t, err)
		assert.Equal(t, domain.TxStatusCompleted, again.Status)
		assert.Equal(t, got.UpdatedAt, again.UpdatedAt)

		history, err = s.Orders.ListStatusHistory(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("failure callback fails pending order", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		tx := Initiate(t, s, o.ID, 100)

		res, err := s.Transactions.ApplyCallback(ctx, Failure(tx.TransactionRef))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeApplied, res.Outcome)
		assert.Equal(t, domain.TxStatusFailed, res.TransactionStatus)

		order, err := s.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusFailed, order.PaymentStatus)

		got, err := s.Transactions.GetByRef(ctx, tx.TransactionRef)
		require.NoError(t, err)
		require.NotNil(t, got.ResultDesc)
		assert.Equal(t, "Request cancelled by user", *got.ResultDesc)
		assert.Nil(t, got.CompletedAt)

		// A retry puts the order back in pending.
		Initiate(t, s, o.ID, 100)
		order, err = s.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)
	})

	t.Run("completed wins in either order", func(t *testing.T) {
		s := newStores(t)

		o1 := NewOrder(t, s, 100)
		a1 := Initiate(t, s, o1.ID, 100)
		b1 := Initiate(t, s, o1.ID, 100)
		_, err := s.Transactions.ApplyCallback(ctx, Failure(a1.TransactionRef))
		require.NoError(t, err)
		_, err = s.Transactions.ApplyCallback(ctx, Success(b1.TransactionRef, 100))
		require.NoError(t, err)

		o2 := NewOrder(t, s, 100)
		a2 := Initiate(t, s, o2.ID, 100)
		b2 := Initiate(t, s, o2.ID, 100)
		_, err = s.Transactions.ApplyCallback(ctx, Success(b2.TransactionRef, 100))
		require.NoError(t, err)
		res, err := s.Transactions.ApplyCallback(ctx, Failure(a2.TransactionRef))
		require.NoError(t, err)
		assert.False(t, res.OrderUpdated)

		for _, id := range []domain.OrderID{o1.ID, o2.ID} {
			order, err := s.Orders.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus, "order %d", id)
		}
	})

	t.Run("unknown reference is a no-op", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		Initiate(t, s, o.ID, 100)

		res, err := s.Transactions.ApplyCallback(ctx, Success("ws_CO_does_not_exist", 100))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeUnknownReference, res.Outcome)

		order, err := s.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)
	})

	t.Run("second completion is flagged", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		a := Initiate(t, s, o.ID, 100)
		b := Initiate(t, s, o.ID, 100)

		_, err := s.Transactions.ApplyCallback(ctx, Success(a.TransactionRef, 100))
		require.NoError(t, err)
		res, err := s.Transactions.ApplyCallback(ctx, Success(b.TransactionRef, 100))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeApplied, res.Outcome)
		assert.True(t, res.DuplicateCompletion)
		assert.False(t, res.OrderUpdated)

		issues, err := s.Issues.ListIssues(ctx, true, 10)
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, domain.IssueDuplicateCompletion, issues[0].Kind)
		assert.Equal(t, b.TransactionRef, issues[0].TransactionRef)
	})

	t.Run("amount mismatch is flagged", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		tx := Initiate(t, s, o.ID, 100)

		res, err := s.Transactions.ApplyCallback(ctx, Success(tx.TransactionRef, 10))
		require.NoError(t, err)
		assert.True(t, res.AmountMismatch)

		issues, err := s.Issues.ListIssues(ctx, true, 10)
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, domain.IssueAmountMismatch, issues[0].Kind)
	})

	t.Run("concurrent redelivery applies once", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		tx := Initiate(t, s, o.ID, 100)

		var (
			wg      sync.WaitGroup
			applied atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.Transactions.ApplyCallback(ctx, Success(tx.TransactionRef, 100))
				if assert.NoError(t, err) && res.Outcome == domain.OutcomeApplied {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, applied.Load())
		history, err := s.Orders.ListStatusHistory(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("manual payment status rules", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)

		_, err := s.Orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusPaid, "")
		assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

		tx := Initiate(t, s, o.ID, 100)
		_, err = s.Transactions.ApplyCallback(ctx, Success(tx.TransactionRef, 100))
		require.NoError(t, err)

		_, err = s.Orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusPending, "")
		assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

		updated, err := s.Orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusRefunded, "customer returned goods")
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusRefunded, updated.PaymentStatus)

		_, err = s.Orders.UpdatePaymentStatus(ctx, o.ID+1000, domain.PaymentStatusFailed, "")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)

		history, err := s.Orders.ListStatusHistory(ctx, o.ID)
		require.NoError(t, err)
		last := history[len(history)-1]
		assert.Equal(t, domain.SourceManual, last.Source)
		require.NotNil(t, last.Note)
		assert.Equal(t, "customer returned goods", *last.Note)
	})

	t.Run("drift is found and repaired", func(t *testing.T) {
		s := newStores(t)
		o := NewOrder(t, s, 100)
		tx := Initiate(t, s, o.ID, 100)
		_, err := s.Transactions.ApplyCallback(ctx, Success(tx.TransactionRef, 100))
		require.NoError(t, err)

		s.ForcePaymentStatus(t, o.ID, domain.PaymentStatusFailed)

		drifted, err := s.Transactions.FindUnreconciled(ctx, 10)
		require.NoError(t, err)
		require.Len(t, drifted, 1)
		assert.Equal(t, tx.TransactionRef, drifted[0].TransactionRef)

		repaired, err := s.Transactions.RepairOrder(ctx, tx.TransactionRef)
		require.NoError(t, err)
		assert.True(t, repaired)

		repaired, err = s.Transactions.RepairOrder(ctx, tx.TransactionRef)
		require.NoError(t, err)
		assert.False(t, repaired)

		order, err := s.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)

		drifted, err = s.Transactions.FindUnreconciled(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, drifted)
	})

	t.Run("issues can be resolved", func(t *testing.T) {
		s := newStores(t)
		issue := &domain.ReconciliationIssue{
			Kind:           domain.IssueOrderUpdateFailed,
			OrderID:        7,
			TransactionRef: "ws_CO_x",
			Detail:         "database unavailable",
		}
		require.NoError(t, s.Issues.RecordIssue(ctx, issue))
		require.NotZero(t, issue.ID)

		require.NoError(t, s.Issues.ResolveIssue(ctx, issue.ID))
		assert.ErrorIs(t, s.Issues.ResolveIssue(ctx, issue.ID), domain.ErrIssueNotFound)

		open, err := s.Issues.ListIssues(ctx, true, 10)
		require.NoError(t, err)
		assert.Empty(t, open)

		all, err := s.Issues.ListIssues(ctx, false, 10)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.NotNil(t, all[0].ResolvedAt)
	})
}
