package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func success(amount int64) *CallbackResult {
	a := decimal.NewFromInt(amount)
	return &CallbackResult{CheckoutRequestID: "ws_CO_1", ResultCode: 0, Amount: &a}
}

func failure() *CallbackResult {
	return &CallbackResult{CheckoutRequestID: "ws_CO_1", ResultCode: 1032, ResultDesc: "Request cancelled by user"}
}

func pendingTx() *Transaction {
	return &Transaction{TransactionRef: "ws_CO_1", Amount: decimal.NewFromInt(100), Status: TxStatusPending}
}

func TestPlanCallbackSuccessPaysOrder(t *testing.T) {
	order := &Order{PaymentStatus: PaymentStatusPending, Status: OrderStatusPending}

	plan := PlanCallback(pendingTx(), order, success(100), false)

	assert.Equal(t, OutcomeApplied, plan.Outcome)
	assert.Equal(t, TxStatusCompleted, plan.TransactionStatus)
	require.NotNil(t, plan.PaymentStatus)
	assert.Equal(t, PaymentStatusPaid, *plan.PaymentStatus)
	assert.True(t, plan.ConfirmOrder)
	assert.False(t, plan.DuplicateCompletion)
	assert.False(t, plan.AmountMismatch)
}

func TestPlanCallbackSuccessOverridesFailedOrder(t *testing.T) {
	order := &Order{PaymentStatus: PaymentStatusFailed, Status: OrderStatusPending}

	plan := PlanCallback(pendingTx(), order, success(100), false)

	require.NotNil(t, plan.PaymentStatus)
	assert.Equal(t, PaymentStatusPaid, *plan.PaymentStatus)
}

func TestPlanCallbackFailureNeverUnpays(t *testing.T) {
	paid := &Order{PaymentStatus: PaymentStatusPaid, Status: OrderStatusConfirmed}
	plan := PlanCallback(pendingTx(), paid, failure(), true)
	assert.Equal(t, TxStatusFailed, plan.TransactionStatus)
	assert.Nil(t, plan.PaymentStatus)

	// Order drifted to pending while another attempt already completed.
	drifted := &Order{PaymentStatus: PaymentStatusPending, Status: OrderStatusPending}
	plan = PlanCallback(pendingTx(), drifted, failure(), true)
	assert.Nil(t, plan.PaymentStatus)
}

func TestPlanCallbackFailureFailsPendingOrder(t *testing.T) {
	order := &Order{PaymentStatus: PaymentStatusPending, Status: OrderStatusPending}

	plan := PlanCallback(pendingTx(), order, failure(), false)

	require.NotNil(t, plan.PaymentStatus)
	assert.Equal(t, PaymentStatusFailed, *plan.PaymentStatus)
	assert.False(t, plan.ConfirmOrder)
}

func TestPlanCallbackDuplicate(t *testing.T) {
	tx := pendingTx()
	tx.Status = TxStatusCompleted
	order := &Order{PaymentStatus: PaymentStatusPaid}

	plan := PlanCallback(tx, order, failure(), false)

	assert.Equal(t, OutcomeDuplicate, plan.Outcome)
	assert.Equal(t, TxStatusCompleted, plan.TransactionStatus)
	assert.Nil(t, plan.PaymentStatus)
}

func TestPlanCallbackSecondCompletionFlagged(t *testing.T) {
	order := &Order{PaymentStatus: PaymentStatusPaid, Status: OrderStatusConfirmed}

	plan := PlanCallback(pendingTx(), order, success(100), true)

	assert.Equal(t, TxStatusCompleted, plan.TransactionStatus)
	assert.True(t, plan.DuplicateCompletion)
	assert.Nil(t, plan.PaymentStatus)
	assert.False(t, plan.ConfirmOrder)
}

func TestPlanCallbackAmountMismatch(t *testing.T) {
	order := &Order{PaymentStatus: PaymentStatusPending, Status: OrderStatusPending}

	plan := PlanCallback(pendingTx(), order, success(90), false)

	assert.True(t, plan.AmountMismatch)
	require.NotNil(t, plan.PaymentStatus)
	assert.Equal(t, PaymentStatusPaid, *plan.PaymentStatus)
}
