package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway result code for a successful payment.
const ResultCodeSuccess = 0

// CallbackResult is a parsed STK callback.
type CallbackResult struct {
	CheckoutRequestID string           `json:"checkout_request_id"`
	MerchantRequestID string           `json:"merchant_request_id"`
	ResultCode        int              `json:"result_code"`
	ResultDesc        string           `json:"result_desc"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	ReceiptNumber     string           `json:"receipt_number,omitempty"`
	PhoneNumber       string           `json:"phone_number,omitempty"`
	TransactionDate   string           `json:"transaction_date,omitempty"`
	Raw               json.RawMessage  `json:"raw,omitempty"`
}

func (c *CallbackResult) Succeeded() bool {
	return c.ResultCode == ResultCodeSuccess
}

// TargetStatus is the ledger status the callback resolves to.
func (c *CallbackResult) TargetStatus() TransactionStatus {
	if c.Succeeded() {
		return TxStatusCompleted
	}
	return TxStatusFailed
}

type ApplyOutcome string

const (
	OutcomeApplied          ApplyOutcome = "applied"
	OutcomeDuplicate        ApplyOutcome = "duplicate"
	OutcomeUnknownReference ApplyOutcome = "unknown_reference"
)

// ApplyResult describes what a callback did to the ledger and the order.
type ApplyResult struct {
	Outcome             ApplyOutcome      `json:"outcome"`
	OrderID             OrderID           `json:"order_id,omitempty"`
	TransactionRef      string            `json:"transaction_ref"`
	TransactionStatus   TransactionStatus `json:"transaction_status,omitempty"`
	PaymentStatus       PaymentStatus     `json:"payment_status,omitempty"`
	OrderUpdated        bool              `json:"order_updated"`
	DuplicateCompletion bool              `json:"duplicate_completion"`
	AmountMismatch      bool              `json:"amount_mismatch"`
}

type IssueKind string

const (
	IssueOrderUpdateFailed   IssueKind = "order_update_failed"
	IssueDuplicateCompletion IssueKind = "duplicate_completion"
	IssueAmountMismatch      IssueKind = "amount_mismatch"
	IssueOrphanInitiation    IssueKind = "orphan_initiation"
)

// ReconciliationIssue flags ledger/order drift for an operator.
type ReconciliationIssue struct {
	ID             int64      `json:"id" db:"id"`
	Kind           IssueKind  `json:"kind" db:"kind"`
	OrderID        OrderID    `json:"order_id" db:"order_id"`
	TransactionRef string     `json:"transaction_ref" db:"transaction_ref"`
	Detail         string     `json:"detail" db:"detail"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// PaymentEvent is published when a transaction reaches a terminal state.
type PaymentEvent struct {
	EventID        string           `json:"event_id"`
	Type           string           `json:"type"`
	OrderID        OrderID          `json:"order_id"`
	TransactionRef string           `json:"transaction_ref"`
	ReceiptNumber  string           `json:"receipt_number,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	ResultCode     int              `json:"result_code"`
	ResultDesc     string           `json:"result_desc"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
)
