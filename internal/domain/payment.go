// internal/domain/payment.go
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string
type OrderStatus string
type TransactionStatus string
type PaymentMethod string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
)

const PaymentMethodMpesa PaymentMethod = "mpesa"

// IsValid reports whether s is a known payment status.
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// IsSettled is true once the order can no longer accept a new payment attempt.
func (s PaymentStatus) IsSettled() bool {
	return s == PaymentStatusPaid || s == PaymentStatusRefunded
}

// IsTerminal reports whether the transaction has left pending.
func (s TransactionStatus) IsTerminal() bool {
	return s == TxStatusCompleted || s == TxStatusFailed
}

// OrderID accepts both a JSON number and a numeric string on the wire.
type OrderID int64

func (id *OrderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseOrderID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: order id must be a number", ErrValidation)
	}
	parsed, err := ParseOrderID(n.String())
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseOrderID parses a positive decimal order id.
func ParseOrderID(s string) (OrderID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: invalid order id %q", ErrValidation, s)
	}
	return OrderID(v), nil
}

func (id OrderID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Order is the slice of an upstream order this service reads and mutates.
type Order struct {
	ID            OrderID         `json:"id" db:"id"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	PaymentStatus PaymentStatus   `json:"payment_status" db:"payment_status"`
	Status        OrderStatus     `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is one push-payment attempt against an order.
type Transaction struct {
	ID                int64             `json:"id" db:"id"`
	OrderID           OrderID           `json:"order_id" db:"order_id"`
	TransactionRef    string            `json:"transaction_ref" db:"transaction_ref"`
	MerchantRequestID string            `json:"merchant_request_id" db:"merchant_request_id"`
	Amount            decimal.Decimal   `json:"amount" db:"amount"`
	PhoneNumber       string            `json:"phone_number" db:"phone_number"`
	PaymentMethod     PaymentMethod     `json:"payment_method" db:"payment_method"`
	Status            TransactionStatus `json:"status" db:"status"`
	ResultCode        *int              `json:"result_code,omitempty" db:"result_code"`
	ResultDesc        *string           `json:"result_desc,omitempty" db:"result_desc"`
	ReceiptNumber     *string           `json:"receipt_number,omitempty" db:"receipt_number"`
	PaymentDetails    json.RawMessage   `json:"payment_details,omitempty" db:"payment_details"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// PaymentStatusView is what a polling client sees for an order.
type PaymentStatusView struct {
	OrderID           OrderID            `json:"orderId"`
	PaymentStatus     PaymentStatus      `json:"paymentStatus"`
	TransactionStatus *TransactionStatus `json:"transactionStatus"`
	TransactionRef    *string            `json:"transactionRef"`
	ReceiptNumber     *string            `json:"receiptNumber"`
}

// StatusChange is an audit row for a payment or fulfilment status move.
type StatusChange struct {
	ID             int64     `json:"id" db:"id"`
	OrderID        OrderID   `json:"order_id" db:"order_id"`
	Field          string    `json:"field" db:"field"`
	FromStatus     string    `json:"from_status" db:"from_status"`
	ToStatus       string    `json:"to_status" db:"to_status"`
	Source         string    `json:"source" db:"source"`
	TransactionRef *string   `json:"transaction_ref,omitempty" db:"transaction_ref"`
	Note           *string   `json:"note,omitempty" db:"note"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

const (
	FieldPaymentStatus = "payment_status"
	FieldOrderStatus   = "status"

	SourceCallback   = "callback"
	SourceManual     = "manual"
	SourceReconciler = "reconciler"
	SourceInitiation = "initiation"
)

// CheckManualPaymentTransition validates an operator-driven payment status
// change. hasCompleted tells whether a completed transaction exists.
func CheckManualPaymentTransition(from, to PaymentStatus, hasCompleted bool) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown payment status %q", ErrValidation, to)
	}
	if from == to {
		return nil
	}
	switch to {
	case PaymentStatusPending:
		if from == PaymentStatusPaid || from == PaymentStatusRefunded {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
		}
	case PaymentStatusPaid:
		if !hasCompleted {
			return fmt.Errorf("%w: no completed transaction backs %s", ErrInvalidStatusTransition, to)
		}
		if from == PaymentStatusRefunded {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
		}
	case PaymentStatusFailed:
		if from == PaymentStatusPaid || from == PaymentStatusRefunded || hasCompleted {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
		}
	case PaymentStatusRefunded:
		if from != PaymentStatusPaid {
			return fmt.Errorf("%w: only paid orders can be refunded", ErrInvalidStatusTransition)
		}
	}
	return nil
}
