package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderIDUnmarshal(t *testing.T) {
	var body struct {
		OrderID OrderID `json:"orderId"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"orderId":42}`), &body))
	assert.Equal(t, OrderID(42), body.OrderID)

	require.NoError(t, json.Unmarshal([]byte(`{"orderId":"42"}`), &body))
	assert.Equal(t, OrderID(42), body.OrderID)

	err := json.Unmarshal([]byte(`{"orderId":"abc"}`), &body)
	assert.True(t, errors.Is(err, ErrValidation))

	err = json.Unmarshal([]byte(`{"orderId":-1}`), &body)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCheckManualPaymentTransition(t *testing.T) {
	tests := []struct {
		name         string
		from, to     PaymentStatus
		hasCompleted bool
		wantErr      error
	}{
		{"paid back to pending", PaymentStatusPaid, PaymentStatusPending, true, ErrInvalidStatusTransition},
		{"failed to pending", PaymentStatusFailed, PaymentStatusPending, false, nil},
		{"paid without completed tx", PaymentStatusPending, PaymentStatusPaid, false, ErrInvalidStatusTransition},
		{"paid with completed tx", PaymentStatusFailed, PaymentStatusPaid, true, nil},
		{"refund from pending", PaymentStatusPending, PaymentStatusRefunded, false, ErrInvalidStatusTransition},
		{"refund from paid", PaymentStatusPaid, PaymentStatusRefunded, true, nil},
		{"fail a paid order", PaymentStatusPaid, PaymentStatusFailed, true, ErrInvalidStatusTransition},
		{"unknown status", PaymentStatusPending, PaymentStatus("lost"), false, ErrValidation},
		{"no-op", PaymentStatusPaid, PaymentStatusPaid, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckManualPaymentTransition(tt.from, tt.to, tt.hasCompleted)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTransactionStatusIsTerminal(t *testing.T) {
	assert.False(t, TxStatusPending.IsTerminal())
	assert.True(t, TxStatusCompleted.IsTerminal())
	assert.True(t, TxStatusFailed.IsTerminal())
}
