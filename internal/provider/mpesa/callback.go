package mpesa

import (
	"encoding/json"
	"fmt"
	"strings"

	"stk-payment-service/internal/domain"

	"github.com/shopspring/decimal"
)

// STKCallbackRequest represents M-Pesa STK callback
type STKCallbackRequest struct {
	Body struct {
		StkCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseSTKCallback parses M-Pesa STK callback
func ParseSTKCallback(payload []byte) (*domain.CallbackResult, error) {
	var callback STKCallbackRequest
	if err := json.Unmarshal(payload, &callback); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}

	stk := callback.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", domain.ErrMalformedCallback)
	}

	result := &domain.CallbackResult{
		CheckoutRequestID: stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		ResultCode:        stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
		Raw:               json.RawMessage(payload),
	}

	if stk.CallbackMetadata == nil {
		return result, nil
	}

	for _, item := range stk.CallbackMetadata.Item {
		value := itemValue(item.Value)
		switch item.Name {
		case "Amount":
			if amount, err := decimal.NewFromString(value); err == nil {
				result.Amount = &amount
			}
		case "MpesaReceiptNumber":
			result.ReceiptNumber = value
		case "PhoneNumber":
			result.PhoneNumber = value
		case "TransactionDate":
			result.TransactionDate = value
		}
	}

	return result, nil
}

// itemValue renders a metadata value as text without losing numeric precision.
func itemValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
