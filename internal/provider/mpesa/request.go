package mpesa

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"stk-payment-service/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	TimestampLayout        = "20060102150405"
	TransactionTypePayBill = "CustomerPayBillOnline"
)

// STKPushRequest represents M-Pesa STK Push request
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// Redacted returns a copy safe to persist.
func (r STKPushRequest) Redacted() STKPushRequest {
	r.Password = "[REDACTED]"
	return r
}

type RequestBuilder struct {
	shortCode   string
	passkey     string
	countryCode string
	callbackURL string
	location    *time.Location
	now         func() time.Time
}

func NewRequestBuilder(shortCode, passkey, countryCode, callbackURL, timezone string) (*RequestBuilder, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &RequestBuilder{
		shortCode:   shortCode,
		passkey:     passkey,
		countryCode: countryCode,
		callbackURL: callbackURL,
		location:    loc,
		now:         time.Now,
	}, nil
}

// Build assembles the push request for one payment attempt.
func (b *RequestBuilder) Build(orderID domain.OrderID, payerPhone string, amount decimal.Decimal) (*STKPushRequest, error) {
	whole, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	phone, err := NormalizePhone(payerPhone, b.countryCode)
	if err != nil {
		return nil, err
	}

	timestamp := b.Timestamp()

	return &STKPushRequest{
		BusinessShortCode: b.shortCode,
		Password:          Password(b.shortCode, b.passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   TransactionTypePayBill,
		Amount:            whole,
		PartyA:            phone,
		PartyB:            b.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       b.callbackURL,
		AccountReference:  fmt.Sprintf("ORDER-%d", orderID),
		TransactionDesc:   fmt.Sprintf("Payment for order %d", orderID),
	}, nil
}

// Timestamp is the current time in the gateway's operational timezone.
func (b *RequestBuilder) Timestamp() string {
	return b.now().In(b.location).Format(TimestampLayout)
}

// Password is base64(shortCode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// NormalizePhone converts a payer number to the international digit form the
// gateway expects: a leading 0 or a bare 9-digit subscriber number gets the
// country code, a leading + is dropped.
func NormalizePhone(raw, countryCode string) (string, error) {
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()

	switch {
	case digits == "":
		return "", fmt.Errorf("%w: phone number is required", domain.ErrValidation)
	case strings.HasPrefix(digits, "0"):
		return countryCode + digits[1:], nil
	case len(digits) == 9:
		return countryCode + digits, nil
	default:
		return digits, nil
	}
}

// ParseAmount parses a client-supplied amount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", domain.ErrValidation)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a number", domain.ErrValidation, raw)
	}
	return d, nil
}

// ValidateAmount accepts whole, positive amounts only.
func ValidateAmount(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be greater than zero", domain.ErrValidation)
	}
	if !amount.IsInteger() {
		return 0, fmt.Errorf("%w: amount must be a whole number", domain.ErrValidation)
	}
	return amount.IntPart(), nil
}
