// pkg/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when the service does not know the order.
var ErrNotFound = errors.New("order not found")

// APIError is a non-2xx answer from the payment service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment service returned status %d: %s", e.StatusCode, e.Message)
}

// PaymentClient talks to the payment service HTTP API.
type PaymentClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewPaymentClient(baseURL string, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type PayRequest struct {
	OrderID     int64  `json:"orderId"`
	Amount      string `json:"amount"`
	PhoneNumber string `json:"phoneNumber"`
}

type PayResponse struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message"`
}

// Status mirrors GET /status/{orderId}.
type Status struct {
	OrderID           int64   `json:"orderId"`
	PaymentStatus     string  `json:"paymentStatus"`
	TransactionStatus *string `json:"transactionStatus"`
	TransactionRef    *string `json:"transactionRef"`
	ReceiptNumber     *string `json:"receiptNumber"`
}

// Pay asks the service to push a payment prompt to the payer's phone.
func (c *PaymentClient) Pay(ctx context.Context, req PayRequest) (*PayResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pay request: %w", err)
	}

	var out PayResponse
	if err := c.do(ctx, http.MethodPost, "/pay", payload, &out); err != nil {
		c.logger.Warn("pay request failed", zap.Int64("order_id", req.OrderID), zap.Error(err))
		return nil, err
	}

	c.logger.Info("payment prompt sent",
		zap.Int64("order_id", req.OrderID),
		zap.String("correlation_id", out.CorrelationID))
	return &out, nil
}

func (c *PaymentClient) GetStatus(ctx context.Context, orderID int64) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/status/%d", orderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PaymentClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(responseBody, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(responseBody))
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: e.Message}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		}
		return apiErr
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
