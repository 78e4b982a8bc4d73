// internal/provider/mpesa/mpesa.go
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"stk-payment-service/internal/domain"

	"go.uber.org/zap"
)

const (
	stkPushPath         = "/mpesa/stkpush/v1/processrequest"
	responseCodeSuccess = "0"
)

type MpesaProvider struct {
	baseURL     string
	credentials *CredentialProvider
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewMpesaProvider(baseURL string, credentials *CredentialProvider, timeout time.Duration, logger *zap.Logger) *MpesaProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MpesaProvider{
		baseURL:     baseURL,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// STKPushResponse represents M-Pesa STK Push response
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// InitiateSTKPush submits a push request. A rejected request wraps
// domain.ErrGatewayRejection, an unreachable gateway domain.ErrNetworkFailure.
// ctx governs the credential fetch only; a submitted push is never abandoned.
func (m *MpesaProvider) InitiateSTKPush(ctx context.Context, request *STKPushRequest) (*STKPushResponse, error) {
	cred, err := m.credentials.AccessCredential(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Once the request is on the wire the payer's phone may already ring, so
	// the submit outlives the caller. httpClient.Timeout still bounds it.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
	}
	submitCtx := context.WithoutCancel(ctx)

	url := m.baseURL + stkPushPath
	req, err := http.NewRequestWithContext(submitCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", domain.ErrNetworkFailure, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		m.credentials.Invalidate()
		return nil, fmt.Errorf("%w: push request unauthorized", domain.ErrAuthFailure)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		m.logger.Warn("gateway rejected STK push",
			zap.Int("status_code", resp.StatusCode),
			zap.String("error_code", apiErr.ErrorCode),
			zap.String("error_message", apiErr.ErrorMessage),
			zap.String("account_reference", request.AccountReference))
		if apiErr.ErrorMessage != "" {
			return nil, fmt.Errorf("%w: %s (%s)", domain.ErrGatewayRejection, apiErr.ErrorMessage, apiErr.ErrorCode)
		}
		return nil, fmt.Errorf("%w: status %d", domain.ErrGatewayRejection, resp.StatusCode)
	}

	var response STKPushResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("%w: unreadable response: %v", domain.ErrGatewayRejection, err)
	}

	if response.ResponseCode != responseCodeSuccess || response.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: %s (%s)", domain.ErrGatewayRejection, response.ResponseDescription, response.ResponseCode)
	}

	m.logger.Info("STK push accepted",
		zap.String("checkout_request_id", response.CheckoutRequestID),
		zap.String("merchant_request_id", response.MerchantRequestID),
		zap.String("account_reference", request.AccountReference))

	return &response, nil
}
