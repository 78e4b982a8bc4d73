// internal/handler/response.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"stk-payment-service/internal/domain"

	"go.uber.org/zap"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrMalformedCallback):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrIssueNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOrderAlreadyPaid),
		errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, domain.ErrDuplicateTransactionRef):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGatewayRejection), errors.Is(err, domain.ErrAuthFailure):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNetworkFailure):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// responder writes the JSON envelopes shared by every handler.
type responder struct {
	logger *zap.Logger
}

func (r responder) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.logger.Error("failed to write response",
			zap.Int("status", statusCode),
			zap.Error(err))
	}
}

func (r responder) sendSuccess(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	r.writeJSON(w, statusCode, map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}

// sendError writes {success:false, message}. Internal errors are not
// echoed to the caller.
func (r responder) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	r.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
