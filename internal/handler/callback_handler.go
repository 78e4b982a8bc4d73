// internal/handler/callback_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/usecase"

	"go.uber.org/zap"
)

const maxCallbackBytes = 64 << 10

type CallbackHandler struct {
	callbackUC *usecase.CallbackUsecase
	responder
}

func NewCallbackHandler(callbackUC *usecase.CallbackUsecase, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		callbackUC: callbackUC,
		responder:  responder{logger: logger},
	}
}

// HandleMpesaSTKCallback handles M-Pesa STK Push callback
func (h *CallbackHandler) HandleMpesaSTKCallback(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("received M-Pesa STK callback",
		zap.String("remote_addr", r.RemoteAddr))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Error("failed to read callback payload", zap.Error(err))
		h.sendCallbackResponse(w, http.StatusBadRequest, 1, "Rejected: malformed payload")
		return
	}

	result, err := h.callbackUC.HandleSTKCallback(r.Context(), payload)
	switch {
	case errors.Is(err, domain.ErrMalformedCallback):
		h.sendCallbackResponse(w, http.StatusBadRequest, 1, "Rejected: malformed payload")
		return
	case err != nil:
		// Already recorded as a reconciliation issue; a retry from the
		// gateway would not help.
		h.logger.Error("STK callback accepted but not reconciled", zap.Error(err))
	default:
		h.logger.Info("M-Pesa STK callback acknowledged",
			zap.String("outcome", string(result.Outcome)))
	}

	h.sendCallbackResponse(w, http.StatusOK, 0, "Accepted")
}

// sendCallbackResponse writes the acknowledgment body the gateway expects.
func (h *CallbackHandler) sendCallbackResponse(w http.ResponseWriter, statusCode, resultCode int, resultDesc string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"ResultCode": resultCode,
		"ResultDesc": resultDesc,
	})
}
