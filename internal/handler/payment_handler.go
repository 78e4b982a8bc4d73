// internal/handler/payment_handler.go
package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/usecase"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	paymentUC *usecase.PaymentUsecase
	statusUC  *usecase.StatusUsecase
	responder
}

func NewPaymentHandler(paymentUC *usecase.PaymentUsecase, statusUC *usecase.StatusUsecase, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentUC: paymentUC,
		statusUC:  statusUC,
		responder: responder{logger: logger},
	}
}

// wireAmount keeps the amount as sent; a JSON number and a numeric string
// are both accepted and validated downstream.
type wireAmount string

func (a *wireAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = wireAmount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: amount must be a number", domain.ErrValidation)
	}
	*a = wireAmount(n.String())
	return nil
}

type payRequest struct {
	PhoneNumber string         `json:"phoneNumber"`
	Amount      wireAmount     `json:"amount"`
	OrderID     domain.OrderID `json:"orderId"`
}

// Pay handles POST /pay.
func (h *PaymentHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode pay request", zap.Error(err))
		h.sendError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}

	res, err := h.paymentUC.Initiate(r.Context(), usecase.InitiateRequest{
		OrderID:     req.OrderID,
		PhoneNumber: req.PhoneNumber,
		Amount:      string(req.Amount),
	})
	if err != nil {
		h.logger.Warn("payment initiation failed",
			zap.Int64("order_id", int64(req.OrderID)),
			zap.Int("status", statusFor(err)),
			zap.Error(err))
		h.sendError(w, err)
		return
	}

	message := res.CustomerMessage
	if message == "" {
		message = "Payment request sent. Complete the payment on your phone."
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"correlationId": res.CorrelationID,
		"message":       message,
	})
}

// GetStatus handles GET /status/{orderId}.
func (h *PaymentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := domain.ParseOrderID(chi.URLParam(r, "orderId"))
	if err != nil {
		h.sendError(w, err)
		return
	}

	view, err := h.statusUC.GetStatus(r.Context(), orderID)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("status lookup failed", zap.Int64("order_id", int64(orderID)), zap.Error(err))
		}
		h.sendError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"orderId":           view.OrderID,
		"paymentStatus":     view.PaymentStatus,
		"transactionStatus": view.TransactionStatus,
		"transactionRef":    view.TransactionRef,
		"receiptNumber":     view.ReceiptNumber,
	})
}
