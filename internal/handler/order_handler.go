// internal/handler/order_handler.go
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderHandler serves operator endpoints: order seeding, manual payment
// status changes and the reconciliation issue queue.
type OrderHandler struct {
	orderUC *usecase.OrderUsecase
	responder
}

func NewOrderHandler(orderUC *usecase.OrderUsecase, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{orderUC: orderUC, responder: responder{logger: logger}}
}

type createOrderRequest struct {
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}

	order, err := h.orderUC.CreateOrder(r.Context(), req.TotalAmount)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusCreated, "order created", order)
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := domain.ParseOrderID(chi.URLParam(r, "orderId"))
	if err != nil {
		h.sendError(w, err)
		return
	}

	detail, err := h.orderUC.GetOrderDetail(r.Context(), orderID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "order retrieved", detail)
}

func (h *OrderHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	orderID, err := domain.ParseOrderID(chi.URLParam(r, "orderId"))
	if err != nil {
		h.sendError(w, err)
		return
	}

	txs, err := h.orderUC.ListTransactions(r.Context(), orderID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "transactions retrieved", txs)
}

type updatePaymentStatusRequest struct {
	PaymentStatus domain.PaymentStatus `json:"paymentStatus"`
	Note          string               `json:"note"`
}

// UpdatePaymentStatus handles PATCH /orders/{orderId}/payment-status.
func (h *OrderHandler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := domain.ParseOrderID(chi.URLParam(r, "orderId"))
	if err != nil {
		h.sendError(w, err)
		return
	}

	var req updatePaymentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}

	order, err := h.orderUC.UpdatePaymentStatus(r.Context(), orderID, req.PaymentStatus, req.Note)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "payment status updated", order)
}

func (h *OrderHandler) ListIssues(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") != "false"
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.sendError(w, fmt.Errorf("%w: invalid limit %q", domain.ErrValidation, raw))
			return
		}
		limit = n
	}

	issues, err := h.orderUC.ListIssues(r.Context(), unresolvedOnly, limit)
	if err != nil {
		h.logger.Error("failed to list reconciliation issues", zap.Error(err))
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "issues retrieved", issues)
}

func (h *OrderHandler) ResolveIssue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.sendError(w, fmt.Errorf("%w: invalid issue id", domain.ErrValidation))
		return
	}

	if err := h.orderUC.ResolveIssue(r.Context(), id); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "issue resolved", map[string]int64{"id": id})
}
