package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func strp(s string) *string { return &s }

// scriptedFetcher returns statuses in order; a nil entry is a fetch error.
type scriptedFetcher struct {
	script []*Status
	calls  int32
}

func (f *scriptedFetcher) GetStatus(context.Context, int64) (*Status, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	if f.script[i] == nil {
		return nil, errors.New("connection refused")
	}
	return f.script[i], nil
}

func pending() *Status {
	return &Status{PaymentStatus: "pending", TransactionStatus: strp("pending")}
}

func newPoller(t *testing.T, f StatusFetcher, max int) *Poller {
	return &Poller{Fetcher: f, Interval: time.Millisecond, MaxAttempts: max, Logger: zaptest.NewLogger(t)}
}

func TestPollPaid(t *testing.T) {
	f := &scriptedFetcher{script: []*Status{
		pending(),
		nil,
		{PaymentStatus: "paid", TransactionStatus: strp("completed"), ReceiptNumber: strp("QK12345678")},
	}}

	res, err := newPoller(t, f, 10).Poll(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "QK12345678", *res.Status.ReceiptNumber)
}

func TestPollFailed(t *testing.T) {
	f := &scriptedFetcher{script: []*Status{
		pending(),
		{PaymentStatus: "failed", TransactionStatus: strp("failed")},
	}}

	res, err := newPoller(t, f, 10).Poll(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

func TestPollUnconfirmedAfterCap(t *testing.T) {
	f := &scriptedFetcher{script: []*Status{pending()}}

	res, err := newPoller(t, f, 4).Poll(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnconfirmed, res.Outcome)
	assert.Equal(t, 4, res.Attempts)
	assert.EqualValues(t, 4, atomic.LoadInt32(&f.calls))
}

func TestPollStopsOnContext(t *testing.T) {
	f := &scriptedFetcher{script: []*Status{pending()}}
	p := &Poller{Fetcher: f, Interval: time.Hour, MaxAttempts: 20}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := p.Poll(ctx, 42)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeUnconfirmed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestPaymentClient(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/pay", func(w http.ResponseWriter, r *http.Request) {
		var req PayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.OrderID == 99 {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "order already paid"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "correlationId": "ws_CO_1", "message": "sent"})
	})
	r.Get("/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "42" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "order not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true, "orderId": 42, "paymentStatus": "pending",
			"transactionStatus": "pending", "transactionRef": "ws_CO_1", "receiptNumber": nil,
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewPaymentClient(srv.URL+"/", zaptest.NewLogger(t))
	ctx := context.Background()

	res, err := c.Pay(ctx, PayRequest{OrderID: 42, Amount: "500", PhoneNumber: "0712345678"})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.CorrelationID)

	_, err = c.Pay(ctx, PayRequest{OrderID: 99, Amount: "500", PhoneNumber: "0712345678"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "order already paid", apiErr.Message)

	status, err := c.GetStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.PaymentStatus)
	assert.Equal(t, "ws_CO_1", *status.TransactionRef)
	assert.Nil(t, status.ReceiptNumber)

	_, err = c.GetStatus(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}
