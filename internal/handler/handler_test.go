package handler_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stk-payment-service/config"
	"stk-payment-service/internal/handler"
	"stk-payment-service/internal/provider/mpesa"
	"stk-payment-service/internal/provider/mpesa/sandbox"
	"stk-payment-service/internal/repository/sqlite"
	"stk-payment-service/internal/router"
	"stk-payment-service/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	url string
	db  *sql.DB
	gw  *sandbox.Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gw := sandbox.New(sandbox.Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
	}, logger)
	gwSrv := httptest.NewServer(gw.Handler())
	t.Cleanup(gwSrv.Close)

	var app http.Handler
	appSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.ServeHTTP(w, r)
	}))
	t.Cleanup(appSrv.Close)

	orders := sqlite.NewOrderRepository(db)
	transactions := sqlite.NewTransactionRepository(db)
	issues := sqlite.NewReconciliationRepository(db)

	creds := mpesa.NewCredentialProvider(gwSrv.URL, "key", "secret", time.Minute, logger)
	provider := mpesa.NewMpesaProvider(gwSrv.URL, creds, 5*time.Second, logger)
	builder, err := mpesa.NewRequestBuilder("174379", "passkey", "254", appSrv.URL+config.STKCallbackPath, "Africa/Nairobi")
	require.NoError(t, err)

	retryPolicy := usecase.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	paymentUC := usecase.NewPaymentUsecase(orders, transactions, issues, provider, builder, "254", logger)
	callbackUC := usecase.NewCallbackUsecase(transactions, issues, nil, retryPolicy, logger)
	statusUC := usecase.NewStatusUsecase(orders, transactions)
	orderUC := usecase.NewOrderUsecase(orders, transactions, issues, logger)

	app = router.SetupRoutes(
		handler.NewPaymentHandler(paymentUC, statusUC, logger),
		handler.NewCallbackHandler(callbackUC, logger),
		handler.NewOrderHandler(orderUC, logger),
		logger,
	)

	return &testServer{url: appSrv.URL, db: db, gw: gw}
}

func (s *testServer) seedOrder(t *testing.T, id int64, total string) {
	t.Helper()
	ts := "2026-01-01 00:00:00.000000"
	_, err := s.db.Exec(
		`INSERT INTO orders (id, total_amount, payment_status, status, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
		id, total, "pending", "pending", ts, ts)
	require.NoError(t, err)
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestOrder42PaidEndToEnd(t *testing.T) {
	s := newTestServer(t)
	s.seedOrder(t, 42, "500")

	code, body := s.do(t, http.MethodPost, "/pay", `{"orderId":42,"amount":500,"phoneNumber":"0712345678"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	correlationID, _ := body["correlationId"].(string)
	require.NotEmpty(t, correlationID)

	code, body = s.do(t, http.MethodGet, "/status/42", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["paymentStatus"])
	assert.Equal(t, "pending", body["transactionStatus"])
	assert.Equal(t, correlationID, body["transactionRef"])

	pushes := s.gw.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, int64(500), pushes[0].Request.Amount)
	assert.Equal(t, "254712345678", pushes[0].Request.PartyA)

	require.NoError(t, s.gw.Settle(context.Background(), correlationID, 0, "The service request is processed successfully."))

	code, body = s.do(t, http.MethodGet, "/status/42", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paid", body["paymentStatus"])
	assert.Equal(t, "completed", body["transactionStatus"])
	assert.NotEmpty(t, body["receiptNumber"])

	code, body = s.do(t, http.MethodPost, "/pay", `{"orderId":"42","amount":"500","phoneNumber":"0712345678"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
}

func TestPayValidation(t *testing.T) {
	s := newTestServer(t)
	s.seedOrder(t, 7, "100")

	for _, payload := range []string{
		`{"orderId":7,"amount":0,"phoneNumber":"0712345678"}`,
		`{"orderId":7,"amount":-5,"phoneNumber":"0712345678"}`,
		`{"orderId":7,"amount":"abc","phoneNumber":"0712345678"}`,
		`{"orderId":"x7","amount":100,"phoneNumber":"0712345678"}`,
		`{"orderId":7,"amount":100}`,
		`not json`,
	} {
		code, body := s.do(t, http.MethodPost, "/pay", payload)
		assert.Equal(t, http.StatusBadRequest, code, payload)
		assert.Equal(t, false, body["success"], payload)
	}
	assert.Equal(t, 0, s.gw.PushesReceived())

	code, _ := s.do(t, http.MethodPost, "/pay", `{"orderId":999,"amount":100,"phoneNumber":"0712345678"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPayGatewayRejection(t *testing.T) {
	s := newTestServer(t)
	s.seedOrder(t, 3, "100")
	s.gw.RejectNextPush("400.002.02", "Bad Request - Invalid PhoneNumber")

	code, body := s.do(t, http.MethodPost, "/pay", `{"orderId":3,"amount":100,"phoneNumber":"0712345678"}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, false, body["success"])

	code, body = s.do(t, http.MethodGet, "/status/3", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["paymentStatus"])
	assert.Nil(t, body["transactionStatus"])
}

func TestStatusUnknownOrder(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/status/404", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["message"])

	code, _ = s.do(t, http.MethodGet, "/status/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCallbackAcknowledgments(t *testing.T) {
	s := newTestServer(t)
	s.seedOrder(t, 5, "100")

	code, body := s.do(t, http.MethodPost, config.STKCallbackPath, `{"Body":{"stkCallback":{}}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, float64(1), body["ResultCode"])
	assert.Equal(t, "Rejected: malformed payload", body["ResultDesc"])

	unknown := `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_nope","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	code, body = s.do(t, http.MethodPost, config.STKCallbackPath, unknown)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["ResultCode"])
	assert.Equal(t, "Accepted", body["ResultDesc"])

	code, body = s.do(t, http.MethodGet, "/status/5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["paymentStatus"])
}

func TestFailedCallbackOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.seedOrder(t, 9, "250")

	code, body := s.do(t, http.MethodPost, "/pay", `{"orderId":9,"amount":250,"phoneNumber":"+254712345678"}`)
	require.Equal(t, http.StatusOK, code, body)
	ref := body["correlationId"].(string)

	require.NoError(t, s.gw.Settle(context.Background(), ref, 1032, "Request cancelled by user"))
	// Redelivery is acknowledged and changes nothing.
	require.NoError(t, s.gw.Settle(context.Background(), ref, 1032, "Request cancelled by user"))

	code, body = s.do(t, http.MethodGet, "/status/9", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", body["paymentStatus"])
	assert.Equal(t, "failed", body["transactionStatus"])

	code, body = s.do(t, http.MethodGet, "/orders/9/transactions", "")
	require.Equal(t, http.StatusOK, code)
	txs, ok := body["data"].([]interface{})
	require.True(t, ok)
	assert.Len(t, txs, 1)
}

func TestOrderEndpoints(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/orders", `{"totalAmount":"1200"}`)
	require.Equal(t, http.StatusCreated, code, body)
	data := body["data"].(map[string]interface{})
	id := int64(data["id"].(float64))
	assert.Positive(t, id)

	code, _ = s.do(t, http.MethodPost, "/orders", `{"totalAmount":0}`)
	assert.Equal(t, http.StatusBadRequest, code)

	path := "/orders/" + jsonNumber(id)
	code, body = s.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, code)
	detail := body["data"].(map[string]interface{})
	assert.Equal(t, "pending", detail["order"].(map[string]interface{})["payment_status"])

	code, _ = s.do(t, http.MethodPatch, path+"/payment-status", `{"paymentStatus":"paid"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodPatch, path+"/payment-status", `{"paymentStatus":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodPatch, path+"/payment-status", `{"paymentStatus":"failed","note":"abandoned cart"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", body["data"].(map[string]interface{})["payment_status"])

	code, body = s.do(t, http.MethodGet, "/reconciliation/issues", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["data"])

	code, _ = s.do(t, http.MethodPost, "/reconciliation/issues/12345/resolve", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.url + "/metrics")
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "go_goroutines")
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
