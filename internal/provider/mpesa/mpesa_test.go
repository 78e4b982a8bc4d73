package mpesa_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/provider/mpesa"
	"stk-payment-service/internal/provider/mpesa/sandbox"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setup(t *testing.T) (*sandbox.Gateway, *mpesa.MpesaProvider, *mpesa.RequestBuilder) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	gw := sandbox.New(sandbox.Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
	}, logger)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	creds := mpesa.NewCredentialProvider(srv.URL, "key", "secret", time.Minute, logger)
	provider := mpesa.NewMpesaProvider(srv.URL, creds, 5*time.Second, logger)

	builder, err := mpesa.NewRequestBuilder("174379", "passkey", "254", "https://shop.example.com/callbacks/mpesa/stk", "Africa/Nairobi")
	require.NoError(t, err)

	return gw, provider, builder
}

func TestInitiateSTKPushAccepted(t *testing.T) {
	gw, provider, builder := setup(t)

	req, err := builder.Build(42, "0712345678", decimal.NewFromInt(100))
	require.NoError(t, err)

	resp, err := provider.InitiateSTKPush(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0", resp.ResponseCode)
	assert.Contains(t, resp.CheckoutRequestID, "ws_CO_")

	pushes := gw.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, "254712345678", pushes[0].Request.PhoneNumber)
	assert.EqualValues(t, 100, pushes[0].Request.Amount)

	// Second push reuses the cached token.
	_, err = provider.InitiateSTKPush(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.TokenRequests())
}

func TestInitiateSTKPushRejected(t *testing.T) {
	gw, provider, builder := setup(t)
	gw.RejectNextPush("500.001.1001", "Unable to lock subscriber, a transaction is already in process for the current subscriber")

	req, err := builder.Build(42, "0712345678", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = provider.InitiateSTKPush(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayRejection)
	assert.Contains(t, err.Error(), "Unable to lock subscriber")
}

func TestInitiateSTKPushWrongPasskeyRejected(t *testing.T) {
	_, provider, _ := setup(t)

	builder, err := mpesa.NewRequestBuilder("174379", "wrong", "254", "https://shop.example.com/cb", "Africa/Nairobi")
	require.NoError(t, err)
	req, err := builder.Build(7, "0712345678", decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = provider.InitiateSTKPush(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrGatewayRejection)
}

func TestInitiateSTKPushCompletesAfterCallerGivesUp(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gw := sandbox.New(sandbox.Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		PushDelay:      200 * time.Millisecond,
	}, logger)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	creds := mpesa.NewCredentialProvider(srv.URL, "key", "secret", time.Minute, logger)
	provider := mpesa.NewMpesaProvider(srv.URL, creds, 5*time.Second, logger)
	builder, err := mpesa.NewRequestBuilder("174379", "passkey", "254", "https://shop.example.com/cb", "Africa/Nairobi")
	require.NoError(t, err)
	req, err := builder.Build(42, "0712345678", decimal.NewFromInt(100))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := provider.InitiateSTKPush(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, resp.CheckoutRequestID, "ws_CO_")
	assert.Equal(t, 1, gw.PushesReceived())
}

func TestInitiateSTKPushCancelledBeforeSubmit(t *testing.T) {
	gw, provider, builder := setup(t)

	req, err := builder.Build(42, "0712345678", decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = provider.InitiateSTKPush(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = provider.InitiateSTKPush(ctx, req)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
	assert.Equal(t, 1, gw.PushesReceived())
}

func TestInitiateSTKPushNetworkFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tokenOnly := http.NewServeMux()
	tokenOnly.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"abc","expires_in":3599}`))
	})
	tokenOnly.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	srv := httptest.NewServer(tokenOnly)
	defer srv.Close()

	creds := mpesa.NewCredentialProvider(srv.URL, "key", "secret", time.Minute, logger)
	provider := mpesa.NewMpesaProvider(srv.URL, creds, 50*time.Millisecond, logger)

	_, err := provider.InitiateSTKPush(context.Background(), &mpesa.STKPushRequest{Amount: 1})
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
}

func TestInitiateSTKPushAuthFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)

	gw := sandbox.New(sandbox.Config{ConsumerKey: "key", ConsumerSecret: "secret"}, logger)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	creds := mpesa.NewCredentialProvider(srv.URL, "key", "not-the-secret", time.Minute, logger)
	provider := mpesa.NewMpesaProvider(srv.URL, creds, time.Second, logger)

	_, err := provider.InitiateSTKPush(context.Background(), &mpesa.STKPushRequest{Amount: 1})
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.Equal(t, 0, gw.PushesReceived())
}
