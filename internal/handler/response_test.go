package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"stk-payment-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// brokenWriter accepts headers but fails every body write, as a client
// that hung up would.
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("write: broken pipe")
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := responder{logger: zap.New(core)}

	w := brokenWriter{httptest.NewRecorder()}
	r.sendSuccess(w, http.StatusOK, "status retrieved", map[string]string{"paymentStatus": "paid"})

	assert.Equal(t, http.StatusOK, w.Code)
	entries := logs.FilterMessage("failed to write response").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, http.StatusOK, entries[0].ContextMap()["status"])
	assert.Contains(t, entries[0].ContextMap()["error"], "broken pipe")
}

func TestWriteJSONQuietOnSuccess(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := responder{logger: zap.New(core)}

	w := httptest.NewRecorder()
	r.sendError(w, fmt.Errorf("%w: amount must be positive", domain.ErrValidation))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":false,"message":"validation failed: amount must be positive"}`, w.Body.String())
	assert.Zero(t, logs.Len())
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrMalformedCallback, http.StatusBadRequest},
		{domain.ErrOrderNotFound, http.StatusNotFound},
		{domain.ErrIssueNotFound, http.StatusNotFound},
		{domain.ErrOrderAlreadyPaid, http.StatusConflict},
		{domain.ErrDuplicateTransactionRef, http.StatusConflict},
		{domain.ErrGatewayRejection, http.StatusBadGateway},
		{domain.ErrAuthFailure, http.StatusBadGateway},
		{domain.ErrNetworkFailure, http.StatusGatewayTimeout},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(fmt.Errorf("wrapped: %w", tc.err)), tc.err.Error())
	}
}
