// Package sandbox is an in-process stand-in for the Daraja STK push API.
// It issues tokens, accepts push requests and delivers callbacks to the
// request's CallBackURL, either on demand or after a fixed delay.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"stk-payment-service/internal/provider/mpesa"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	TokenTTL       time.Duration

	// AutoSettle delivers a callback this long after each accepted push.
	// Zero leaves settlement to Settle.
	AutoSettle     time.Duration
	AutoResultCode int

	// PushDelay stalls every push request before it is answered.
	PushDelay time.Duration
}

// Push is a push request the sandbox accepted.
type Push struct {
	Request           mpesa.STKPushRequest
	CheckoutRequestID string
	MerchantRequestID string
	ReceivedAt        time.Time
	Settled           bool
}

type rejection struct {
	code    string
	message string
}

type Gateway struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu             sync.Mutex
	tokens         map[string]time.Time
	tokenRequests  int
	failTokens     int
	pushes         map[string]*Push
	pushOrder      []string
	rejectNext     *rejection
	pushesReceived int
}

func New(cfg Config, logger *zap.Logger) *Gateway {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		tokens: make(map[string]time.Time),
		pushes: make(map[string]*Push),
	}
}

func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/oauth/v1/generate", g.handleToken)
	r.Post("/mpesa/stkpush/v1/processrequest", g.handlePush)
	return r
}

func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tokenRequests++

	if g.failTokens > 0 {
		g.failTokens--
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"errorMessage": "service unavailable"})
		return
	}

	key, secret, ok := r.BasicAuth()
	if !ok || key != g.cfg.ConsumerKey || secret != g.cfg.ConsumerSecret {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"errorCode":    "400.008.01",
			"errorMessage": "Invalid Authentication passed",
		})
		return
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	g.tokens[token] = time.Now().Add(g.cfg.TokenTTL)

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"expires_in":   fmt.Sprintf("%d", int(g.cfg.TokenTTL.Seconds())),
	})
}

func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	var req mpesa.STKPushRequest
	decodeErr := json.NewDecoder(r.Body).Decode(&req)

	if g.cfg.PushDelay > 0 {
		time.Sleep(g.cfg.PushDelay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.pushesReceived++

	if exp, ok := g.tokens[token]; !ok || time.Now().After(exp) {
		writeJSON(w, http.StatusUnauthorized, apiError(requestID, "404.001.04", "Invalid Access Token"))
		return
	}
	if decodeErr != nil {
		writeJSON(w, http.StatusBadRequest, apiError(requestID, "400.002.02", "Bad Request - Invalid Body"))
		return
	}
	if req.Password != mpesa.Password(g.cfg.ShortCode, g.cfg.Passkey, req.Timestamp) {
		writeJSON(w, http.StatusBadRequest, apiError(requestID, "400.002.02", "Bad Request - Invalid Password"))
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, apiError(requestID, "400.002.02", "Bad Request - Invalid Amount"))
		return
	}
	if g.rejectNext != nil {
		rej := g.rejectNext
		g.rejectNext = nil
		writeJSON(w, http.StatusBadRequest, apiError(requestID, rej.code, rej.message))
		return
	}

	push := &Push{
		Request:           req,
		CheckoutRequestID: "ws_CO_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		MerchantRequestID: strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		ReceivedAt:        time.Now(),
	}
	g.pushes[push.CheckoutRequestID] = push
	g.pushOrder = append(g.pushOrder, push.CheckoutRequestID)

	writeJSON(w, http.StatusOK, mpesa.STKPushResponse{
		MerchantRequestID:   push.MerchantRequestID,
		CheckoutRequestID:   push.CheckoutRequestID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	})

	if g.cfg.AutoSettle > 0 {
		checkoutID := push.CheckoutRequestID
		time.AfterFunc(g.cfg.AutoSettle, func() {
			desc := "The service request is processed successfully."
			if g.cfg.AutoResultCode != 0 {
				desc = "Request cancelled by user"
			}
			if err := g.Settle(context.Background(), checkoutID, g.cfg.AutoResultCode, desc); err != nil {
				g.logger.Warn("sandbox auto-settle failed",
					zap.String("checkout_request_id", checkoutID),
					zap.Error(err))
			}
		})
	}
}

// RejectNextPush makes the next push request fail with the given error.
func (g *Gateway) RejectNextPush(code, message string) {
	g.mu.Lock()
	g.rejectNext = &rejection{code: code, message: message}
	g.mu.Unlock()
}

// FailNextTokenRequests answers the next n token requests with 503.
func (g *Gateway) FailNextTokenRequests(n int) {
	g.mu.Lock()
	g.failTokens = n
	g.mu.Unlock()
}

func (g *Gateway) TokenRequests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokenRequests
}

// PushesReceived counts every push request, accepted or not.
func (g *Gateway) PushesReceived() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushesReceived
}

// Pushes returns accepted pushes in arrival order.
func (g *Gateway) Pushes() []Push {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Push, 0, len(g.pushOrder))
	for _, id := range g.pushOrder {
		out = append(out, *g.pushes[id])
	}
	return out
}

// Settle delivers the callback for an accepted push.
func (g *Gateway) Settle(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string) error {
	g.mu.Lock()
	push, ok := g.pushes[checkoutRequestID]
	if ok {
		push.Settled = true
	}
	var snapshot Push
	if ok {
		snapshot = *push
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown checkout request %s", checkoutRequestID)
	}

	payload, err := CallbackPayload(snapshot, resultCode, resultDesc)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, snapshot.Request.CallBackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback delivery failed: %w", err)
	}
	defer resp.Body.Close()

	var ack struct {
		ResultCode int    `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("unreadable callback acknowledgment: %w", err)
	}
	if ack.ResultCode != 0 {
		return errors.New("callback rejected: " + ack.ResultDesc)
	}

	g.logger.Info("sandbox callback delivered",
		zap.String("checkout_request_id", checkoutRequestID),
		zap.Int("result_code", resultCode))

	return nil
}

// CallbackPayload renders the callback body the real gateway would send.
func CallbackPayload(push Push, resultCode int, resultDesc string) ([]byte, error) {
	stk := mpesa.STKCallback{
		MerchantRequestID: push.MerchantRequestID,
		CheckoutRequestID: push.CheckoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resultDesc,
	}

	if resultCode == 0 {
		receipt := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
		stk.CallbackMetadata = &mpesa.CallbackMetadata{
			Item: []mpesa.CallbackItem{
				{Name: "Amount", Value: json.RawMessage(fmt.Sprintf("%d.00", push.Request.Amount))},
				{Name: "MpesaReceiptNumber", Value: json.RawMessage(fmt.Sprintf("%q", receipt))},
				{Name: "Balance"},
				{Name: "TransactionDate", Value: json.RawMessage(time.Now().Format(mpesa.TimestampLayout))},
				{Name: "PhoneNumber", Value: json.RawMessage(push.Request.PhoneNumber)},
			},
		}
	}

	var body mpesa.STKCallbackRequest
	body.Body.StkCallback = stk
	return json.Marshal(body)
}

func apiError(requestID, code, message string) map[string]string {
	return map[string]string{
		"requestId":    requestID,
		"errorCode":    code,
		"errorMessage": message,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
