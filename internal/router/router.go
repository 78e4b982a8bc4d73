// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"stk-payment-service/config"
	"stk-payment-service/internal/handler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRoutes(
	paymentHandler *handler.PaymentHandler,
	callbackHandler *handler.CallbackHandler,
	orderHandler *handler.OrderHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// The status endpoint is polled from browsers.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/pay", paymentHandler.Pay)
	r.Get("/status/{orderId}", paymentHandler.GetStatus)

	r.Post(config.STKCallbackPath, callbackHandler.HandleMpesaSTKCallback)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", orderHandler.CreateOrder)
		r.Get("/{orderId}", orderHandler.GetOrder)
		r.Get("/{orderId}/transactions", orderHandler.ListTransactions)
		r.Patch("/{orderId}/payment-status", orderHandler.UpdatePaymentStatus)
	})

	r.Route("/reconciliation/issues", func(r chi.Router) {
		r.Get("/", orderHandler.ListIssues)
		r.Post("/{id}/resolve", orderHandler.ResolveIssue)
	})

	return r
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
