// Command sandbox runs a local stand-in for the Daraja API so the payment
// service can be exercised end to end without gateway credentials.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stk-payment-service/internal/provider/mpesa/sandbox"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		port       string
		cfg        sandbox.Config
		autoSettle time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Local M-Pesa STK push gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg.AutoSettle = autoSettle
			gw := sandbox.New(cfg, logger)

			srv := &http.Server{
				Addr:         ":" + port,
				Handler:      gw.Handler(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sandbox gateway listening",
					zap.String("port", port),
					zap.Duration("auto_settle", autoSettle),
					zap.Int("auto_result_code", cfg.AutoResultCode))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&port, "port", "8090", "Listen port")
	f.StringVar(&cfg.ConsumerKey, "consumer-key", envOr("MPESA_CONSUMER_KEY", "sandbox-key"), "Accepted consumer key")
	f.StringVar(&cfg.ConsumerSecret, "consumer-secret", envOr("MPESA_CONSUMER_SECRET", "sandbox-secret"), "Accepted consumer secret")
	f.StringVar(&cfg.ShortCode, "short-code", envOr("MPESA_SHORT_CODE", "174379"), "Business short code")
	f.StringVar(&cfg.Passkey, "passkey", envOr("MPESA_PASSKEY", "sandbox-passkey"), "Lipa na M-Pesa passkey")
	f.DurationVar(&cfg.TokenTTL, "token-ttl", time.Hour, "Access token lifetime")
	f.DurationVar(&autoSettle, "auto-settle", 5*time.Second, "Deliver a callback this long after each push (0 disables)")
	f.IntVar(&cfg.AutoResultCode, "result-code", 0, "ResultCode for auto-settled callbacks")
	f.DurationVar(&cfg.PushDelay, "push-delay", 0, "Stall each push request before answering")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
