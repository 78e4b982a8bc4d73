package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"stk-payment-service/pkg/client"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	var (
		serverURL string
		verbose   bool
	)

	rootCmd := &cobra.Command{
		Use:     "paycli",
		Short:   "paycli - send M-Pesa payment prompts and follow their outcome",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PAYMENT_SERVICE_URL", "http://localhost:8027"), "Payment service base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log requests")

	newClient := func() *client.PaymentClient {
		logger := zap.NewNop()
		if verbose {
			logger, _ = zap.NewDevelopment()
		}
		return client.NewPaymentClient(serverURL, logger)
	}

	rootCmd.AddCommand(payCmd(newClient))
	rootCmd.AddCommand(statusCmd(newClient))
	rootCmd.AddCommand(pollCmd(newClient))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func payCmd(newClient func() *client.PaymentClient) *cobra.Command {
	var (
		orderID  int64
		amount   string
		phone    string
		wait     bool
		interval time.Duration
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Push a payment prompt for an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := newClient()
			res, err := c.Pay(ctx, client.PayRequest{OrderID: orderID, Amount: amount, PhoneNumber: phone})
			if err != nil {
				return err
			}
			fmt.Printf("Prompt sent: %s\n", res.Message)
			fmt.Printf("  Correlation: %s\n", res.CorrelationID)

			if !wait {
				return nil
			}
			return runPoll(ctx, c, orderID, interval, attempts)
		},
	}

	cmd.Flags().Int64Var(&orderID, "order", 0, "Order id")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in whole currency units")
	cmd.Flags().StringVar(&phone, "phone", "", "Payer phone number")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the payment settles")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPollInterval, "Polling interval")
	cmd.Flags().IntVar(&attempts, "attempts", client.DefaultPollMaxAttempts, "Maximum polling attempts")
	cmd.MarkFlagRequired("order")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("phone")

	return cmd
}

func statusCmd(newClient func() *client.PaymentClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status [orderId]",
		Short: "Show the payment status of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var orderID int64
			if _, err := fmt.Sscan(args[0], &orderID); err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			status, err := newClient().GetStatus(cmd.Context(), orderID)
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
}

func pollCmd(newClient func() *client.PaymentClient) *cobra.Command {
	var (
		interval time.Duration
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "poll [orderId]",
		Short: "Poll an order until it is paid, failed, or the attempts run out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var orderID int64
			if _, err := fmt.Sscan(args[0], &orderID); err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runPoll(ctx, newClient(), orderID, interval, attempts)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPollInterval, "Polling interval")
	cmd.Flags().IntVar(&attempts, "attempts", client.DefaultPollMaxAttempts, "Maximum polling attempts")

	return cmd
}

func runPoll(ctx context.Context, c *client.PaymentClient, orderID int64, interval time.Duration, attempts int) error {
	poller := &client.Poller{Fetcher: c, Interval: interval, MaxAttempts: attempts}

	fmt.Printf("Waiting for order %d", orderID)
	res, err := poller.Poll(ctx, orderID)
	fmt.Println()

	switch res.Outcome {
	case client.OutcomePaid:
		fmt.Printf("Paid after %d checks\n", res.Attempts)
	case client.OutcomeFailed:
		fmt.Printf("Payment failed after %d checks\n", res.Attempts)
	default:
		fmt.Printf("Payment not confirmed after %d checks; check again later\n", res.Attempts)
	}
	if res.Status != nil {
		printStatus(res.Status)
	}
	return err
}

func printStatus(s *client.Status) {
	fmt.Printf("  Order:       %d\n", s.OrderID)
	fmt.Printf("  Payment:     %s\n", s.PaymentStatus)
	fmt.Printf("  Transaction: %s\n", valueOrDash(s.TransactionStatus))
	fmt.Printf("  Reference:   %s\n", valueOrDash(s.TransactionRef))
	fmt.Printf("  Receipt:     %s\n", valueOrDash(s.ReceiptNumber))
}

func valueOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
