package client

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomePaid        Outcome = "paid"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnconfirmed Outcome = "unconfirmed"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollMaxAttempts = 20
)

type PollResult struct {
	Outcome  Outcome
	Status   *Status
	Attempts int
}

type StatusFetcher interface {
	GetStatus(ctx context.Context, orderID int64) (*Status, error)
}

// Poller checks an order's payment status until it settles or the attempt
// cap is reached.
type Poller struct {
	Fetcher     StatusFetcher
	Interval    time.Duration
	MaxAttempts int
	Logger      *zap.Logger
}

func NewPoller(fetcher StatusFetcher, logger *zap.Logger) *Poller {
	return &Poller{
		Fetcher:     fetcher,
		Interval:    DefaultPollInterval,
		MaxAttempts: DefaultPollMaxAttempts,
		Logger:      logger,
	}
}

// Poll never returns an error for a failed fetch; those count as attempts.
// A cancelled ctx ends polling with OutcomeUnconfirmed and ctx.Err().
func (p *Poller) Poll(ctx context.Context, orderID int64) (PollResult, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	result := PollResult{Outcome: OutcomeUnconfirmed}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		status, err := p.Fetcher.GetStatus(ctx, orderID)
		switch {
		case err != nil:
			logger.Debug("status poll failed",
				zap.Int64("order_id", orderID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		case status.PaymentStatus == "paid":
			result.Outcome, result.Status = OutcomePaid, status
			return result, nil
		case status.TransactionStatus != nil && *status.TransactionStatus == "failed":
			result.Outcome, result.Status = OutcomeFailed, status
			return result, nil
		default:
			result.Status = status
		}

		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, nil
}
