package usecase

import (
	"errors"

	"stk-payment-service/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	initiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stkpay_initiations_total",
			Help: "Push payment initiations by result",
		},
		[]string{"result"},
	)

	callbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stkpay_callbacks_total",
			Help: "Gateway callbacks by outcome",
		},
		[]string{"outcome"},
	)

	gatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stkpay_gateway_request_duration_seconds",
			Help:    "Duration of gateway push requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"result"},
	)

	reconciliationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stkpay_reconciliation_failures_total",
			Help: "Callbacks or repairs whose order update could not be persisted",
		},
	)

	reconcilerRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stkpay_reconciler_repairs_total",
			Help: "Orders repaired by the background reconciler",
		},
	)

	issuesRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stkpay_reconciliation_issues_total",
			Help: "Reconciliation issues raised by kind",
		},
		[]string{"kind"},
	)

	eventPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stkpay_event_publish_errors_total",
			Help: "Payment outcome events that failed to publish",
		},
	)
)

func initiationResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrValidation):
		return "validation_error"
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrOrderAlreadyPaid):
		return "order_error"
	case errors.Is(err, domain.ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, domain.ErrGatewayRejection):
		return "rejected"
	case errors.Is(err, domain.ErrNetworkFailure):
		return "network_failure"
	default:
		return "error"
	}
}
