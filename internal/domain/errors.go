package domain

import "errors"

var (
	ErrValidation                  = errors.New("validation failed")
	ErrAuthFailure                 = errors.New("gateway authentication failed")
	ErrGatewayRejection            = errors.New("gateway rejected request")
	ErrNetworkFailure              = errors.New("gateway unreachable")
	ErrUnknownCallbackReference    = errors.New("unknown callback reference")
	ErrDuplicateCallback           = errors.New("duplicate callback")
	ErrReconciliationInconsistency = errors.New("reconciliation inconsistency")
	ErrMalformedCallback           = errors.New("malformed callback payload")

	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderAlreadyPaid        = errors.New("order already paid")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrDuplicateTransactionRef = errors.New("transaction reference already recorded")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrIssueNotFound           = errors.New("reconciliation issue not found")
)
