package domain

// CallbackPlan is the set of writes a callback resolves to, decided while the
// transaction row is locked.
type CallbackPlan struct {
	Outcome             ApplyOutcome
	TransactionStatus   TransactionStatus
	PaymentStatus       *PaymentStatus
	ConfirmOrder        bool
	DuplicateCompletion bool
	AmountMismatch      bool
}

// PlanCallback decides how a callback changes the ledger and the order.
// otherCompleted reports whether a different transaction of the same order
// is already completed. Completion always wins: a failure never moves an
// order that another attempt has paid, and a success moves a failed order
// to paid.
func PlanCallback(tx *Transaction, order *Order, cb *CallbackResult, otherCompleted bool) CallbackPlan {
	if tx.Status.IsTerminal() {
		return CallbackPlan{Outcome: OutcomeDuplicate, TransactionStatus: tx.Status}
	}

	plan := CallbackPlan{
		Outcome:           OutcomeApplied,
		TransactionStatus: cb.TargetStatus(),
	}

	if plan.TransactionStatus == TxStatusCompleted {
		plan.DuplicateCompletion = otherCompleted
		plan.AmountMismatch = cb.Amount != nil && !cb.Amount.Equal(tx.Amount)

		if !order.PaymentStatus.IsSettled() {
			paid := PaymentStatusPaid
			plan.PaymentStatus = &paid
			plan.ConfirmOrder = order.Status == OrderStatusPending
		}
		return plan
	}

	if order.PaymentStatus == PaymentStatusPending && !otherCompleted {
		failed := PaymentStatusFailed
		plan.PaymentStatus = &failed
	}
	return plan
}
