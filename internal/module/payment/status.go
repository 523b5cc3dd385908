package payment

// Status is the local payment transaction status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// CanTransitionTo returns true if the status may move to target.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusPending:
		return target == StatusProcessing || target == StatusSucceeded ||
			target == StatusFailed || target == StatusCanceled
	case StatusProcessing:
		return target == StatusSucceeded || target == StatusFailed || target == StatusCanceled
	default:
		return false
	}
}

// Transition validates a status change. Terminal states never move again:
// once money has moved, a late or reordered event for the same transaction is
// stale and must be ignored, not applied (first-terminal-wins). Stale events
// return ErrStaleTransition; structurally impossible moves return
// ErrInvalidTransition. A same-state transition is a permitted no-op.
func Transition(current, target Status) (Status, error) {
	if current == target {
		return current, nil
	}
	if current.IsTerminal() {
		return current, ErrStaleTransition
	}
	if !current.CanTransitionTo(target) {
		return current, ErrInvalidTransition
	}
	return target, nil
}

// RefundStatus is the local refund status.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCanceled  RefundStatus = "canceled"
)

// IsTerminal returns true if the refund status is terminal.
func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusSucceeded || s == RefundStatusFailed || s == RefundStatusCanceled
}

// TransitionRefund validates a refund status change with the same
// first-terminal-wins discipline as Transition.
func TransitionRefund(current, target RefundStatus) (RefundStatus, error) {
	if current == target {
		return current, nil
	}
	if current.IsTerminal() {
		return current, ErrStaleTransition
	}
	if current != RefundStatusPending {
		return current, ErrInvalidTransition
	}
	return target, nil
}

// RefundReason is the processor-recognized reason for a refund.
type RefundReason string

const (
	RefundReasonDuplicate         RefundReason = "duplicate"
	RefundReasonFraudulent        RefundReason = "fraudulent"
	RefundReasonCustomerRequested RefundReason = "requested_by_customer"
	RefundReasonExpiredUncaptured RefundReason = "expired_uncaptured_charge"
)

// Valid reports whether the reason is one the processor accepts.
func (r RefundReason) Valid() bool {
	switch r {
	case RefundReasonDuplicate, RefundReasonFraudulent,
		RefundReasonCustomerRequested, RefundReasonExpiredUncaptured:
		return true
	}
	return false
}

// MapProcessorStatus maps a processor payment-intent status onto the local
// state machine.
func MapProcessorStatus(processorStatus string) Status {
	switch processorStatus {
	case "requires_payment_method", "requires_confirmation", "requires_action":
		return StatusPending
	case "processing", "requires_capture":
		return StatusProcessing
	case "succeeded":
		return StatusSucceeded
	case "canceled":
		return StatusCanceled
	default:
		return StatusPending
	}
}

// MapProcessorRefundStatus maps a processor refund status onto the local
// refund state machine.
func MapProcessorRefundStatus(processorStatus string) RefundStatus {
	switch processorStatus {
	case "succeeded":
		return RefundStatusSucceeded
	case "failed":
		return RefundStatusFailed
	case "canceled":
		return RefundStatusCanceled
	default:
		return RefundStatusPending
	}
}
