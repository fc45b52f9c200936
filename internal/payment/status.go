package payment

import "slices"

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
	StatusRefunded   Status = "refunded"
)

// Statuses lists every payment status.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
	StatusCancelled, StatusExpired, StatusRefunded,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return slices.Contains(Statuses, s) }

// IsTerminal reports whether no further transition is expected from s in the
// normal flow. failed is not terminal: it may be retried.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// Resumable reports whether a session in this status can be picked up again.
func (s Status) Resumable() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransition reports whether a record in status from may move to status to.
// Replaying the current status is always allowed. Cancelled and expired records
// can still complete because the gateway's settlement is final; completed can
// only be refunded.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return true
	case StatusProcessing:
		return to != StatusPending
	case StatusFailed:
		return to == StatusProcessing || to == StatusCompleted || to == StatusCancelled || to == StatusExpired
	case StatusCancelled, StatusExpired:
		return to == StatusCompleted
	case StatusCompleted:
		return to == StatusRefunded
	default:
		return false
	}
}

// AllowedSources returns every status from which to is reachable, including to
// itself. Repositories use it to build conditional updates.
func AllowedSources(to Status) []Status {
	out := make([]Status, 0, len(Statuses))
	for _, from := range Statuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// OrderStatus is the lifecycle state of a materialized order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderExpired    OrderStatus = "expired"
	OrderRefunded   OrderStatus = "refunded"
)

// MapToOrderStatus derives the order status for a payment status. There is no
// failed order: a failed payment maps to cancelled.
func MapToOrderStatus(s Status) OrderStatus {
	switch s {
	case StatusProcessing:
		return OrderProcessing
	case StatusCompleted:
		return OrderCompleted
	case StatusFailed, StatusCancelled:
		return OrderCancelled
	case StatusExpired:
		return OrderExpired
	case StatusRefunded:
		return OrderRefunded
	default:
		return OrderPending
	}
}

// CanOrderTransition guards order status updates the same way CanTransition
// guards payments: completed orders can only be refunded and refunded is final.
func CanOrderTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case OrderPending, OrderProcessing:
		return true
	case OrderCancelled, OrderExpired:
		return to == OrderCompleted
	case OrderCompleted:
		return to == OrderRefunded
	default:
		return false
	}
}
