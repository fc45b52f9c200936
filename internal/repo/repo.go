// Package repo persists payments, orders, webhook events and payment attempts.
// Every call returns a Result envelope; transient storage failures are retried
// before the envelope reports failure.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

// PaymentFilter narrows List results. Zero values match everything.
type PaymentFilter struct {
	BusinessID string
	SessionID  string
	Status     payment.Status
	Method     payment.Method
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Page is a slice of results plus the unpaginated total.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// PaymentPatch updates selected payment columns. Nil fields are left alone.
// Metadata is merged into the stored map. A Status change goes through the
// same transition guard as UpdateStatus.
type PaymentPatch struct {
	Status          *payment.Status
	Method          *payment.Method
	CustomerEmail   *string
	HPPaymentID     *string
	GatewayResponse json.RawMessage
	CheckoutData    json.RawMessage
	Metadata        map[string]any
}

// StatusUpdate moves a payment to Status. A non-empty Error is appended to
// the record's error log; Metadata is merged.
type StatusUpdate struct {
	Status   payment.Status
	Error    string
	Metadata map[string]any
}

// OrderPatch updates selected order columns.
type OrderPatch struct {
	Status          *payment.OrderStatus
	ShippingAddress *payment.Address
	BillingAddress  *payment.Address
}

// WebhookEventUpdate records the outcome of handling an event.
type WebhookEventUpdate struct {
	Processed       bool
	ProcessingError string
	PaymentID       string
	IncrementRetry  bool
}

// Payments stores payment records.
type Payments interface {
	Create(ctx context.Context, rec payment.Record) Result[payment.Record]
	Get(ctx context.Context, id string) Result[payment.Record]
	GetByExternalID(ctx context.Context, hpPaymentID string) Result[payment.Record]
	List(ctx context.Context, f PaymentFilter) Result[Page[payment.Record]]
	Update(ctx context.Context, id string, patch PaymentPatch) Result[payment.Record]
	UpsertByExternalID(ctx context.Context, rec payment.Record) Result[payment.Record]
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) Result[payment.Record]
	MergeMetadata(ctx context.Context, id string, meta map[string]any) Result[payment.Record]
}

// Orders stores orders materialized from payments.
type Orders interface {
	Create(ctx context.Context, o payment.Order) Result[payment.Order]
	Get(ctx context.Context, id string) Result[payment.Order]
	GetByPaymentID(ctx context.Context, paymentID string) Result[payment.Order]
	Update(ctx context.Context, id string, patch OrderPatch) Result[payment.Order]
	UpdateStatus(ctx context.Context, id string, status payment.OrderStatus) Result[payment.Order]
	// CreateFromPayment materializes the order for a payment and links it via
	// metadata.order_id. It returns the existing order when one is already
	// linked and a nil order when the payment has no usable checkout snapshot.
	CreateFromPayment(ctx context.Context, paymentID string) Result[*payment.Order]
}

// WebhookEvents stores received gateway notifications.
type WebhookEvents interface {
	// Create fails with CodeDuplicate when ExternalEventID was already stored.
	Create(ctx context.Context, ev payment.WebhookEvent) Result[payment.WebhookEvent]
	Get(ctx context.Context, id string) Result[payment.WebhookEvent]
	Update(ctx context.Context, id string, upd WebhookEventUpdate) Result[payment.WebhookEvent]
	ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) Result[[]payment.WebhookEvent]
}

// Attempts stores strategy executions.
type Attempts interface {
	// Create assigns the next attempt number for the payment.
	Create(ctx context.Context, a payment.Attempt) Result[payment.Attempt]
	ListByPayment(ctx context.Context, paymentID string) Result[[]payment.Attempt]
}

// Store bundles the repositories behind one backend.
type Store struct {
	Payments      Payments
	Orders        Orders
	WebhookEvents WebhookEvents
	Attempts      Attempts
	ping          func(ctx context.Context) error
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func statusStrings(in []payment.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
