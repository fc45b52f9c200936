package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Method identifies a payment strategy.
type Method string

const (
	MethodGatewayRedirect Method = "gateway-redirect"
	MethodNativeSheet     Method = "native-payment-sheet"
	MethodCard            Method = "card"
	MethodBankTransfer    Method = "bank-transfer"
)

// Step is the UI step a checkout session is on.
type Step string

const (
	StepInit            Step = "init"
	StepMethodSelection Step = "method_selection"
	StepDetailsEntry    Step = "details_entry"
	StepProcessing      Step = "processing"
	StepVerification    Step = "verification"
	StepComplete        Step = "complete"
	StepError           Step = "error"
)

// Intent is the logical payment being attempted.
type Intent struct {
	ID            string          `json:"id"`
	BusinessID    string          `json:"businessId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description,omitempty"`
	CustomerEmail string          `json:"customerEmail,omitempty"`
	Status        Status          `json:"status"`
	Method        Method          `json:"method,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Expired reports whether the intent carries an expiry that has passed.
func (i Intent) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// LocalState is the per-session state kept in the session store.
type LocalState struct {
	SessionID    string       `json:"sessionId"`
	Intent       Intent       `json:"paymentIntent"`
	CurrentStep  Step         `json:"currentStep"`
	AttemptCount int          `json:"attemptCount"`
	LastError    string       `json:"lastError,omitempty"`
	CheckoutData CheckoutData `json:"checkoutData"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Address is a postal address captured at checkout.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// CheckoutItem is one cart line captured at checkout.
type CheckoutItem struct {
	ProductID  string          `json:"productId" validate:"required"`
	Name       string          `json:"name,omitempty"`
	Quantity   int             `json:"quantity" validate:"gt=0"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// CheckoutData is the cart snapshot taken when a payment is initialized.
type CheckoutData struct {
	Items           []CheckoutItem  `json:"items" validate:"required,min=1,dive"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Shipping        decimal.Decimal `json:"shipping"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	Email           string          `json:"email,omitempty" validate:"omitempty,email"`
	ShippingAddress Address         `json:"shippingAddress"`
	BillingAddress  *Address        `json:"billingAddress,omitempty"`
}

// WellFormed reports whether the snapshot can materialize an order: at least
// one line with a positive quantity and no negative amounts.
func (c CheckoutData) WellFormed() bool {
	if len(c.Items) == 0 {
		return false
	}
	for _, it := range c.Items {
		if it.ProductID == "" || it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return false
		}
	}
	for _, d := range []decimal.Decimal{c.Subtotal, c.Tax, c.Shipping, c.Total} {
		if d.IsNegative() {
			return false
		}
	}
	return c.Total.IsPositive()
}

// Billing returns the billing address, falling back to the shipping address.
func (c CheckoutData) Billing() Address {
	if c.BillingAddress != nil {
		return *c.BillingAddress
	}
	return c.ShippingAddress
}

// ParseCheckoutData decodes a stored snapshot. ok is false when raw is empty,
// not valid JSON, has non-numeric totals or is not WellFormed.
func ParseCheckoutData(raw json.RawMessage) (data CheckoutData, ok bool) {
	if len(raw) == 0 {
		return CheckoutData{}, false
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return CheckoutData{}, false
	}
	return data, data.WellFormed()
}

// ErrorLogEntry is one element of a record's append-only error log.
type ErrorLogEntry struct {
	At      time.Time `json:"at"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
}

// Record is the server-side payment row.
type Record struct {
	ID              string          `json:"id"`
	BusinessID      string          `json:"businessId"`
	SessionID       string          `json:"sessionId,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          Status          `json:"status"`
	Method          Method          `json:"method,omitempty"`
	CustomerEmail   string          `json:"customerEmail,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CheckoutData    json.RawMessage `json:"checkoutData,omitempty"`
	HPPaymentID     string          `json:"hpPaymentId,omitempty"`
	GatewayResponse json.RawMessage `json:"hoodpayResponse,omitempty"`
	ErrorLog        []ErrorLogEntry `json:"errorLog,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// MetaKeyOrderID is the metadata key linking a payment to its order.
const MetaKeyOrderID = "order_id"

// OrderID returns the order linked through metadata, if any.
func (r Record) OrderID() string {
	if r.Metadata == nil {
		return ""
	}
	if v, ok := r.Metadata[MetaKeyOrderID].(string); ok {
		return v
	}
	return ""
}

// WebhookEvent is one received gateway notification.
type WebhookEvent struct {
	ID              string          `json:"id"`
	ExternalEventID string          `json:"externalEventId"`
	EventType       string          `json:"eventType"`
	PaymentID       string          `json:"paymentId,omitempty"`
	BusinessID      string          `json:"businessId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature"`
	Verified        bool            `json:"verified"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	ProcessingError string          `json:"processingError,omitempty"`
	RetryCount      int             `json:"retryCount"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

// Attempt is one strategy execution against a payment.
type Attempt struct {
	ID            string          `json:"id"`
	PaymentID     string          `json:"paymentId"`
	AttemptNumber int             `json:"attemptNumber"`
	Method        Method          `json:"method"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	RequestData   json.RawMessage `json:"requestData,omitempty"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// OrderItem is one materialized order line.
type OrderItem struct {
	ProductID  string          `json:"productId"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// Order is an order created from a completed payment.
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId,omitempty"`
	PaymentID       string          `json:"paymentId"`
	Status          OrderStatus     `json:"status"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Currency        string          `json:"currency"`
	ShippingAddress Address         `json:"shippingAddress"`
	BillingAddress  Address         `json:"billingAddress"`
	PaymentMethod   Method          `json:"paymentMethod"`
	Items           []OrderItem     `json:"items"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// OrderFromCheckout derives an order from a payment and its snapshot. Line
// totals missing from the snapshot are computed from quantity and unit price.
func OrderFromCheckout(rec Record, data CheckoutData) Order {
	items := make([]OrderItem, 0, len(data.Items))
	for _, it := range data.Items {
		total := it.TotalPrice
		if total.IsZero() {
			total = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
		}
		items = append(items, OrderItem{
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			TotalPrice: total,
		})
	}
	currency := rec.Currency
	if currency == "" {
		currency = data.Currency
	}
	return Order{
		UserID:          data.UserID,
		PaymentID:       rec.ID,
		Status:          MapToOrderStatus(rec.Status),
		TotalAmount:     data.Total,
		Currency:        currency,
		ShippingAddress: data.ShippingAddress,
		BillingAddress:  data.Billing(),
		PaymentMethod:   rec.Method,
		Items:           items,
	}
}
