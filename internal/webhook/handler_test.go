package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/lock"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/queue"
	"github.com/noah-isme/checkout-pay/internal/repo"
	"github.com/noah-isme/checkout-pay/internal/resilience"
)

const testSecret = "whsec_test"

type taskLog struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (l *taskLog) Enqueue(_ context.Context, t queue.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
	return nil
}

func (l *taskLog) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, string(t.Payload))
	}
	return out
}

type notifyLog struct {
	mu     sync.Mutex
	orders []string
}

func (n *notifyLog) PaymentSucceeded(_ context.Context, _ payment.Record, orderID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, orderID)
	return nil
}

type fixture struct {
	h        *Handler
	store    *repo.Store
	queue    *taskLog
	notified *notifyLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemory(repo.Options{
		Retry:  resilience.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }},
		Logger: zerolog.Nop(),
	}).Store()
	f := &fixture{store: store, queue: &taskLog{}, notified: &notifyLog{}}
	f.h = &Handler{
		Secret:      testSecret,
		Store:       store,
		Notifier:    f.notified,
		Queue:       f.queue,
		MaxAttempts: 5,
		Logger:      zerolog.Nop(),
	}
	return f
}

func checkoutJSON(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payment.CheckoutData{
		Items: []payment.CheckoutItem{
			{ProductID: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		},
		Subtotal:        decimal.RequireFromString("20.00"),
		Total:           decimal.RequireFromString("20.00"),
		Currency:        "USD",
		ShippingAddress: payment.Address{Line1: "1 Main St", City: "Springfield", Country: "US"},
	})
	require.NoError(t, err)
	return raw
}

// seed stores a processing payment with gateway id gw and optionally links
// its order.
func (f *fixture) seed(t *testing.T, gw string, linkOrder bool) payment.Record {
	t.Helper()
	ctx := context.Background()
	res := f.store.Payments.Create(ctx, payment.Record{
		BusinessID:    "biz-1",
		Amount:        decimal.RequireFromString("20.00"),
		Currency:      "USD",
		Status:        payment.StatusProcessing,
		Method:        payment.MethodGatewayRedirect,
		CustomerEmail: "buyer@example.com",
		HPPaymentID:   gw,
		CheckoutData:  checkoutJSON(t),
	})
	require.True(t, res.Success, "%v", res.Error)
	if linkOrder {
		order := f.store.Orders.CreateFromPayment(ctx, res.Data.ID)
		require.True(t, order.Success)
		require.NotNil(t, order.Data)
	}
	got := f.store.Payments.Get(ctx, res.Data.ID)
	require.True(t, got.Success)
	return got.Data
}

func body(event, gw, id string) string {
	return `{"id":"` + id + `","event":"` + event + `","data":{"id":"` + gw + `","businessId":"biz-1","amount":"20.00","currency":"usd","method":"card"}}`
}

func (f *fixture) post(t *testing.T, payload string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, payment.SignPayload([]byte(payload), testSecret))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.h.Receive(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func (f *fixture) events(t *testing.T) []payment.WebhookEvent {
	t.Helper()
	res := f.store.WebhookEvents.ListUnprocessed(context.Background(), time.Now().Add(time.Hour), 100)
	require.True(t, res.Success)
	return res.Data
}

func TestNormalizeEvent(t *testing.T) {
	cases := map[string]string{
		"payment:completed":       "payment:completed",
		"Payment.Completed":       "payment:completed",
		"PAYMENT_COMPLETED":       "payment:completed",
		"  payment  completed ":   "payment:completed",
		"payment::_.completed":    "payment:completed",
		"payment.method_selected": "payment:method:selected",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeEvent(in), in)
	}
	_, ok := eventTable[NormalizeEvent("payment.method_selected")]
	require.True(t, ok)
}

func TestReceiveRejectsBeforeStoring(t *testing.T) {
	f := newFixture(t)

	disabled := &Handler{Store: f.store, Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	disabled.Receive(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"error":"service disabled"}`, rec.Body.String())

	payload := body("payment:completed", "gw-x", "evt-x")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, payment.SignPayload([]byte(payload+" "), testSecret))
	rec = httptest.NewRecorder()
	f.h.Receive(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())

	bad, out := f.post(t, "{not json", nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	require.Equal(t, "Invalid payload", out["error"])

	require.Empty(t, f.events(t))
}

func TestCompletedWithLinkedOrder(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "gw-1", true)
	orderID := seeded.OrderID()
	require.NotEmpty(t, orderID)

	rec, out := f.post(t, body("Payment.Completed", "gw-1", "evt-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"received": true}, out)
	f.h.Wait()

	ctx := context.Background()
	p := f.store.Payments.Get(ctx, seeded.ID)
	require.Equal(t, payment.StatusCompleted, p.Data.Status)
	require.NotNil(t, p.Data.CompletedAt)
	require.Equal(t, orderID, p.Data.OrderID())
	o := f.store.Orders.Get(ctx, orderID)
	require.Equal(t, payment.OrderCompleted, o.Data.Status)
	require.Equal(t, []string{orderID}, f.notified.orders)
	require.Empty(t, f.events(t), "event should be marked processed")
	require.Empty(t, f.queue.ids())

	dup, out := f.post(t, body("Payment.Completed", "gw-1", "evt-1"), nil)
	require.Equal(t, http.StatusOK, dup.Code)
	require.Equal(t, true, out["duplicate"])
}

func TestEventIDFallsBackToHeaderThenBodyHash(t *testing.T) {
	f := newFixture(t)

	payload := `{"event":"payment:unknown_thing","data":{"id":"gw-9"}}`
	first, _ := f.post(t, payload, nil)
	require.Equal(t, http.StatusOK, first.Code)
	_, out := f.post(t, payload, nil)
	require.Equal(t, true, out["duplicate"])

	_, out = f.post(t, payload, map[string]string{EventIDHeader: "delivery-2"})
	require.Nil(t, out["duplicate"])
	require.Equal(t, true, out["received"])
}

func TestCompletedWithoutOrderIsAcknowledgedAndReprocessed(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "gw-2", false)

	rec, out := f.post(t, body("payment_completed", "gw-2", "evt-2"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["received"])

	pending := f.events(t)
	require.Len(t, pending, 1)
	require.Contains(t, pending[0].ProcessingError, "order_id")
	require.Equal(t, 1, pending[0].RetryCount)
	require.Equal(t, []string{pending[0].ID}, f.queue.ids())

	ctx := context.Background()
	require.Equal(t, payment.StatusProcessing, f.store.Payments.Get(ctx, seeded.ID).Data.Status)

	rp := &Reprocessor{Handler: f.h, Locker: lock.NewLocal()}
	require.NoError(t, rp.HandleTask(ctx, queue.Task{Payload: []byte(pending[0].ID)}))
	f.h.Wait()

	p := f.store.Payments.Get(ctx, seeded.ID)
	require.Equal(t, payment.StatusCompleted, p.Data.Status)
	orderID := p.Data.OrderID()
	require.NotEmpty(t, orderID)
	require.Equal(t, payment.OrderCompleted, f.store.Orders.Get(ctx, orderID).Data.Status)
	require.Empty(t, f.events(t))
	require.Equal(t, []string{orderID}, f.notified.orders)

	// Already processed events are skipped.
	require.NoError(t, rp.Handle(ctx, pending[0].ID))
}

func TestCancelledThenCompletedSettlesAsCompleted(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "gw-3", true)
	ctx := context.Background()

	rec, _ := f.post(t, body("payment:cancelled", "gw-3", "evt-3a"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payment.StatusCancelled, f.store.Payments.Get(ctx, seeded.ID).Data.Status)
	require.Equal(t, payment.OrderCancelled, f.store.Orders.Get(ctx, seeded.OrderID()).Data.Status)

	rec, _ = f.post(t, body("payment:completed", "gw-3", "evt-3b"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.h.Wait()
	require.Equal(t, payment.StatusCompleted, f.store.Payments.Get(ctx, seeded.ID).Data.Status)
	require.Equal(t, payment.OrderCompleted, f.store.Orders.Get(ctx, seeded.OrderID()).Data.Status)

	// A late expiry cannot reopen a completed payment.
	rec, _ = f.post(t, body("payment:expired", "gw-3", "evt-3c"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payment.StatusCompleted, f.store.Payments.Get(ctx, seeded.ID).Data.Status)
	require.Empty(t, f.events(t))
}

func TestCreatedUpsertsAndLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _ := f.post(t, body("payment:created", "gw-new", "evt-4"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := f.store.Payments.GetByExternalID(ctx, "gw-new")
	require.True(t, got.Success)
	require.Equal(t, payment.StatusPending, got.Data.Status)
	require.Equal(t, "USD", got.Data.Currency)

	local := f.store.Payments.Create(ctx, payment.Record{
		Amount:   decimal.RequireFromString("5"),
		Currency: "EUR",
	})
	require.True(t, local.Success)
	payload := `{"event":"payment:created","data":{"id":"gw-linked","amount":"5","currency":"eur","metadata":{"paymentId":"` + local.Data.ID + `"}}}`
	rec, _ = f.post(t, payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gw-linked", f.store.Payments.Get(ctx, local.Data.ID).Data.HPPaymentID)

	// created after completion does not regress the status
	seeded := f.seed(t, "gw-done", true)
	f.post(t, body("payment:completed", "gw-done", "evt-5"), nil)
	f.post(t, body("payment:created", "gw-done", "evt-6"), nil)
	f.h.Wait()
	require.Equal(t, payment.StatusCompleted, f.store.Payments.Get(ctx, seeded.ID).Data.Status)
	require.Empty(t, f.events(t))
}

func TestMethodSelectedMergesMetadata(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "gw-7", false)

	f.post(t, body("payment:method_selected", "gw-7", "evt-7"), nil)
	got := f.store.Payments.Get(context.Background(), seeded.ID)
	require.Equal(t, "card", got.Data.Metadata["selected_method"])

	rec, _ := f.post(t, body("payment:method_selected", "gw-missing", "evt-8"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, f.events(t))
}

func TestReceiveStoreFailureIs500(t *testing.T) {
	mem := repo.NewMemory(repo.Options{
		Retry:  resilience.RetryPolicy{MaxRetries: 0, Sleep: func(context.Context, time.Duration) error { return nil }},
		Logger: zerolog.Nop(),
	})
	mem.InjectFault("webhook_events.create", context.DeadlineExceeded, 5)
	h := &Handler{Secret: testSecret, Store: mem.Store(), Logger: zerolog.Nop()}

	payload := body("payment:completed", "gw", "evt")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, "sha256="+payment.SignPayload([]byte(payload), testSecret))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	(&Handler{}).Health(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSweepEnqueuesStaleEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "gw-s", false)
	f.post(t, body("payment:completed", "gw-s", "evt-s"), nil)
	first := f.queue.ids()
	require.Len(t, first, 1)

	rp := &Reprocessor{Handler: f.h, Grace: time.Minute, Now: func() time.Time { return time.Now().Add(time.Hour) }}
	n, err := rp.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{first[0], first[0]}, f.queue.ids())

	rp.Now = time.Now
	n, err = rp.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
