package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/config"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/queue"
	"github.com/noah-isme/checkout-pay/internal/webhook"
)

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:                 config.StoreDriverMemory,
		IdempotencyTTL:              time.Minute,
		LockTTL:                     5 * time.Second,
		LockRetryBackoff:            10 * time.Millisecond,
		MaxBodyBytes:                64 << 10,
		QueuePrefix:                 "test",
		SessionNamespace:            "checkout_payment",
		SessionTimeout:              30 * time.Minute,
		SessionFallbackSize:         128,
		PaymentMaxAttempts:          3,
		PaymentIntentTTL:            30 * time.Minute,
		PaymentPersistTimeout:       time.Second,
		AllowedCurrencies:           []string{"USD"},
		WebhookSecret:               "whsec",
		WebhookMaxBodyBytes:         1 << 20,
		WebhookReprocessMaxAttempts: 3,
		CircuitMinRequests:          5,
		CircuitFailureRate:          0.5,
		CircuitOpenFor:              time.Second,
		HookTimeout:                 time.Second,
		AdminBasicAuthUser:          "ops",
		AdminBasicAuthPass:          "secret",
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	a, err := New(context.Background(), Dependencies{
		Config: cfg,
		Logger: zerolog.Nop(),
		Redis:  rdb,
		Store:  NewStore(cfg, nil, zerolog.Nop()),
	})
	require.NoError(t, err)
	t.Cleanup(a.Wait)
	return a
}

func serve(a *App, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(context.Background(), Dependencies{Config: testConfig()})
	require.Error(t, err)
	_, err = New(context.Background(), Dependencies{})
	require.Error(t, err)
}

func TestOperationalRoutes(t *testing.T) {
	a := newTestApp(t)

	rec := serve(a, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(a, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(a, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(a, httptest.NewRequest(http.MethodGet, "/api/v1/checkout/methods", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminQueueRequiresBasicAuth(t *testing.T) {
	a := newTestApp(t)

	rec := serve(a, httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue/stats", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue/stats", nil)
	req.SetBasicAuth("ops", "secret")
	rec = serve(a, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue/stats?kind="+queue.KindWebhookReprocess, nil)
	req.SetBasicAuth("ops", "secret")
	rec = serve(a, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestInitializeThenGatewayCreatedLinksRecord(t *testing.T) {
	a := newTestApp(t)

	input := map[string]any{
		"amount":   "30.00",
		"currency": "usd",
		"checkoutData": map[string]any{
			"items":           []map[string]any{{"productId": "sku-1", "quantity": 3, "unitPrice": "10.00"}},
			"subtotal":        "30.00",
			"shippingAddress": map[string]any{"line1": "1 Main St", "city": "Springfield", "country": "US"},
		},
	}
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(common.SessionHeader, "web-1")
	rec := serve(a, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Data struct {
			PaymentIntent struct {
				ID string `json:"id"`
			} `json:"paymentIntent"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	paymentID := created.Data.PaymentIntent.ID
	require.NotEmpty(t, paymentID)

	rec = serve(a, httptest.NewRequest(http.MethodGet, "/api/v1/checkout/sessions/web-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := json.Marshal(map[string]any{
		"id":    "evt-created",
		"event": "payment.created",
		"data": map[string]any{
			"id":       "hp_1",
			"amount":   30,
			"currency": "USD",
			"metadata": map[string]any{"paymentId": paymentID},
		},
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(payment.SignatureHeader, payment.SignPayload(body, "whsec"))
	req.Header.Set(webhook.EventIDHeader, "evt-created")
	rec = serve(a, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"received":true}`, rec.Body.String())

	rec = serve(a, httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+paymentID, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got struct {
		Data payment.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "hp_1", got.Data.HPPaymentID)
	require.Equal(t, "web-1", got.Data.SessionID)
}
