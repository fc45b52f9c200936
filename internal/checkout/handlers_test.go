package checkout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/strategy"
)

func newTestRouter(h *harness, s strategy.Strategy) http.Handler {
	handler := &Handler{
		Orchestrator: h.orch,
		Methods:      strategy.NewRegistry(s),
		Store:        h.store,
		Logger:       zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Use(common.SessionFromRequest)
	r.Get("/checkout/methods", handler.AvailableMethods)
	r.Post("/checkout/sessions", handler.Initialize)
	r.Get("/checkout/sessions/{sessionId}", handler.State)
	r.Post("/checkout/sessions/{sessionId}/process", handler.Process)
	r.Post("/checkout/sessions/{sessionId}/cancel", handler.Cancel)
	r.Get("/checkout/sessions/{sessionId}/recovery", handler.Recovery)
	r.Get("/payments", handler.ListPayments)
	r.Get("/payments/{id}", handler.GetPayment)
	r.Get("/payments/{id}/attempts", handler.ListAttempts)
	r.Get("/orders/{id}", handler.GetOrder)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCheckoutHTTPFlow(t *testing.T) {
	s := &scripted{results: []payment.Result{completedResult()}}
	h := newHarness(t, s)
	router := newTestRouter(h, s)

	rec, body := do(t, router, http.MethodPost, "/checkout/sessions", initInput(), map[string]string{common.SessionHeader: "web-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "web-1", rec.Header().Get(common.SessionHeader))
	intent := body["data"].(map[string]any)["paymentIntent"].(map[string]any)
	paymentID := intent["id"].(string)
	require.Equal(t, "pending", intent["status"])

	rec, body = do(t, router, http.MethodGet, "/checkout/sessions/web-1/recovery", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["data"].(map[string]any)["canRecover"])

	rec, body = do(t, router, http.MethodPost, "/checkout/sessions/web-1/process", map[string]any{"method": "gateway-redirect"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "https://pay.example/hp_1", body["data"].(map[string]any)["redirectUrl"])
	h.settle()

	rec, body = do(t, router, http.MethodGet, "/payments/"+paymentID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	record := body["data"].(map[string]any)
	require.Equal(t, "completed", record["status"])
	orderID := record["metadata"].(map[string]any)["order_id"].(string)

	rec, _ = do(t, router, http.MethodGet, "/orders/"+orderID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, router, http.MethodGet, "/payments/"+paymentID+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"], 1)

	rec, body = do(t, router, http.MethodGet, "/payments?status=completed&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"], 1)
	require.EqualValues(t, 1, body["pagination"].(map[string]any)["total_items"])

	rec, body = do(t, router, http.MethodPost, "/checkout/sessions/web-1/process", map[string]any{"method": "gateway-redirect"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, payment.CodeAlreadyCompleted, body["data"].(map[string]any)["error"].(map[string]any)["code"])
}

func TestCheckoutHTTPErrors(t *testing.T) {
	s := &scripted{results: []payment.Result{completedResult()}}
	h := newHarness(t, s)
	router := newTestRouter(h, s)

	in := initInput()
	in.Currency = "JPY"
	rec, body := do(t, router, http.MethodPost, "/checkout/sessions", in, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, payment.CodeValidation, body["error"].(map[string]any)["code"])

	rec, _ = do(t, router, http.MethodGet, "/checkout/sessions/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/checkout/sessions/missing/process", map[string]any{"method": "gateway-redirect"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/checkout/sessions/missing/process", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/checkout/sessions/missing/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/payments/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/payments?status=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, router, http.MethodGet, "/checkout/methods", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{"gateway-redirect"}, body["data"])
}

func TestResultStatus(t *testing.T) {
	require.Equal(t, http.StatusOK, resultStatus(payment.Result{Success: true}))
	require.Equal(t, http.StatusTooManyRequests, resultStatus(payment.Failed(payment.CodeRetryLimit, "", false)))
	require.Equal(t, http.StatusGone, resultStatus(payment.Failed(payment.CodeSessionExpired, "", false)))
	require.Equal(t, http.StatusPaymentRequired, resultStatus(payment.Failed(payment.CodeUserCancelled, "", false)))
}
