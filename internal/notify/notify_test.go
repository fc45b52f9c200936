package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/events"
	"github.com/noah-isme/checkout-pay/internal/notify"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/repo"
	"github.com/noah-isme/checkout-pay/internal/resilience"
)

func sampleEvent() events.Event {
	return events.Event{
		ID:         "evt-1",
		Topic:      events.TopicPaymentCompleted,
		SessionID:  "sess-1",
		PaymentID:  "pay-1",
		Payload:    json.RawMessage(`{"orderId":"ord-1"}`),
		OccurredAt: time.Now().UTC(),
	}
}

func TestMerchantNotifierSignsDelivery(t *testing.T) {
	type recorded struct {
		req  *http.Request
		body []byte
	}
	received := make(chan recorded, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- recorded{req: r, body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := notify.MerchantNotifier{
		URL:    srv.URL,
		Secret: "secret",
		HTTP:   resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1, Timeout: time.Second},
		Logger: zerolog.Nop(),
	}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))

	record := <-received
	req := record.req
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Equal(t, "evt-1", req.Header.Get("X-Event-ID"))
	ts, err := strconv.ParseInt(req.Header.Get("X-Timestamp"), 10, 64)
	require.NoError(t, err)
	require.Equal(t, notify.ComputeSignature("secret", ts, "evt-1", record.body), req.Header.Get("X-Signature"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(record.body, &body))
	require.Equal(t, events.TopicPaymentCompleted, body["topic"])
	require.Equal(t, "pay-1", body["paymentId"])
	require.Equal(t, map[string]any{"orderId": "ord-1"}, body["data"])
}

func TestMerchantNotifierFiltersAndFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	n := notify.MerchantNotifier{
		URL:    srv.URL,
		HTTP:   resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
		Topics: map[string]bool{events.TopicPaymentFailed: true},
		Logger: zerolog.Nop(),
	}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.Zero(t, calls)

	n.Topics = nil
	require.Error(t, n.Notify(context.Background(), sampleEvent()))
	require.Equal(t, 1, calls)

	n.URL = "http://merchant.example.com/callback"
	_, err := n.Deliver(context.Background(), sampleEvent())
	require.Error(t, err)

	require.NoError(t, notify.MerchantNotifier{}.Notify(context.Background(), sampleEvent()))
}

func TestMerchantNotifierReplayGuard(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	n := notify.MerchantNotifier{
		URL:       srv.URL,
		HTTP:      resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
		Replay:    notify.RedisReplayProtector{Client: rdb},
		ReplayTTL: time.Minute,
		Logger:    zerolog.Nop(),
	}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.Equal(t, 1, calls)
}

type fakeClient struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "x"}, nil
}

func TestTaskNotifier(t *testing.T) {
	client := &fakeClient{}
	n := notify.TaskNotifier{Client: client, Queue: "notify", MaxRetry: 3}
	ctx := context.Background()

	require.NoError(t, n.PaymentSucceeded(ctx, payment.Record{ID: "pay-1"}, "ord-1"))
	require.NoError(t, n.Notify(ctx, sampleEvent()))
	failed := sampleEvent()
	failed.Topic = events.TopicPaymentFailed
	require.NoError(t, n.Notify(ctx, failed))

	require.Len(t, client.tasks, 2)
	for _, task := range client.tasks {
		require.Equal(t, notify.TypePaymentSucceeded, task.Type())
		var p notify.PaymentSucceeded
		require.NoError(t, json.Unmarshal(task.Payload(), &p))
		require.Equal(t, notify.PaymentSucceeded{PaymentID: "pay-1", OrderID: "ord-1"}, p)
	}
	require.Len(t, client.opts[0], 3)

	client.err = asynq.ErrTaskIDConflict
	require.NoError(t, n.PaymentSucceeded(ctx, payment.Record{ID: "pay-1"}, ""))
	client.err = errors.New("redis down")
	require.Error(t, n.PaymentSucceeded(ctx, payment.Record{ID: "pay-1"}, ""))

	require.NoError(t, notify.TaskNotifier{}.PaymentSucceeded(ctx, payment.Record{ID: "pay-1"}, ""))
}

func TestEmailHandler(t *testing.T) {
	store := repo.NewMemory(repo.Options{Logger: zerolog.Nop()}).Store()
	ctx := context.Background()
	withEmail := store.Payments.Create(ctx, payment.Record{
		Amount:        decimal.RequireFromString("12.5"),
		Currency:      "USD",
		CustomerEmail: "buyer@example.com",
	})
	require.True(t, withEmail.Success)
	noEmail := store.Payments.Create(ctx, payment.Record{Amount: decimal.RequireFromString("1"), Currency: "USD"})
	require.True(t, noEmail.Success)

	mail := &common.InMemoryEmail{}
	h := notify.EmailHandler{Mail: mail, Payments: store.Payments, Logger: zerolog.Nop()}
	task := func(p notify.PaymentSucceeded) *asynq.Task {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		return asynq.NewTask(notify.TypePaymentSucceeded, raw)
	}

	require.NoError(t, h.ProcessTask(ctx, task(notify.PaymentSucceeded{PaymentID: withEmail.Data.ID, OrderID: "ord-9"})))
	sent := mail.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "buyer@example.com", sent[0].To)
	require.Contains(t, sent[0].HTML, "12.50 USD")
	require.Contains(t, sent[0].HTML, "ord-9")

	require.NoError(t, h.ProcessTask(ctx, task(notify.PaymentSucceeded{PaymentID: noEmail.Data.ID})))
	require.Len(t, mail.Sent(), 1)

	err := h.ProcessTask(ctx, task(notify.PaymentSucceeded{PaymentID: "missing"}))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = h.ProcessTask(ctx, asynq.NewTask(notify.TypePaymentSucceeded, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
