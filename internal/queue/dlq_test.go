package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/queue"
)

func TestMoveToDLQAfterMaxAttempts(t *testing.T) {
	client := newClient(t)
	store := queue.NewMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := zerolog.New(io.Discard)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              queue.KindWebhookReprocess,
		Concurrency:       1,
		VisibilityTimeout: 120 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		Store:             store,
		Logger:            &log,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("payment not found")
		},
	}

	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: queue.KindWebhookReprocess, Payload: []byte("evt-9"), IdempotencyKey: "evt-9"}))

	require.Eventually(t, func() bool {
		count, err := store.CountQueueDlq(context.Background(), queue.KindWebhookReprocess)
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := store.ListQueueDlq(context.Background(), queue.KindWebhookReprocess, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "evt-9", entries[0].IdempotencyKey)
	require.Equal(t, 2, entries[0].Attempts)
	require.NotNil(t, entries[0].LastError)
	require.Equal(t, "payment not found", *entries[0].LastError)

	cancel()
	<-done
}

func TestDLQReplay(t *testing.T) {
	client := newClient(t)
	store := queue.NewMemoryStore()
	handler := queue.AdminHandler{
		Store:             store,
		Queue:             queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute, MaxAttempts: 5},
		PageSize:          10,
		VisibilityTimeout: 60 * time.Second,
		Logger:            zerolog.Nop(),
	}

	raw, err := json.Marshal(map[string]any{
		"kind":         queue.KindWebhookReprocess,
		"key":          "evt-1",
		"payload":      []byte("evt-1"),
		"attempt":      3,
		"max_attempts": 3,
		"available_at": time.Now().UnixNano(),
	})
	require.NoError(t, err)
	id, err := store.InsertQueueDlq(context.Background(), queue.DLQEntry{
		Kind:           queue.KindWebhookReprocess,
		IdempotencyKey: "evt-1",
		Payload:        raw,
		Attempts:       3,
	})
	require.NoError(t, err)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/queue/dlq?kind="+queue.KindWebhookReprocess, nil)
	listRec := httptest.NewRecorder()
	handler.ListDLQ(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	require.Contains(t, listRec.Body.String(), `"payload":"evt-1"`)

	body := bytes.NewBufferString(`{"ids":["` + id.String() + `","not-a-uuid"]}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", body)
	rr := httptest.NewRecorder()
	handler.ReplayDLQ(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Contains(t, resp.Replayed, id.String())
	require.Equal(t, "invalid uuid", resp.Failed["not-a-uuid"])

	ready, _, err := handler.Queue.Depth(context.Background(), queue.KindWebhookReprocess)
	require.NoError(t, err)
	require.Equal(t, int64(1), ready)

	_, err = store.GetQueueDlq(context.Background(), id)
	require.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func TestStatsRequiresKind(t *testing.T) {
	client := newClient(t)
	handler := queue.AdminHandler{Store: queue.NewMemoryStore(), Queue: queue.Enqueuer{R: client}}

	rr := httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/queue/stats", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/queue/stats?kind="+queue.KindWebhookReprocess, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"ready":0`)
}
