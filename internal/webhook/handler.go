// Package webhook receives signed gateway notifications, stores each one
// before acting on it and applies the payment and order transitions it
// describes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/queue"
	"github.com/noah-isme/checkout-pay/internal/repo"
)

// EventIDHeader optionally carries the gateway's delivery id.
const EventIDHeader = "x-gateway-event-id"

const defaultMaxBody = 1 << 20

var (
	// ErrMissingOrderID is returned when a completion arrives for a payment
	// that has no linked order yet.
	ErrMissingOrderID = errors.New("webhook: payment has no order_id")
	// ErrPaymentNotFound is returned when no payment matches the event.
	ErrPaymentNotFound = errors.New("webhook: payment not found")
)

// Notifier is told about payments that completed through a webhook.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, rec payment.Record, orderID string) error
}

// Enqueuer schedules failed events for another attempt.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Handler serves POST and GET /webhook.
type Handler struct {
	Secret      string
	Store       *repo.Store
	Notifier    Notifier
	Queue       Enqueuer
	MaxBody     int64
	MaxAttempts int
	Logger      zerolog.Logger

	wg sync.WaitGroup
}

type envelope struct {
	ID    string    `json:"id"`
	Event string    `json:"event"`
	Data  eventData `json:"data"`
}

type eventData struct {
	ID            string          `json:"id"`
	BusinessID    string          `json:"businessId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerEmail string          `json:"customerEmail"`
	Method        string          `json:"method"`
	Metadata      map[string]any  `json:"metadata"`
}

// localID returns the checkout payment id echoed back by the gateway.
func (d eventData) localID() string {
	if d.Metadata == nil {
		return ""
	}
	id, _ := d.Metadata["paymentId"].(string)
	return strings.TrimSpace(id)
}

// Health answers GET /webhook.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Receive handles one gateway delivery. Once the event row is stored the
// gateway always gets 200; handler failures are recorded on the row and
// retried in the background.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	event := "unknown"
	defer func() {
		if rec := recover(); rec != nil {
			h.Logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("webhook_panic")
			obs.ObserveWebhook(event, "panic")
			common.JSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
	}()

	if strings.TrimSpace(h.Secret) == "" || h.Store == nil {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service disabled"})
		return
	}
	maxBody := h.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		common.JSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read body", "details": err.Error()})
		return
	}
	signature := r.Header.Get(payment.SignatureHeader)
	if !payment.VerifySignature(body, signature, h.Secret) {
		obs.ObserveWebhook(event, "invalid_signature")
		h.Logger.Warn().Str("remote_ip", common.ClientIP(r)).Msg("webhook_invalid_signature")
		common.JSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		obs.ObserveWebhook(event, "invalid_payload")
		common.JSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}
	event = NormalizeEvent(env.Event)

	ctx := context.WithoutCancel(r.Context())
	stored := h.Store.WebhookEvents.Create(ctx, payment.WebhookEvent{
		ExternalEventID: externalEventID(r, env, body),
		EventType:       event,
		PaymentID:       env.Data.ID,
		BusinessID:      env.Data.BusinessID,
		Payload:         body,
		Signature:       signature,
		Verified:        true,
	})
	if stored.Is(repo.CodeDuplicate) {
		obs.ObserveWebhook(event, "duplicate")
		common.JSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}
	if !stored.Success {
		h.Logger.Error().Err(stored.Err()).Str("event", event).Msg("webhook_store_failed")
		obs.ObserveWebhook(event, "store_failed")
		common.JSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	herr := h.dispatch(ctx, event, env.Data)
	h.record(ctx, stored.Data, herr)
	if herr != nil {
		h.enqueue(ctx, stored.Data.ID)
	}
	common.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

// dispatch runs the table handler for event. Unknown events are acknowledged.
func (h *Handler) dispatch(ctx context.Context, event string, data eventData) error {
	fn, ok := eventTable[event]
	if !ok {
		h.Logger.Info().Str("event", event).Msg("webhook_event_ignored")
		obs.ObserveWebhook(event, "ignored")
		return nil
	}
	start := time.Now()
	err := fn(h, ctx, data)
	log := h.Logger.With().Str("event", event).Str("gateway_payment_id", data.ID).Dur("took", time.Since(start)).Logger()
	if err != nil {
		obs.ObserveWebhook(event, "error")
		log.Error().Err(err).Msg("webhook_handler_failed")
		return err
	}
	obs.ObserveWebhook(event, "ok")
	log.Info().Msg("webhook_handled")
	return nil
}

// record writes the handler outcome onto the stored event. Failures here are
// logged only.
func (h *Handler) record(ctx context.Context, ev payment.WebhookEvent, herr error) {
	upd := repo.WebhookEventUpdate{Processed: herr == nil}
	if herr != nil {
		upd.ProcessingError = herr.Error()
		upd.IncrementRetry = true
	}
	if res := h.Store.WebhookEvents.Update(ctx, ev.ID, upd); !res.Success {
		h.Logger.Warn().Err(res.Err()).Str("webhook_event_id", ev.ID).Msg("webhook_event_update_failed")
	}
}

func (h *Handler) enqueue(ctx context.Context, eventID string) {
	if h.Queue == nil {
		return
	}
	err := h.Queue.Enqueue(ctx, queue.Task{
		Kind:           queue.KindWebhookReprocess,
		Payload:        []byte(eventID),
		IdempotencyKey: eventID,
		MaxAttempts:    h.MaxAttempts,
	})
	if err != nil {
		h.Logger.Warn().Err(err).Str("webhook_event_id", eventID).Msg("webhook_reprocess_enqueue_failed")
	}
}

// Wait blocks until fire-and-forget notifications have finished.
func (h *Handler) Wait() { h.wg.Wait() }

func externalEventID(r *http.Request, env envelope, body []byte) string {
	if id := strings.TrimSpace(r.Header.Get(EventIDHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(env.ID); id != "" {
		return id
	}
	return common.Sha256Hex(body)
}
