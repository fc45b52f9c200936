package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/checkout-pay/internal/lock"
	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/queue"
	"github.com/noah-isme/checkout-pay/internal/repo"
)

// Reprocessor retries stored events whose handler failed. Unlike the inline
// path it may materialize a missing order before completing a payment.
type Reprocessor struct {
	Handler   *Handler
	Locker    lock.Guard
	LockTTL   time.Duration
	Grace     time.Duration
	BatchSize int
	Now       func() time.Time
}

// HandleTask adapts Handle to a queue.Worker handler.
func (p *Reprocessor) HandleTask(ctx context.Context, t queue.Task) error {
	return p.Handle(ctx, strings.TrimSpace(string(t.Payload)))
}

// Handle re-runs the handler for the stored event eventID. Processed events
// are skipped. The returned error asks the queue to retry.
func (p *Reprocessor) Handle(ctx context.Context, eventID string) error {
	if p.Handler == nil || p.Handler.Store == nil {
		return errors.New("webhook reprocessor: handler not configured")
	}
	if eventID == "" {
		return nil
	}
	ttl := p.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	run := func(ctx context.Context) error { return p.handle(ctx, eventID) }
	if p.Locker == nil {
		return run(ctx)
	}
	return p.Locker.WithLock(ctx, lock.WebhookEventKey(eventID), ttl, run)
}

func (p *Reprocessor) handle(ctx context.Context, eventID string) error {
	h := p.Handler
	got := h.Store.WebhookEvents.Get(ctx, eventID)
	if got.Is(repo.CodeNotFound) {
		obs.ObserveReprocess("missing")
		return nil
	}
	if !got.Success {
		return got.Err()
	}
	ev := got.Data
	if ev.Processed {
		obs.ObserveReprocess("skipped")
		return nil
	}
	var env envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		// Stored payloads were verified and parsed once; a broken one cannot heal.
		h.record(ctx, ev, fmt.Errorf("decode stored payload: %w", err))
		obs.ObserveReprocess("invalid")
		return nil
	}
	event := ev.EventType
	if event == "" {
		event = NormalizeEvent(env.Event)
	}

	err := h.dispatch(ctx, event, env.Data)
	if errors.Is(err, ErrMissingOrderID) {
		err = p.completeWithOrder(ctx, env.Data)
	}
	h.record(ctx, ev, err)
	if err != nil {
		obs.ObserveReprocess("error")
		h.Logger.Warn().Err(err).Str("webhook_event_id", ev.ID).Int("retry_count", ev.RetryCount+1).Msg("webhook_reprocess_failed")
		return err
	}
	obs.ObserveReprocess("ok")
	h.Logger.Info().Str("webhook_event_id", ev.ID).Str("event", event).Msg("webhook_reprocessed")
	return nil
}

// completeWithOrder creates the order from the payment's checkout snapshot
// and then applies the completion.
func (p *Reprocessor) completeWithOrder(ctx context.Context, data eventData) error {
	h := p.Handler
	rec, err := h.lookup(ctx, data)
	if err != nil {
		return err
	}
	created := h.Store.Orders.CreateFromPayment(ctx, rec.ID)
	if !created.Success {
		return fmt.Errorf("create order for payment %s: %w", rec.ID, created.Err())
	}
	if created.Data == nil {
		return fmt.Errorf("%w: payment %s has no usable checkout data", ErrMissingOrderID, rec.ID)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata[payment.MetaKeyOrderID] = created.Data.ID
	return h.complete(ctx, rec)
}

// Sweep enqueues unprocessed events older than the grace period and returns
// how many were scheduled.
func (p *Reprocessor) Sweep(ctx context.Context) (int, error) {
	if p.Handler == nil || p.Handler.Store == nil || p.Handler.Queue == nil {
		return 0, nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	grace := p.Grace
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	res := p.Handler.Store.WebhookEvents.ListUnprocessed(ctx, now().Add(-grace), p.BatchSize)
	if !res.Success {
		return 0, res.Err()
	}
	scheduled := 0
	var errs []error
	for _, ev := range res.Data {
		err := p.Handler.Queue.Enqueue(ctx, queue.Task{
			Kind:           queue.KindWebhookReprocess,
			Payload:        []byte(ev.ID),
			IdempotencyKey: ev.ID,
			MaxAttempts:    p.Handler.MaxAttempts,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		scheduled++
	}
	return scheduled, errors.Join(errs...)
}
