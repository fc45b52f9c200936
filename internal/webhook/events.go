package webhook

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/repo"
)

type eventFunc func(h *Handler, ctx context.Context, data eventData) error

var eventSeparators = regexp.MustCompile(`[\s_.:]+`)

// NormalizeEvent lower-cases name and collapses runs of whitespace, '_', '.'
// and ':' into a single ':'. "Payment.Completed" and "payment:completed" are
// the same event.
func NormalizeEvent(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Trim(eventSeparators.ReplaceAllString(name, ":"), ":")
}

var eventTable = buildTable(map[string]eventFunc{
	"payment:created":         (*Handler).onCreated,
	"payment:method_selected": (*Handler).onMethodSelected,
	"payment:completed":       (*Handler).onCompleted,
	"payment:cancelled":       (*Handler).onCancelled,
	"payment:expired":         (*Handler).onExpired,
})

func buildTable(in map[string]eventFunc) map[string]eventFunc {
	out := make(map[string]eventFunc, len(in))
	for k, fn := range in {
		out[NormalizeEvent(k)] = fn
	}
	return out
}

// lookup finds the payment an event refers to: by gateway id first, then by
// the checkout payment id echoed in the metadata.
func (h *Handler) lookup(ctx context.Context, data eventData) (payment.Record, error) {
	if data.ID != "" {
		res := h.Store.Payments.GetByExternalID(ctx, data.ID)
		if res.Success {
			return res.Data, nil
		}
		if !res.Is(repo.CodeNotFound) {
			return payment.Record{}, res.Err()
		}
	}
	if id := data.localID(); id != "" {
		res := h.Store.Payments.Get(ctx, id)
		if res.Success {
			return res.Data, nil
		}
		if !res.Is(repo.CodeNotFound) {
			return payment.Record{}, res.Err()
		}
	}
	return payment.Record{}, fmt.Errorf("%w: gateway id %q", ErrPaymentNotFound, data.ID)
}

func (h *Handler) onCreated(ctx context.Context, data eventData) error {
	if data.ID == "" {
		return fmt.Errorf("webhook: payment:created without gateway id")
	}
	if id := data.localID(); id != "" {
		res := h.Store.Payments.Get(ctx, id)
		if res.Success && (res.Data.HPPaymentID == "" || res.Data.HPPaymentID == data.ID) {
			hp := data.ID
			if upd := h.Store.Payments.Update(ctx, id, repo.PaymentPatch{HPPaymentID: &hp}); !upd.Success {
				return fmt.Errorf("link gateway id: %w", upd.Err())
			}
			return nil
		}
	}
	res := h.Store.Payments.UpsertByExternalID(ctx, payment.Record{
		HPPaymentID:   data.ID,
		BusinessID:    data.BusinessID,
		Amount:        data.Amount,
		Currency:      strings.ToUpper(data.Currency),
		Status:        payment.StatusPending,
		Method:        payment.Method(data.Method),
		CustomerEmail: data.CustomerEmail,
		Metadata:      data.Metadata,
	})
	if res.Is(repo.CodeInvalidTransition) {
		// The payment already moved past pending.
		return nil
	}
	if !res.Success {
		return fmt.Errorf("upsert payment: %w", res.Err())
	}
	return nil
}

func (h *Handler) onMethodSelected(ctx context.Context, data eventData) error {
	rec, err := h.lookup(ctx, data)
	if err != nil || data.Method == "" {
		h.Logger.Info().Err(err).Str("gateway_payment_id", data.ID).Msg("webhook_method_selected_skipped")
		return nil
	}
	meta := map[string]any{"selected_method": data.Method}
	if res := h.Store.Payments.MergeMetadata(ctx, rec.ID, meta); !res.Success {
		return fmt.Errorf("merge metadata: %w", res.Err())
	}
	return nil
}

func (h *Handler) onCompleted(ctx context.Context, data eventData) error {
	rec, err := h.lookup(ctx, data)
	if err != nil {
		return err
	}
	return h.complete(ctx, rec)
}

func (h *Handler) complete(ctx context.Context, rec payment.Record) error {
	orderID := rec.OrderID()
	if orderID == "" {
		return fmt.Errorf("%w: payment %s", ErrMissingOrderID, rec.ID)
	}
	if res := h.Store.Orders.UpdateStatus(ctx, orderID, payment.OrderCompleted); !res.Success {
		return fmt.Errorf("complete order %s: %w", orderID, res.Err())
	}
	res := h.Store.Payments.UpdateStatus(ctx, rec.ID, repo.StatusUpdate{
		Status:   payment.StatusCompleted,
		Metadata: map[string]any{payment.MetaKeyOrderID: orderID},
	})
	if !res.Success {
		return fmt.Errorf("complete payment %s: %w", rec.ID, res.Err())
	}
	h.notify(ctx, res.Data, orderID)
	return nil
}

func (h *Handler) notify(ctx context.Context, rec payment.Record, orderID string) {
	if h.Notifier == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.Notifier.PaymentSucceeded(context.WithoutCancel(ctx), rec, orderID); err != nil {
			h.Logger.Warn().Err(err).Str("payment_id", rec.ID).Msg("payment_succeeded_notify_failed")
		}
	}()
}

func (h *Handler) onCancelled(ctx context.Context, data eventData) error {
	return h.settle(ctx, data, payment.StatusCancelled)
}

func (h *Handler) onExpired(ctx context.Context, data eventData) error {
	return h.settle(ctx, data, payment.StatusExpired)
}

// settle applies a closing status. A rejected transition or a failed order
// update is logged and acknowledged.
func (h *Handler) settle(ctx context.Context, data eventData, status payment.Status) error {
	rec, err := h.lookup(ctx, data)
	if err != nil {
		return err
	}
	log := h.Logger.With().Str("payment_id", rec.ID).Str("status", string(status)).Logger()
	res := h.Store.Payments.UpdateStatus(ctx, rec.ID, repo.StatusUpdate{Status: status})
	if res.Is(repo.CodeInvalidTransition) {
		log.Warn().Str("current", string(rec.Status)).Msg("webhook_transition_rejected")
		return nil
	}
	if !res.Success {
		return fmt.Errorf("update payment %s: %w", rec.ID, res.Err())
	}
	if orderID := rec.OrderID(); orderID != "" {
		if ord := h.Store.Orders.UpdateStatus(ctx, orderID, payment.MapToOrderStatus(status)); !ord.Success {
			log.Warn().Err(ord.Err()).Str("order_id", orderID).Msg("webhook_order_update_failed")
		}
	}
	return nil
}
