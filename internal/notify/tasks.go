package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/events"
	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/repo"
)

// TypePaymentSucceeded is the asynq task type for the customer receipt email.
const TypePaymentSucceeded = "notify:payment_succeeded"

// PaymentSucceeded is the task payload.
type PaymentSucceeded struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId,omitempty"`
}

// TaskEnqueuer is the subset of *asynq.Client used here.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskNotifier schedules receipt emails. Both the webhook completion path and
// the completed lifecycle event feed it; the task id keeps one email per
// payment.
type TaskNotifier struct {
	Client   TaskEnqueuer
	Queue    string
	MaxRetry int
}

// PaymentSucceeded enqueues the receipt for rec.
func (n TaskNotifier) PaymentSucceeded(ctx context.Context, rec payment.Record, orderID string) error {
	return n.enqueue(ctx, PaymentSucceeded{PaymentID: rec.ID, OrderID: orderID})
}

// Notify implements events.Notifier; only completed payments are relevant.
func (n TaskNotifier) Notify(ctx context.Context, ev events.Event) error {
	if ev.Topic != events.TopicPaymentCompleted || ev.PaymentID == "" {
		return nil
	}
	var body struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(ev.Payload, &body)
	return n.enqueue(ctx, PaymentSucceeded{PaymentID: ev.PaymentID, OrderID: body.OrderID})
}

func (n TaskNotifier) enqueue(ctx context.Context, p PaymentSucceeded) error {
	if n.Client == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.TaskID("payment_succeeded:" + p.PaymentID)}
	if n.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(n.MaxRetry))
	}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	_, err = n.Client.EnqueueContext(ctx, asynq.NewTask(TypePaymentSucceeded, raw), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		obs.ObserveNotify("email", "enqueue_failed")
		return fmt.Errorf("enqueue %s: %w", TypePaymentSucceeded, err)
	}
	return nil
}

// EmailHandler sends the receipt for a PaymentSucceeded task. It implements
// asynq.Handler.
type EmailHandler struct {
	Mail     common.EmailSender
	Payments repo.Payments
	Logger   zerolog.Logger
}

// ProcessTask loads the payment and mails the customer. Payments without an
// email address are skipped.
func (h EmailHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h.Mail == nil || h.Payments == nil {
		return fmt.Errorf("email handler not configured: %w", asynq.SkipRetry)
	}
	var p PaymentSucceeded
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.PaymentID == "" {
		return fmt.Errorf("decode %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	res := h.Payments.Get(ctx, p.PaymentID)
	if res.Is(repo.CodeNotFound) {
		return fmt.Errorf("payment %s: %w", p.PaymentID, asynq.SkipRetry)
	}
	if !res.Success {
		return res.Err()
	}
	rec := res.Data
	to := strings.TrimSpace(rec.CustomerEmail)
	if to == "" {
		obs.ObserveNotify("email", "skipped")
		return nil
	}
	if err := h.Mail.Send(ctx, common.Email{To: to, Subject: "Payment received", HTML: receiptHTML(rec, p.OrderID)}); err != nil {
		obs.ObserveNotify("email", "error")
		return err
	}
	obs.ObserveNotify("email", "delivered")
	h.Logger.Info().Str("payment_id", rec.ID).Str("order_id", p.OrderID).Msg("receipt_sent")
	return nil
}

func receiptHTML(rec payment.Record, orderID string) string {
	var b strings.Builder
	b.WriteString("<p>Thank you, we received your payment of ")
	b.WriteString(html.EscapeString(rec.Amount.StringFixed(2) + " " + rec.Currency))
	b.WriteString(".</p>")
	if orderID != "" {
		b.WriteString("<p>Order: ")
		b.WriteString(html.EscapeString(orderID))
		b.WriteString("</p>")
	}
	b.WriteString("<p>Reference: ")
	b.WriteString(html.EscapeString(rec.ID))
	b.WriteString("</p>")
	return b.String()
}
