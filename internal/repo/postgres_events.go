package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

const webhookColumns = `id, external_event_id, event_type, COALESCE(payment_id, ''), COALESCE(business_id, ''),
payload, COALESCE(signature, ''), verified, processed, processed_at, COALESCE(processing_error, ''),
retry_count, received_at`

type pgWebhookEvents struct {
	db DB
	x  *executor
}

func scanWebhookEvent(row rowScanner) (payment.WebhookEvent, error) {
	var (
		ev      payment.WebhookEvent
		payload []byte
	)
	err := row.Scan(&ev.ID, &ev.ExternalEventID, &ev.EventType, &ev.PaymentID, &ev.BusinessID,
		&payload, &ev.Signature, &ev.Verified, &ev.Processed, &ev.ProcessedAt, &ev.ProcessingError,
		&ev.RetryCount, &ev.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.WebhookEvent{}, ErrNotFound
		}
		return payment.WebhookEvent{}, err
	}
	ev.Payload = nullableJSON(payload)
	return ev, nil
}

func (s *pgWebhookEvents) Create(ctx context.Context, ev payment.WebhookEvent) Result[payment.WebhookEvent] {
	return run(ctx, s.x, "webhook_events.create", func(ctx context.Context) (payment.WebhookEvent, error) {
		if ev.ExternalEventID == "" {
			return payment.WebhookEvent{}, fmt.Errorf("%w: external event id is required", ErrInvalidInput)
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = s.x.clock()
		}
		out, err := scanWebhookEvent(s.db.QueryRow(ctx, `INSERT INTO webhook_events (id, external_event_id, event_type,
payment_id, business_id, payload, signature, verified, processed, received_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6::jsonb, NULLIF($7, ''), $8, false, $9)
ON CONFLICT (external_event_id) DO NOTHING
RETURNING `+webhookColumns,
			ev.ID, ev.ExternalEventID, ev.EventType, ev.PaymentID, ev.BusinessID, jsonParam(ev.Payload),
			ev.Signature, ev.Verified, ev.ReceivedAt))
		if errors.Is(err, ErrNotFound) {
			return payment.WebhookEvent{}, fmt.Errorf("%w: webhook event %s", ErrDuplicate, ev.ExternalEventID)
		}
		return out, err
	})
}

func (s *pgWebhookEvents) Get(ctx context.Context, id string) Result[payment.WebhookEvent] {
	return run(ctx, s.x, "webhook_events.get", func(ctx context.Context) (payment.WebhookEvent, error) {
		return scanWebhookEvent(s.db.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
	})
}

func (s *pgWebhookEvents) Update(ctx context.Context, id string, upd WebhookEventUpdate) Result[payment.WebhookEvent] {
	return run(ctx, s.x, "webhook_events.update", func(ctx context.Context) (payment.WebhookEvent, error) {
		return scanWebhookEvent(s.db.QueryRow(ctx, `UPDATE webhook_events SET
  processed = $2::boolean,
  processed_at = CASE WHEN $2::boolean THEN $3::timestamptz ELSE processed_at END,
  processing_error = NULLIF($4::text, ''),
  payment_id = COALESCE(NULLIF($5::text, ''), payment_id),
  retry_count = retry_count + CASE WHEN $6::boolean THEN 1 ELSE 0 END
WHERE id = $1
RETURNING `+webhookColumns, id, upd.Processed, s.x.clock(), upd.ProcessingError, upd.PaymentID, upd.IncrementRetry))
	})
}

func (s *pgWebhookEvents) ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) Result[[]payment.WebhookEvent] {
	return run(ctx, s.x, "webhook_events.list_unprocessed", func(ctx context.Context) ([]payment.WebhookEvent, error) {
		rows, err := s.db.Query(ctx, `SELECT `+webhookColumns+` FROM webhook_events
WHERE processed = false AND received_at < $1 ORDER BY received_at LIMIT $2`, receivedBefore, clampPositive(limit, 1, 500, 100))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := []payment.WebhookEvent{}
		for rows.Next() {
			ev, err := scanWebhookEvent(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, rows.Err()
	})
}

const attemptColumns = `id, payment_id, attempt_number, COALESCE(method, ''), status, COALESCE(error, ''),
request_data, response_data, created_at`

// maxAttemptNumberRetries bounds how often Create re-reads the next attempt
// number after losing a race on (payment_id, attempt_number).
const maxAttemptNumberRetries = 5

type pgAttempts struct {
	db DB
	x  *executor
}

func scanAttempt(row rowScanner) (payment.Attempt, error) {
	var (
		a                 payment.Attempt
		method, status    string
		request, response []byte
	)
	if err := row.Scan(&a.ID, &a.PaymentID, &a.AttemptNumber, &method, &status, &a.Error,
		&request, &response, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Attempt{}, ErrNotFound
		}
		return payment.Attempt{}, err
	}
	a.Method = payment.Method(method)
	a.Status = payment.Status(status)
	a.RequestData = nullableJSON(request)
	a.ResponseData = nullableJSON(response)
	return a, nil
}

func (s *pgAttempts) Create(ctx context.Context, a payment.Attempt) Result[payment.Attempt] {
	return run(ctx, s.x, "payment_attempts.create", func(ctx context.Context) (payment.Attempt, error) {
		if a.PaymentID == "" {
			return payment.Attempt{}, fmt.Errorf("%w: payment id is required", ErrInvalidInput)
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = s.x.clock()
		}
		var lastErr error
		for i := 0; i < maxAttemptNumberRetries; i++ {
			out, err := scanAttempt(s.db.QueryRow(ctx, `INSERT INTO payment_attempts (id, payment_id, attempt_number, method,
status, error, request_data, response_data, created_at)
SELECT $1, $2::text, COALESCE(MAX(attempt_number), 0) + 1, NULLIF($3, ''), $4, NULLIF($5, ''), $6::jsonb, $7::jsonb, $8
FROM payment_attempts WHERE payment_id = $2::text
RETURNING `+attemptColumns,
				a.ID, a.PaymentID, string(a.Method), string(a.Status), a.Error,
				jsonParam(a.RequestData), jsonParam(a.ResponseData), a.CreatedAt))
			if !isUniqueViolation(err) {
				return out, err
			}
			lastErr = err
		}
		return payment.Attempt{}, lastErr
	})
}

func (s *pgAttempts) ListByPayment(ctx context.Context, paymentID string) Result[[]payment.Attempt] {
	return run(ctx, s.x, "payment_attempts.list", func(ctx context.Context) ([]payment.Attempt, error) {
		rows, err := s.db.Query(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE payment_id = $1 ORDER BY attempt_number`, paymentID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := []payment.Attempt{}
		for rows.Next() {
			a, err := scanAttempt(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, rows.Err()
	})
}
