package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

// DB is the subset of *pgxpool.Pool used by the Postgres repositories.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// NewPostgres returns a Store backed by db.
func NewPostgres(db DB, opts Options) *Store {
	x := newExecutor(opts)
	return &Store{
		Payments:      &pgPayments{db: db, x: x},
		Orders:        &pgOrders{db: db, x: x},
		WebhookEvents: &pgWebhookEvents{db: db, x: x},
		Attempts:      &pgAttempts{db: db, x: x},
		ping:          db.Ping,
	}
}

const paymentColumns = `id, business_id, COALESCE(session_id, ''), amount::text, currency, status,
COALESCE(method, ''), COALESCE(customer_email, ''), metadata, checkout_data, COALESCE(hp_payment_id, ''),
hoodpay_response, error_log, completed_at, created_at, updated_at`

type pgPayments struct {
	db querier
	x  *executor
}

func scanPayment(row rowScanner) (payment.Record, error) {
	var (
		rec                        payment.Record
		amount, status, method     string
		meta, checkout, gw, errLog []byte
	)
	err := row.Scan(&rec.ID, &rec.BusinessID, &rec.SessionID, &amount, &rec.Currency, &status,
		&method, &rec.CustomerEmail, &meta, &checkout, &rec.HPPaymentID,
		&gw, &errLog, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Record{}, ErrNotFound
		}
		return payment.Record{}, err
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return payment.Record{}, fmt.Errorf("payment %s amount: %w", rec.ID, err)
	}
	rec.Status = payment.Status(status)
	rec.Method = payment.Method(method)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return payment.Record{}, fmt.Errorf("payment %s metadata: %w", rec.ID, err)
		}
	}
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &rec.ErrorLog); err != nil {
			return payment.Record{}, fmt.Errorf("payment %s error_log: %w", rec.ID, err)
		}
	}
	rec.CheckoutData = nullableJSON(checkout)
	rec.GatewayResponse = nullableJSON(gw)
	return rec, nil
}

func nullableJSON(b []byte) json.RawMessage {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.RawMessage(b)
}

func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func validateRecord(rec payment.Record) error {
	if !rec.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(rec.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidInput)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, rec.Status)
	}
	return nil
}

func (s *pgPayments) Create(ctx context.Context, rec payment.Record) Result[payment.Record] {
	return run(ctx, s.x, "payments.create", func(ctx context.Context) (payment.Record, error) {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Status == "" {
			rec.Status = payment.StatusPending
		}
		if err := validateRecord(rec); err != nil {
			return payment.Record{}, err
		}
		meta, err := marshalMap(rec.Metadata)
		if err != nil {
			return payment.Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		now := s.x.clock()
		row := s.db.QueryRow(ctx, `INSERT INTO payments (id, business_id, session_id, amount, currency, status, method,
customer_email, metadata, checkout_data, hp_payment_id, hoodpay_response, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4::numeric, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9::jsonb, $10::jsonb,
NULLIF($11, ''), $12::jsonb, $13, $13)
RETURNING `+paymentColumns,
			rec.ID, rec.BusinessID, rec.SessionID, rec.Amount.String(), rec.Currency, string(rec.Status), string(rec.Method),
			rec.CustomerEmail, meta, jsonParam(rec.CheckoutData), rec.HPPaymentID, jsonParam(rec.GatewayResponse), now)
		out, err := scanPayment(row)
		if isUniqueViolation(err) {
			return payment.Record{}, fmt.Errorf("%w: payment %s", ErrDuplicate, rec.ID)
		}
		return out, err
	})
}

func (s *pgPayments) Get(ctx context.Context, id string) Result[payment.Record] {
	return run(ctx, s.x, "payments.get", func(ctx context.Context) (payment.Record, error) {
		return scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	})
}

func (s *pgPayments) GetByExternalID(ctx context.Context, hpPaymentID string) Result[payment.Record] {
	return run(ctx, s.x, "payments.get_by_external_id", func(ctx context.Context) (payment.Record, error) {
		if hpPaymentID == "" {
			return payment.Record{}, ErrNotFound
		}
		return scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE hp_payment_id = $1`, hpPaymentID))
	})
}

func (s *pgPayments) List(ctx context.Context, f PaymentFilter) Result[Page[payment.Record]] {
	return run(ctx, s.x, "payments.list", func(ctx context.Context) (Page[payment.Record], error) {
		var (
			where []string
			args  []any
		)
		add := func(cond string, v any) {
			args = append(args, v)
			where = append(where, fmt.Sprintf(cond, len(args)))
		}
		if f.BusinessID != "" {
			add("business_id = $%d", f.BusinessID)
		}
		if f.SessionID != "" {
			add("session_id = $%d", f.SessionID)
		}
		if f.Status != "" {
			add("status = $%d", string(f.Status))
		}
		if f.Method != "" {
			add("method = $%d", string(f.Method))
		}
		if f.From != nil {
			add("created_at >= $%d", *f.From)
		}
		if f.To != nil {
			add("created_at < $%d", *f.To)
		}
		clause := ""
		if len(where) > 0 {
			clause = " WHERE " + strings.Join(where, " AND ")
		}

		var page Page[payment.Record]
		if err := s.db.QueryRow(ctx, `SELECT count(*) FROM payments`+clause, args...).Scan(&page.Total); err != nil {
			return page, err
		}
		limit := clampPositive(f.Limit, 1, 100, 20)
		offset := f.Offset
		if offset < 0 {
			offset = 0
		}
		args = append(args, limit, offset)
		rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM payments%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
			paymentColumns, clause, len(args)-1, len(args)), args...)
		if err != nil {
			return page, err
		}
		defer rows.Close()
		page.Items = make([]payment.Record, 0, limit)
		for rows.Next() {
			rec, err := scanPayment(rows)
			if err != nil {
				return page, err
			}
			page.Items = append(page.Items, rec)
		}
		return page, rows.Err()
	})
}

func (s *pgPayments) Update(ctx context.Context, id string, patch PaymentPatch) Result[payment.Record] {
	return run(ctx, s.x, "payments.update", func(ctx context.Context) (payment.Record, error) {
		args := []any{id}
		var sets []string
		set := func(expr string, v any) {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf(expr, len(args)))
		}
		if patch.Method != nil {
			set("method = NULLIF($%d, '')", string(*patch.Method))
		}
		if patch.CustomerEmail != nil {
			set("customer_email = NULLIF($%d, '')", *patch.CustomerEmail)
		}
		if patch.HPPaymentID != nil {
			set("hp_payment_id = NULLIF($%d, '')", *patch.HPPaymentID)
		}
		if len(patch.GatewayResponse) > 0 {
			set("hoodpay_response = $%d::jsonb", []byte(patch.GatewayResponse))
		}
		if len(patch.CheckoutData) > 0 {
			set("checkout_data = $%d::jsonb", []byte(patch.CheckoutData))
		}
		if len(patch.Metadata) > 0 {
			meta, err := marshalMap(patch.Metadata)
			if err != nil {
				return payment.Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			set("metadata = metadata || $%d::jsonb", meta)
		}
		now := s.x.clock()
		guard := ""
		if patch.Status != nil {
			to := *patch.Status
			if !to.Valid() {
				return payment.Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
			}
			set("status = $%d", string(to))
			if to == payment.StatusCompleted {
				set("completed_at = COALESCE(completed_at, $%d)", now)
			}
			args = append(args, statusStrings(payment.AllowedSources(to)))
			guard = fmt.Sprintf(" AND status = ANY($%d::text[])", len(args))
		}
		set("updated_at = $%d", now)

		row := s.db.QueryRow(ctx, `UPDATE payments SET `+strings.Join(sets, ", ")+` WHERE id = $1`+guard+` RETURNING `+paymentColumns, args...)
		rec, err := scanPayment(row)
		if errors.Is(err, ErrNotFound) && guard != "" {
			return payment.Record{}, s.explainMiss(ctx, id, *patch.Status)
		}
		if isUniqueViolation(err) {
			return payment.Record{}, fmt.Errorf("%w: external payment id", ErrDuplicate)
		}
		return rec, err
	})
}

// explainMiss distinguishes a missing row from a rejected transition after a
// guarded update matched nothing.
func (s *pgPayments) explainMiss(ctx context.Context, id string, to payment.Status) error {
	var current string
	err := s.db.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func (s *pgPayments) UpsertByExternalID(ctx context.Context, rec payment.Record) Result[payment.Record] {
	return run(ctx, s.x, "payments.upsert_by_external_id", func(ctx context.Context) (payment.Record, error) {
		if rec.HPPaymentID == "" {
			return payment.Record{}, fmt.Errorf("%w: external payment id is required", ErrInvalidInput)
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Status == "" {
			rec.Status = payment.StatusPending
		}
		if err := validateRecord(rec); err != nil {
			return payment.Record{}, err
		}
		meta, err := marshalMap(rec.Metadata)
		if err != nil {
			return payment.Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		now := s.x.clock()
		row := s.db.QueryRow(ctx, `INSERT INTO payments (id, business_id, session_id, amount, currency, status, method,
customer_email, metadata, checkout_data, hp_payment_id, hoodpay_response, completed_at, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4::numeric, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9::jsonb, $10::jsonb, $11,
$12::jsonb, CASE WHEN $6 = 'completed' THEN $13::timestamptz END, $13, $13)
ON CONFLICT (hp_payment_id) DO UPDATE SET
  status = EXCLUDED.status,
  method = COALESCE(EXCLUDED.method, payments.method),
  customer_email = COALESCE(EXCLUDED.customer_email, payments.customer_email),
  metadata = payments.metadata || EXCLUDED.metadata,
  hoodpay_response = COALESCE(EXCLUDED.hoodpay_response, payments.hoodpay_response),
  completed_at = CASE WHEN EXCLUDED.status = 'completed' THEN COALESCE(payments.completed_at, $13) ELSE payments.completed_at END,
  updated_at = $13
WHERE payments.status = ANY($14::text[])
RETURNING `+paymentColumns,
			rec.ID, rec.BusinessID, rec.SessionID, rec.Amount.String(), rec.Currency, string(rec.Status), string(rec.Method),
			rec.CustomerEmail, meta, jsonParam(rec.CheckoutData), rec.HPPaymentID, jsonParam(rec.GatewayResponse), now,
			statusStrings(payment.AllowedSources(rec.Status)))
		out, err := scanPayment(row)
		if errors.Is(err, ErrNotFound) {
			var current string
			if qerr := s.db.QueryRow(ctx, `SELECT status FROM payments WHERE hp_payment_id = $1`, rec.HPPaymentID).Scan(&current); qerr != nil {
				return payment.Record{}, qerr
			}
			return payment.Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, rec.Status)
		}
		return out, err
	})
}

func (s *pgPayments) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) Result[payment.Record] {
	return run(ctx, s.x, "payments.update_status", func(ctx context.Context) (payment.Record, error) {
		if !upd.Status.Valid() {
			return payment.Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, upd.Status)
		}
		var meta []byte
		if len(upd.Metadata) > 0 {
			var err error
			if meta, err = marshalMap(upd.Metadata); err != nil {
				return payment.Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
		}
		now := s.x.clock()
		row := s.db.QueryRow(ctx, `UPDATE payments SET
  status = $2::text,
  completed_at = CASE WHEN $2::text = 'completed' THEN COALESCE(completed_at, $3::timestamptz) ELSE completed_at END,
  error_log = CASE WHEN $4::text <> '' THEN error_log || jsonb_build_array(jsonb_build_object('at', $3::timestamptz, 'status', $2::text, 'message', $4::text)) ELSE error_log END,
  metadata = metadata || COALESCE($5::jsonb, '{}'::jsonb),
  updated_at = $3::timestamptz
WHERE id = $1 AND status = ANY($6::text[])
RETURNING `+paymentColumns,
			id, string(upd.Status), now, upd.Error, meta, statusStrings(payment.AllowedSources(upd.Status)))
		rec, err := scanPayment(row)
		if errors.Is(err, ErrNotFound) {
			return payment.Record{}, s.explainMiss(ctx, id, upd.Status)
		}
		return rec, err
	})
}

func (s *pgPayments) MergeMetadata(ctx context.Context, id string, meta map[string]any) Result[payment.Record] {
	return s.Update(ctx, id, PaymentPatch{Metadata: meta})
}

func clampPositive(value, min, max, fallback int) int {
	if value <= 0 {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
