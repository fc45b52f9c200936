package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

const orderColumns = `id, COALESCE(user_id, ''), payment_id, status, total_amount::text, currency,
shipping_address, billing_address, COALESCE(payment_method, ''), created_at, updated_at, completed_at`

type pgOrders struct {
	db DB
	x  *executor
}

func scanOrder(row rowScanner) (payment.Order, error) {
	var (
		o                 payment.Order
		status, total, pm string
		shipping, billing []byte
	)
	err := row.Scan(&o.ID, &o.UserID, &o.PaymentID, &status, &total, &o.Currency,
		&shipping, &billing, &pm, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Order{}, ErrNotFound
		}
		return payment.Order{}, err
	}
	o.Status = payment.OrderStatus(status)
	o.PaymentMethod = payment.Method(pm)
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return payment.Order{}, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &o.ShippingAddress); err != nil {
			return payment.Order{}, fmt.Errorf("order %s shipping_address: %w", o.ID, err)
		}
	}
	if len(billing) > 0 {
		if err := json.Unmarshal(billing, &o.BillingAddress); err != nil {
			return payment.Order{}, fmt.Errorf("order %s billing_address: %w", o.ID, err)
		}
	}
	return o, nil
}

func loadOrderItems(ctx context.Context, q querier, o *payment.Order) error {
	rows, err := q.Query(ctx, `SELECT product_id, quantity, unit_price::text, total_price::text
FROM order_items WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	o.Items = []payment.OrderItem{}
	for rows.Next() {
		var (
			it          payment.OrderItem
			unit, total string
		)
		if err := rows.Scan(&it.ProductID, &it.Quantity, &unit, &total); err != nil {
			return err
		}
		if it.UnitPrice, err = decimal.NewFromString(unit); err != nil {
			return err
		}
		if it.TotalPrice, err = decimal.NewFromString(total); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func getOrder(ctx context.Context, q querier, where string, arg any) (payment.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` = $1`, arg))
	if err != nil {
		return payment.Order{}, err
	}
	if err := loadOrderItems(ctx, q, &o); err != nil {
		return payment.Order{}, err
	}
	return o, nil
}

func insertOrder(ctx context.Context, q querier, o *payment.Order) error {
	shipping, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	billing, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	_, err = q.Exec(ctx, `INSERT INTO orders (id, user_id, payment_id, status, total_amount, currency,
shipping_address, billing_address, payment_method, created_at, updated_at, completed_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5::numeric, $6, $7::jsonb, $8::jsonb, NULLIF($9, ''), $10, $10, $11)`,
		o.ID, o.UserID, o.PaymentID, string(o.Status), o.TotalAmount.String(), o.Currency,
		shipping, billing, string(o.PaymentMethod), o.CreatedAt, o.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order for payment %s", ErrDuplicate, o.PaymentID)
		}
		return err
	}
	for _, it := range o.Items {
		if _, err := q.Exec(ctx, `INSERT INTO order_items (order_id, product_id, quantity, unit_price, total_price)
VALUES ($1, $2, $3, $4::numeric, $5::numeric)`, o.ID, it.ProductID, it.Quantity, it.UnitPrice.String(), it.TotalPrice.String()); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgOrders) prepare(o *payment.Order) error {
	if o.PaymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrInvalidInput)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = payment.OrderPending
	}
	now := s.x.clock()
	o.CreatedAt, o.UpdatedAt = now, now
	if o.Status == payment.OrderCompleted && o.CompletedAt == nil {
		o.CompletedAt = &now
	}
	if o.Items == nil {
		o.Items = []payment.OrderItem{}
	}
	return nil
}

func (s *pgOrders) Create(ctx context.Context, o payment.Order) Result[payment.Order] {
	return run(ctx, s.x, "orders.create", func(ctx context.Context) (payment.Order, error) {
		if err := s.prepare(&o); err != nil {
			return payment.Order{}, err
		}
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			return insertOrder(ctx, tx, &o)
		})
		return o, err
	})
}

func (s *pgOrders) Get(ctx context.Context, id string) Result[payment.Order] {
	return run(ctx, s.x, "orders.get", func(ctx context.Context) (payment.Order, error) {
		return getOrder(ctx, s.db, "id", id)
	})
}

func (s *pgOrders) GetByPaymentID(ctx context.Context, paymentID string) Result[payment.Order] {
	return run(ctx, s.x, "orders.get_by_payment_id", func(ctx context.Context) (payment.Order, error) {
		return getOrder(ctx, s.db, "payment_id", paymentID)
	})
}

func (s *pgOrders) Update(ctx context.Context, id string, patch OrderPatch) Result[payment.Order] {
	return run(ctx, s.x, "orders.update", func(ctx context.Context) (payment.Order, error) {
		var out payment.Order
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			cur, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
			if err != nil {
				return err
			}
			now := s.x.clock()
			if patch.Status != nil {
				if !payment.CanOrderTransition(cur.Status, *patch.Status) {
					return fmt.Errorf("%w: order %s -> %s", ErrInvalidTransition, cur.Status, *patch.Status)
				}
				cur.Status = *patch.Status
				if cur.Status == payment.OrderCompleted && cur.CompletedAt == nil {
					cur.CompletedAt = &now
				}
			}
			if patch.ShippingAddress != nil {
				cur.ShippingAddress = *patch.ShippingAddress
			}
			if patch.BillingAddress != nil {
				cur.BillingAddress = *patch.BillingAddress
			}
			shipping, _ := json.Marshal(cur.ShippingAddress)
			billing, _ := json.Marshal(cur.BillingAddress)
			if _, err := tx.Exec(ctx, `UPDATE orders SET status = $2, shipping_address = $3::jsonb, billing_address = $4::jsonb,
completed_at = $5, updated_at = $6 WHERE id = $1`, id, string(cur.Status), shipping, billing, cur.CompletedAt, now); err != nil {
				return err
			}
			cur.UpdatedAt = now
			if err := loadOrderItems(ctx, tx, &cur); err != nil {
				return err
			}
			out = cur
			return nil
		})
		return out, err
	})
}

func (s *pgOrders) UpdateStatus(ctx context.Context, id string, status payment.OrderStatus) Result[payment.Order] {
	return s.Update(ctx, id, OrderPatch{Status: &status})
}

func (s *pgOrders) CreateFromPayment(ctx context.Context, paymentID string) Result[*payment.Order] {
	return run(ctx, s.x, "orders.create_from_payment", func(ctx context.Context) (*payment.Order, error) {
		var out *payment.Order
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			rec, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
			if err != nil {
				return err
			}
			if oid := rec.OrderID(); oid != "" {
				existing, err := getOrder(ctx, tx, "id", oid)
				if err == nil {
					out = &existing
					return nil
				}
				if !errors.Is(err, ErrNotFound) {
					return err
				}
			}
			existing, err := getOrder(ctx, tx, "payment_id", rec.ID)
			switch {
			case err == nil:
				out = &existing
				return linkOrder(ctx, tx, rec.ID, existing.ID, s.x.clock())
			case !errors.Is(err, ErrNotFound):
				return err
			}

			data, ok := payment.ParseCheckoutData(rec.CheckoutData)
			if !ok {
				return nil
			}
			o := payment.OrderFromCheckout(rec, data)
			if err := s.prepare(&o); err != nil {
				return err
			}
			if err := insertOrder(ctx, tx, &o); err != nil {
				return err
			}
			out = &o
			return linkOrder(ctx, tx, rec.ID, o.ID, o.CreatedAt)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

func linkOrder(ctx context.Context, q querier, paymentID, orderID string, now any) error {
	_, err := q.Exec(ctx, `UPDATE payments SET metadata = metadata || jsonb_build_object('order_id', $2::text), updated_at = $3
WHERE id = $1`, paymentID, orderID, now)
	return err
}
