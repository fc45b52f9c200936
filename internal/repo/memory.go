package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

// Memory is an in-process Store backend. It keeps the same guards and
// uniqueness rules as the Postgres schema and can inject faults per operation.
type Memory struct {
	mu       sync.Mutex
	x        *executor
	payments map[string]payment.Record
	orders   map[string]payment.Order
	events   map[string]payment.WebhookEvent
	attempts map[string][]payment.Attempt
	faults   map[string]fault
}

type fault struct {
	err   error
	times int
}

// NewMemory returns an empty in-memory backend.
func NewMemory(opts Options) *Memory {
	return &Memory{
		x:        newExecutor(opts),
		payments: map[string]payment.Record{},
		orders:   map[string]payment.Order{},
		events:   map[string]payment.WebhookEvent{},
		attempts: map[string][]payment.Attempt{},
		faults:   map[string]fault{},
	}
}

// Store exposes m through the repository interfaces.
func (m *Memory) Store() *Store {
	return &Store{
		Payments:      memPayments{m},
		Orders:        memOrders{m},
		WebhookEvents: memWebhookEvents{m},
		Attempts:      memAttempts{m},
	}
}

// InjectFault makes the next n calls of op (for example "payments.get") fail
// with err before touching state.
func (m *Memory) InjectFault(op string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = fault{err: err, times: n}
}

func memRun[T any](ctx context.Context, m *Memory, op string, fn func() (T, error)) Result[T] {
	return run(ctx, m.x, op, func(ctx context.Context) (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if f, ok := m.faults[op]; ok && f.times > 0 {
			f.times--
			m.faults[op] = f
			var zero T
			return zero, f.err
		}
		return fn()
	})
}

func cloneRecord(r payment.Record) payment.Record {
	if r.Metadata != nil {
		r.Metadata = mergeMaps(nil, r.Metadata)
		if len(r.Metadata) == 0 {
			r.Metadata = map[string]any{}
		}
	}
	r.ErrorLog = append([]payment.ErrorLogEntry(nil), r.ErrorLog...)
	return r
}

// normalizeMeta round-trips metadata through JSON so callers observe the same
// value types a JSONB column would hand back.
func normalizeMeta(in map[string]any) (map[string]any, error) {
	if len(in) == 0 {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type memPayments struct{ m *Memory }

func (p memPayments) Create(ctx context.Context, rec payment.Record) Result[payment.Record] {
	m := p.m
	return memRun(ctx, m, "payments.create", func() (payment.Record, error) {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Status == "" {
			rec.Status = payment.StatusPending
		}
		if err := validateRecord(rec); err != nil {
			return payment.Record{}, err
		}
		if _, ok := m.payments[rec.ID]; ok {
			return payment.Record{}, fmt.Errorf("%w: payment %s", ErrDuplicate, rec.ID)
		}
		if rec.HPPaymentID != "" && m.byExternal(rec.HPPaymentID) != "" {
			return payment.Record{}, fmt.Errorf("%w: external payment id", ErrDuplicate)
		}
		meta, err := normalizeMeta(rec.Metadata)
		if err != nil {
			return payment.Record{}, err
		}
		now := m.x.clock()
		rec.Metadata = meta
		rec.ErrorLog = nil
		rec.CreatedAt, rec.UpdatedAt = now, now
		if rec.Status == payment.StatusCompleted {
			rec.CompletedAt = &now
		}
		m.payments[rec.ID] = rec
		return cloneRecord(rec), nil
	})
}

func (m *Memory) byExternal(hpID string) string {
	for id, r := range m.payments {
		if r.HPPaymentID == hpID {
			return id
		}
	}
	return ""
}

func (p memPayments) Get(ctx context.Context, id string) Result[payment.Record] {
	m := p.m
	return memRun(ctx, m, "payments.get", func() (payment.Record, error) {
		rec, ok := m.payments[id]
		if !ok {
			return payment.Record{}, ErrNotFound
		}
		return cloneRecord(rec), nil
	})
}

func (p memPayments) GetByExternalID(ctx context.Context, hpPaymentID string) Result[payment.Record] {
	m := p.m
	return memRun(ctx, m, "payments.get_by_external_id", func() (payment.Record, error) {
		if hpPaymentID == "" {
			return payment.Record{}, ErrNotFound
		}
		id := m.byExternal(hpPaymentID)
		if id == "" {
			return payment.Record{}, ErrNotFound
		}
		return cloneRecord(m.payments[id]), nil
	})
}

func (p memPayments) List(ctx context.Context, f PaymentFilter) Result[Page[payment.Record]] {
	m := p.m
	return memRun(ctx, m, "payments.list", func() (Page[payment.Record], error) {
		matched := make([]payment.Record, 0)
		for _, r := range m.payments {
			switch {
			case f.BusinessID != "" && r.BusinessID != f.BusinessID,
				f.SessionID != "" && r.SessionID != f.SessionID,
				f.Status != "" && r.Status != f.Status,
				f.Method != "" && r.Method != f.Method,
				f.From != nil && r.CreatedAt.Before(*f.From),
				f.To != nil && !r.CreatedAt.Before(*f.To):
				continue
			}
			matched = append(matched, cloneRecord(r))
		}
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		})
		page := Page[payment.Record]{Total: len(matched), Items: []payment.Record{}}
		limit := clampPositive(f.Limit, 1, 100, 20)
		offset := f.Offset
		if offset < 0 {
			offset = 0
		}
		if offset < len(matched) {
			end := offset + limit
			if end > len(matched) {
				end = len(matched)
			}
			page.Items = matched[offset:end]
		}
		return page, nil
	})
}

func (m *Memory) transition(rec *payment.Record, to payment.Status, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	if !payment.CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}
	rec.Status = to
	if to == payment.StatusCompleted && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	return nil
}

func (p memPayments) Update(ctx context.Context, id string, patch PaymentPatch) Result[payment.Record] {
	m := p.m
	return memRun(ctx, m, "payments.update", func() (payment.Record, error) {
		rec, ok := m.payments[id]
		if !ok {
			return payment.Record{}, ErrNotFound
		}
		rec = cloneRecord(rec)
		now := m.x.clock()
		if patch.Status != nil {
			if err := m.transition(&rec, *patch.Status, now); err != nil {
				return payment.Record{}, err
			}
		}
		if patch.Method != nil {
			rec.Method = *patch.Method
		}
		if patch.CustomerEmail != nil {
			rec.CustomerEmail = *patch.CustomerEmail
		}
		if patch.HPPaymentID != nil {
			if *patch.HPPaymentID != "" {
				if owner := m.byExternal(*patch.HPPaymentID); owner != "" && owner != id {
					return payment.Record{}, fmt.Errorf("%w: external payment id", ErrDuplicate)
				}
			}
			rec.HPPaymentID = *patch.HPPaymentID
		}
		if len(patch.GatewayResponse) > 0 {
			rec.GatewayResponse = append(json.RawMessage(nil), patch.GatewayResponse...)
		}
		if len(patch.CheckoutData) > 0 {
			rec.CheckoutData = append(json.RawMessage(nil), patch.CheckoutData...)
		}
		if len(patch.Metadata) > 0 {
			meta, err := normalizeMeta(patch.Metadata)
			if err != nil {
				return payment.Record{}, err
			}
			rec.Metadata = mergeMaps(rec.Metadata, meta)
		}
		rec.UpdatedAt = now
		m.payments[id] = rec
		return cloneRecord(rec), nil
	})
}

func (p memPayments) UpsertByExternalID(ctx context.Context, rec payment.Record) Result[payment.Record] {
	m := p.m
	return memRun(ctx, m, "payments.upsert_by_external_id", func() (payment.Record, error) {
		if rec.HPPaymentID == "" {
			return payment.Record{}, fmt.Errorf("%w: external payment id is required", ErrInvalidInput)
		}
		if rec.Status == "" {
			rec.Status = payment.StatusPending
		}
		if err := validateRecord(rec); err != nil {
			return payment.Record{}, err
		}
		meta, err := normalizeMeta(rec.Metadata)
		if err != nil {
			return payment.Record{}, err
		}
		now := m.x.clock()
		if id := m.byExternal(rec.HPPaymentID); id != "" {
			cur := cloneRecord(m.payments[id])
			if err := m.transition(&cur, rec.Status, now); err != nil {
				return payment.Record{}, err
			}
			if rec.Method != "" {
				cur.Method = rec.Method
			}
			if rec.CustomerEmail != "" {
				cur.CustomerEmail = rec.CustomerEmail
			}
			if len(rec.GatewayResponse) > 0 {
				cur.GatewayResponse = rec.GatewayResponse
			}
			cur.Metadata = mergeMaps(cur.Metadata, meta)
			cur.UpdatedAt = now
			m.payments[id] = cur
			return cloneRecord(cur), nil
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.Metadata = meta
		rec.CreatedAt, rec.UpdatedAt = now, now
		if rec.Status == payment.StatusCompleted {
			rec.CompletedAt = &now
		}
		m.payments[rec.ID] = rec
		return cloneRecord(rec), nil
	})
}

func (p memPayments) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) Result[payment.Record] {
	m := p.m
	return memRun(ctx, m, "payments.update_status", func() (payment.Record, error) {
		rec, ok := m.payments[id]
		if !ok {
			return payment.Record{}, ErrNotFound
		}
		rec = cloneRecord(rec)
		now := m.x.clock()
		if err := m.transition(&rec, upd.Status, now); err != nil {
			return payment.Record{}, err
		}
		if strings.TrimSpace(upd.Error) != "" {
			rec.ErrorLog = append(rec.ErrorLog, payment.ErrorLogEntry{At: now, Status: upd.Status, Message: upd.Error})
		}
		if len(upd.Metadata) > 0 {
			meta, err := normalizeMeta(upd.Metadata)
			if err != nil {
				return payment.Record{}, err
			}
			rec.Metadata = mergeMaps(rec.Metadata, meta)
		}
		rec.UpdatedAt = now
		m.payments[id] = rec
		return cloneRecord(rec), nil
	})
}

func (p memPayments) MergeMetadata(ctx context.Context, id string, meta map[string]any) Result[payment.Record] {
	return p.Update(ctx, id, PaymentPatch{Metadata: meta})
}

type memOrders struct{ m *Memory }

func cloneOrder(o payment.Order) payment.Order {
	o.Items = append([]payment.OrderItem{}, o.Items...)
	return o
}

func (m *Memory) insertOrder(o *payment.Order) error {
	if o.PaymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrInvalidInput)
	}
	for _, existing := range m.orders {
		if existing.PaymentID == o.PaymentID {
			return fmt.Errorf("%w: order for payment %s", ErrDuplicate, o.PaymentID)
		}
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = payment.OrderPending
	}
	now := m.x.clock()
	o.CreatedAt, o.UpdatedAt = now, now
	if o.Status == payment.OrderCompleted && o.CompletedAt == nil {
		o.CompletedAt = &now
	}
	if o.Items == nil {
		o.Items = []payment.OrderItem{}
	}
	m.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (m *Memory) orderByPayment(paymentID string) (payment.Order, bool) {
	for _, o := range m.orders {
		if o.PaymentID == paymentID {
			return o, true
		}
	}
	return payment.Order{}, false
}

func (o memOrders) Create(ctx context.Context, order payment.Order) Result[payment.Order] {
	m := o.m
	return memRun(ctx, m, "orders.create", func() (payment.Order, error) {
		if err := m.insertOrder(&order); err != nil {
			return payment.Order{}, err
		}
		return cloneOrder(order), nil
	})
}

func (o memOrders) Get(ctx context.Context, id string) Result[payment.Order] {
	m := o.m
	return memRun(ctx, m, "orders.get", func() (payment.Order, error) {
		order, ok := m.orders[id]
		if !ok {
			return payment.Order{}, ErrNotFound
		}
		return cloneOrder(order), nil
	})
}

func (o memOrders) GetByPaymentID(ctx context.Context, paymentID string) Result[payment.Order] {
	m := o.m
	return memRun(ctx, m, "orders.get_by_payment_id", func() (payment.Order, error) {
		order, ok := m.orderByPayment(paymentID)
		if !ok {
			return payment.Order{}, ErrNotFound
		}
		return cloneOrder(order), nil
	})
}

func (o memOrders) Update(ctx context.Context, id string, patch OrderPatch) Result[payment.Order] {
	m := o.m
	return memRun(ctx, m, "orders.update", func() (payment.Order, error) {
		cur, ok := m.orders[id]
		if !ok {
			return payment.Order{}, ErrNotFound
		}
		now := m.x.clock()
		if patch.Status != nil {
			if !payment.CanOrderTransition(cur.Status, *patch.Status) {
				return payment.Order{}, fmt.Errorf("%w: order %s -> %s", ErrInvalidTransition, cur.Status, *patch.Status)
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
		cur.UpdatedAt = now
		m.orders[id] = cur
		return cloneOrder(cur), nil
	})
}

func (o memOrders) UpdateStatus(ctx context.Context, id string, status payment.OrderStatus) Result[payment.Order] {
	return o.Update(ctx, id, OrderPatch{Status: &status})
}

func (o memOrders) CreateFromPayment(ctx context.Context, paymentID string) Result[*payment.Order] {
	m := o.m
	return memRun(ctx, m, "orders.create_from_payment", func() (*payment.Order, error) {
		rec, ok := m.payments[paymentID]
		if !ok {
			return nil, ErrNotFound
		}
		if oid := rec.OrderID(); oid != "" {
			if existing, ok := m.orders[oid]; ok {
				out := cloneOrder(existing)
				return &out, nil
			}
		}
		if existing, ok := m.orderByPayment(rec.ID); ok {
			m.link(rec, existing.ID)
			out := cloneOrder(existing)
			return &out, nil
		}
		data, ok := payment.ParseCheckoutData(rec.CheckoutData)
		if !ok {
			return nil, nil
		}
		order := payment.OrderFromCheckout(rec, data)
		if err := m.insertOrder(&order); err != nil {
			return nil, err
		}
		m.link(rec, order.ID)
		return &order, nil
	})
}

func (m *Memory) link(rec payment.Record, orderID string) {
	rec = cloneRecord(rec)
	rec.Metadata = mergeMaps(rec.Metadata, map[string]any{payment.MetaKeyOrderID: orderID})
	rec.UpdatedAt = m.x.clock()
	m.payments[rec.ID] = rec
}

type memWebhookEvents struct{ m *Memory }

func (w memWebhookEvents) Create(ctx context.Context, ev payment.WebhookEvent) Result[payment.WebhookEvent] {
	m := w.m
	return memRun(ctx, m, "webhook_events.create", func() (payment.WebhookEvent, error) {
		if ev.ExternalEventID == "" {
			return payment.WebhookEvent{}, fmt.Errorf("%w: external event id is required", ErrInvalidInput)
		}
		for _, existing := range m.events {
			if existing.ExternalEventID == ev.ExternalEventID {
				return payment.WebhookEvent{}, fmt.Errorf("%w: webhook event %s", ErrDuplicate, ev.ExternalEventID)
			}
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = m.x.clock()
		}
		ev.Processed = false
		ev.ProcessedAt = nil
		m.events[ev.ID] = ev
		return ev, nil
	})
}

func (w memWebhookEvents) Get(ctx context.Context, id string) Result[payment.WebhookEvent] {
	m := w.m
	return memRun(ctx, m, "webhook_events.get", func() (payment.WebhookEvent, error) {
		ev, ok := m.events[id]
		if !ok {
			return payment.WebhookEvent{}, ErrNotFound
		}
		return ev, nil
	})
}

func (w memWebhookEvents) Update(ctx context.Context, id string, upd WebhookEventUpdate) Result[payment.WebhookEvent] {
	m := w.m
	return memRun(ctx, m, "webhook_events.update", func() (payment.WebhookEvent, error) {
		ev, ok := m.events[id]
		if !ok {
			return payment.WebhookEvent{}, ErrNotFound
		}
		ev.Processed = upd.Processed
		if upd.Processed {
			now := m.x.clock()
			ev.ProcessedAt = &now
		}
		ev.ProcessingError = upd.ProcessingError
		if upd.PaymentID != "" {
			ev.PaymentID = upd.PaymentID
		}
		if upd.IncrementRetry {
			ev.RetryCount++
		}
		m.events[id] = ev
		return ev, nil
	})
}

func (w memWebhookEvents) ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) Result[[]payment.WebhookEvent] {
	m := w.m
	return memRun(ctx, m, "webhook_events.list_unprocessed", func() ([]payment.WebhookEvent, error) {
		out := []payment.WebhookEvent{}
		for _, ev := range m.events {
			if !ev.Processed && ev.ReceivedAt.Before(receivedBefore) {
				out = append(out, ev)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
		if n := clampPositive(limit, 1, 500, 100); len(out) > n {
			out = out[:n]
		}
		return out, nil
	})
}

type memAttempts struct{ m *Memory }

func (a memAttempts) Create(ctx context.Context, at payment.Attempt) Result[payment.Attempt] {
	m := a.m
	return memRun(ctx, m, "payment_attempts.create", func() (payment.Attempt, error) {
		if at.PaymentID == "" {
			return payment.Attempt{}, fmt.Errorf("%w: payment id is required", ErrInvalidInput)
		}
		if _, ok := m.payments[at.PaymentID]; !ok {
			return payment.Attempt{}, fmt.Errorf("%w: unknown payment %s", ErrInvalidInput, at.PaymentID)
		}
		if at.ID == "" {
			at.ID = uuid.NewString()
		}
		if at.CreatedAt.IsZero() {
			at.CreatedAt = m.x.clock()
		}
		at.AttemptNumber = len(m.attempts[at.PaymentID]) + 1
		m.attempts[at.PaymentID] = append(m.attempts[at.PaymentID], at)
		return at, nil
	})
}

func (a memAttempts) ListByPayment(ctx context.Context, paymentID string) Result[[]payment.Attempt] {
	m := a.m
	return memRun(ctx, m, "payment_attempts.list", func() ([]payment.Attempt, error) {
		return append([]payment.Attempt{}, m.attempts[paymentID]...), nil
	})
}
