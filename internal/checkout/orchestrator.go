// Package checkout drives a checkout session through payment: it owns the
// session lifecycle, delegates to the payment processor and keeps the server
// records in step with the session.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/checkout-pay/internal/events"
	"github.com/noah-isme/checkout-pay/internal/lock"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/repo"
	"github.com/noah-isme/checkout-pay/internal/session"
)

// ErrInvalidInput is returned when InitializePayment rejects its input.
var ErrInvalidInput = errors.New("checkout: invalid input")

// Processor runs a payment strategy.
type Processor interface {
	Process(ctx context.Context, method payment.Method, state payment.LocalState, input json.RawMessage) payment.Result
}

// InitInput starts a payment for a checkout session.
type InitInput struct {
	BusinessID    string               `json:"businessId,omitempty"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency" validate:"required,len=3,alpha"`
	Description   string               `json:"description,omitempty" validate:"max=500"`
	CustomerEmail string               `json:"customerEmail,omitempty" validate:"omitempty,email"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	CheckoutData  payment.CheckoutData `json:"checkoutData"`
}

// Options configures an Orchestrator.
type Options struct {
	Sessions       *session.Manager
	Recovery       *session.Recovery
	Store          *repo.Store
	Processor      Processor
	Hooks          *events.Bus
	Locker         lock.Guard
	Validator      *validator.Validate
	Logger         zerolog.Logger
	Now            func() time.Time
	BusinessID     string
	Currencies     []string
	MaxAttempts    int
	IntentTTL      time.Duration
	PersistTimeout time.Duration
	LockTTL        time.Duration
}

// Orchestrator coordinates the session store, the repositories and the
// processor. The two stores are not transactional with each other: the
// session is authoritative for the browser flow and database writes are
// best-effort and logged.
type Orchestrator struct {
	sessions       *session.Manager
	recovery       *session.Recovery
	store          *repo.Store
	processor      Processor
	hooks          *events.Bus
	locker         lock.Guard
	validate       *validator.Validate
	logger         zerolog.Logger
	now            func() time.Time
	businessID     string
	currencies     []string
	maxAttempts    int
	intentTTL      time.Duration
	persistTimeout time.Duration
	lockTTL        time.Duration
}

// New builds an Orchestrator, filling defaults for optional collaborators.
func New(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("checkout: session manager is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("checkout: processor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("checkout: repository store is required")
	}
	if opts.Recovery == nil {
		opts.Recovery = session.NewRecovery(opts.Sessions.Store(), opts.MaxAttempts)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Validator == nil {
		opts.Validator = validator.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = session.DefaultMaxAttempts
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = session.DefaultTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 3 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	currencies := make([]string, 0, len(opts.Currencies))
	for _, c := range opts.Currencies {
		currencies = append(currencies, strings.ToUpper(strings.TrimSpace(c)))
	}
	return &Orchestrator{
		sessions:       opts.Sessions,
		recovery:       opts.Recovery,
		store:          opts.Store,
		processor:      opts.Processor,
		hooks:          opts.Hooks,
		locker:         opts.Locker,
		validate:       opts.Validator,
		logger:         opts.Logger,
		now:            opts.Now,
		businessID:     opts.BusinessID,
		currencies:     currencies,
		maxAttempts:    opts.MaxAttempts,
		intentTTL:      opts.IntentTTL,
		persistTimeout: opts.PersistTimeout,
		lockTTL:        opts.LockTTL,
	}, nil
}

func (o *Orchestrator) clock() time.Time { return o.now().UTC() }

func (o *Orchestrator) validateInit(sessionID string, in *InitInput) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := o.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if len(o.currencies) > 0 && !slices.Contains(o.currencies, in.Currency) {
		return fmt.Errorf("%w: currency %s is not supported", ErrInvalidInput, in.Currency)
	}
	if in.CheckoutData.Total.IsZero() {
		in.CheckoutData.Total = in.Amount
	}
	if !in.CheckoutData.Total.Equal(in.Amount) {
		return fmt.Errorf("%w: checkout total %s does not match amount %s", ErrInvalidInput, in.CheckoutData.Total, in.Amount)
	}
	if !in.CheckoutData.WellFormed() {
		return fmt.Errorf("%w: checkout data is incomplete", ErrInvalidInput)
	}
	if in.CheckoutData.Currency == "" {
		in.CheckoutData.Currency = in.Currency
	}
	if in.BusinessID == "" {
		in.BusinessID = o.businessID
	}
	if in.CustomerEmail == "" {
		in.CustomerEmail = in.CheckoutData.Email
	}
	return nil
}

// InitializePayment creates the intent for a session, stores it locally and
// records it on the server. The server write is bounded by the persist
// timeout and its failure does not fail the call.
func (o *Orchestrator) InitializePayment(ctx context.Context, sessionID string, in InitInput) (payment.Intent, error) {
	ctx, span := otel.Tracer("checkout.Orchestrator").Start(ctx, "Orchestrator.InitializePayment")
	defer span.End()

	if err := o.validateInit(sessionID, &in); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return payment.Intent{}, err
	}

	var intent payment.Intent
	err := o.locker.WithLock(ctx, lock.SessionKey(sessionID), o.lockTTL, func(ctx context.Context) error {
		now := o.clock()
		expires := now.Add(o.intentTTL)
		intent = payment.Intent{
			ID:            uuid.NewString(),
			BusinessID:    in.BusinessID,
			Amount:        in.Amount,
			Currency:      in.Currency,
			Description:   in.Description,
			CustomerEmail: in.CustomerEmail,
			Status:        payment.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     &expires,
			Metadata:      in.Metadata,
		}
		if _, persisted := o.sessions.Init(ctx, sessionID, intent, in.CheckoutData); !persisted {
			o.logger.Warn().Str("session_id", sessionID).Str("payment_id", intent.ID).Msg("session_state_in_fallback")
		}
		o.persistInitial(ctx, sessionID, intent, in.CheckoutData)
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return payment.Intent{}, fmt.Errorf("checkout: lock session: %w", err)
	}
	span.SetAttributes(attribute.String("payment.id", intent.ID))
	o.emit(ctx, events.TopicPaymentCreated, sessionID, intent.ID, map[string]any{
		"amount":   intent.Amount,
		"currency": intent.Currency,
	})
	return intent, nil
}

func (o *Orchestrator) persistInitial(ctx context.Context, sessionID string, intent payment.Intent, data payment.CheckoutData) {
	ctx, cancel := context.WithTimeout(ctx, o.persistTimeout)
	defer cancel()
	raw, err := json.Marshal(data)
	if err != nil {
		o.logger.Warn().Err(err).Str("payment_id", intent.ID).Msg("checkout_data_encode_failed")
		raw = nil
	}
	res := o.store.Payments.Create(ctx, payment.Record{
		ID:            intent.ID,
		BusinessID:    intent.BusinessID,
		SessionID:     sessionID,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		Status:        payment.StatusPending,
		CustomerEmail: intent.CustomerEmail,
		Metadata:      intent.Metadata,
		CheckoutData:  raw,
	})
	if !res.Success {
		o.logger.Warn().
			Str("session_id", sessionID).
			Str("payment_id", intent.ID).
			Str("code", res.Error.Code).
			Str("error", res.Error.Message).
			Msg("payment_record_create_failed")
	}
}

// ProcessPayment settles the session's intent with method. Calls for the same
// session are serialized.
func (o *Orchestrator) ProcessPayment(ctx context.Context, sessionID string, method payment.Method, input json.RawMessage) payment.Result {
	ctx, span := otel.Tracer("checkout.Orchestrator").Start(ctx, "Orchestrator.ProcessPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.method", string(method)))

	var res payment.Result
	err := o.locker.WithLock(ctx, lock.SessionKey(sessionID), o.lockTTL, func(ctx context.Context) error {
		res = o.process(ctx, sessionID, method, input)
		return nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session_lock_failed")
		res = payment.Failed(payment.CodeSessionBusy, "checkout session is busy, try again", true)
	}
	if !res.Success && res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Code)
	}
	return res
}

func (o *Orchestrator) process(ctx context.Context, sessionID string, method payment.Method, input json.RawMessage) payment.Result {
	st := o.sessions.State(ctx, sessionID)
	if st == nil {
		return payment.Failed(payment.CodeNoSession, "no active checkout session", false)
	}
	paymentID := st.Intent.ID
	switch {
	case st.Intent.Status == payment.StatusCompleted:
		return payment.Failed(payment.CodeAlreadyCompleted, "payment already completed", false)
	case st.Intent.Expired(o.clock()):
		o.updateRecord(ctx, paymentID, repo.StatusUpdate{Status: payment.StatusExpired, Error: "payment intent expired"})
		o.sessions.Clear(ctx, sessionID)
		return payment.Failed(payment.CodeSessionExpired, "payment intent expired", false)
	case st.AttemptCount >= o.maxAttempts:
		return payment.Failed(payment.CodeRetryLimit, fmt.Sprintf("maximum of %d attempts reached", o.maxAttempts), false)
	}

	o.sessions.MarkProcessing(ctx, sessionID, method)
	o.updateRecord(ctx, paymentID, repo.StatusUpdate{Status: payment.StatusProcessing})
	o.emit(ctx, events.TopicPaymentProcessing, sessionID, paymentID, map[string]any{"method": method})

	state := *st
	state.CurrentStep = payment.StepProcessing
	state.Intent.Status = payment.StatusProcessing
	state.Intent.Method = method

	res := o.processor.Process(ctx, method, state, input)
	if res.Success {
		o.complete(ctx, sessionID, paymentID, res)
		return res
	}

	msg := res.ErrorMessage()
	o.sessions.MarkFailed(ctx, sessionID, msg)
	o.updateRecord(ctx, paymentID, repo.StatusUpdate{Status: payment.StatusFailed, Error: msg})
	payload := map[string]any{"method": method}
	if res.Error != nil {
		payload["code"] = res.Error.Code
		payload["message"] = res.Error.Message
		payload["retryable"] = res.Error.Retryable
	}
	o.emit(ctx, events.TopicPaymentFailed, sessionID, paymentID, payload)
	return res
}

func (o *Orchestrator) complete(ctx context.Context, sessionID, paymentID string, res payment.Result) {
	o.sessions.MarkCompleted(ctx, sessionID, res.TransactionID)
	upd := repo.StatusUpdate{Status: payment.StatusCompleted}
	if res.TransactionID != "" {
		upd.Metadata = map[string]any{"transaction_id": res.TransactionID}
	}
	o.updateRecord(ctx, paymentID, upd)

	payload := map[string]any{"transactionId": res.TransactionID}
	if res.RedirectURL != "" {
		payload["redirectUrl"] = res.RedirectURL
	}
	order := o.store.Orders.CreateFromPayment(ctx, paymentID)
	switch {
	case !order.Success:
		o.logger.Error().
			Str("payment_id", paymentID).
			Str("code", order.Error.Code).
			Str("error", order.Error.Message).
			Msg("order_create_failed")
	case order.Data == nil:
		o.logger.Warn().Str("payment_id", paymentID).Msg("order_skipped_no_checkout_data")
	default:
		payload["orderId"] = order.Data.ID
	}
	o.emit(ctx, events.TopicPaymentCompleted, sessionID, paymentID, payload)
}

// CancelPayment cancels the session's payment and ends the session. A
// missing session is a no-op.
func (o *Orchestrator) CancelPayment(ctx context.Context, sessionID, reason string) error {
	err := o.locker.WithLock(ctx, lock.SessionKey(sessionID), o.lockTTL, func(ctx context.Context) error {
		st := o.sessions.State(ctx, sessionID)
		if st == nil {
			return nil
		}
		if reason == "" {
			reason = "cancelled by customer"
		}
		o.sessions.MarkCancelled(ctx, sessionID, reason)
		o.updateRecord(ctx, st.Intent.ID, repo.StatusUpdate{
			Status:   payment.StatusCancelled,
			Metadata: map[string]any{"cancel_reason": reason},
		})
		o.emit(ctx, events.TopicPaymentCancelled, sessionID, st.Intent.ID, map[string]any{"reason": reason})
		o.sessions.Clear(ctx, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkout: lock session: %w", err)
	}
	return nil
}

// GetCurrentState returns the session state or nil.
func (o *Orchestrator) GetCurrentState(ctx context.Context, sessionID string) *payment.LocalState {
	return o.sessions.State(ctx, sessionID)
}

// RecoverPayment returns the resumable intent for the session, if any.
func (o *Orchestrator) RecoverPayment(ctx context.Context, sessionID string) *payment.Intent {
	return o.recovery.RecoverPayment(ctx, sessionID)
}

// ValidateRecovery explains whether the session can be resumed.
func (o *Orchestrator) ValidateRecovery(ctx context.Context, sessionID string) session.Validation {
	return o.recovery.ValidateRecovery(ctx, sessionID)
}

func (o *Orchestrator) updateRecord(ctx context.Context, paymentID string, upd repo.StatusUpdate) {
	if paymentID == "" {
		return
	}
	res := o.store.Payments.UpdateStatus(ctx, paymentID, upd)
	if !res.Success {
		o.logger.Warn().
			Str("payment_id", paymentID).
			Str("status", string(upd.Status)).
			Str("code", res.Error.Code).
			Str("error", res.Error.Message).
			Msg("payment_status_update_failed")
	}
}

func (o *Orchestrator) emit(ctx context.Context, topic, sessionID, paymentID string, payload map[string]any) {
	if o.hooks == nil {
		return
	}
	if _, err := o.hooks.Emit(ctx, topic, sessionID, paymentID, payload); err != nil {
		o.logger.Warn().Err(err).Str("topic", topic).Str("payment_id", paymentID).Msg("hook_emit_failed")
	}
}
