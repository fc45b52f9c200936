// Package processor runs a payment strategy for a checkout session and
// records every invocation as a payment attempt.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/repo"
	"github.com/noah-isme/checkout-pay/internal/strategy"
)

// Options configures a Processor.
type Options struct {
	Registry       *strategy.Registry
	Payments       repo.Payments
	Attempts       repo.Attempts
	Logger         zerolog.Logger
	PersistTimeout time.Duration
}

// Processor selects the strategy for a method, guards it with availability and
// validation checks and persists the outcome in the background.
type Processor struct {
	registry       *strategy.Registry
	payments       repo.Payments
	attempts       repo.Attempts
	logger         zerolog.Logger
	persistTimeout time.Duration
	wg             sync.WaitGroup
}

// New builds a Processor.
func New(opts Options) *Processor {
	if opts.Registry == nil {
		opts.Registry = strategy.NewRegistry()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Processor{
		registry:       opts.Registry,
		payments:       opts.Payments,
		attempts:       opts.Attempts,
		logger:         opts.Logger,
		persistTimeout: opts.PersistTimeout,
	}
}

// Process runs method against state. It never returns a Go error: every
// outcome, including strategy panics, is a Result.
func (p *Processor) Process(ctx context.Context, method payment.Method, state payment.LocalState, input json.RawMessage) payment.Result {
	ctx, span := otel.Tracer("processor.Processor").Start(ctx, "Processor.Process")
	defer span.End()
	span.SetAttributes(attribute.String("payment.method", string(method)), attribute.String("payment.id", state.Intent.ID))

	s, ok := p.registry.Get(method)
	if !ok {
		obs.ObservePayment(string(method), "not_found")
		return payment.Failed(payment.CodeStrategyNotFound, fmt.Sprintf("no strategy registered for %q", method), false)
	}
	if !s.IsAvailable(ctx) {
		obs.ObservePayment(string(method), "unavailable")
		return payment.Failed(payment.CodeMethodUnavailable, fmt.Sprintf("payment method %q is not available", method), false)
	}

	var res payment.Result
	if verr := s.Validate(state, input); verr != nil {
		res = payment.Failed(payment.CodeValidation, verr.Message, false)
	} else {
		res = p.invoke(ctx, s, state, input)
	}
	if res.Success {
		obs.ObservePayment(string(method), "success")
	} else {
		obs.ObservePayment(string(method), strings.ToLower(res.Error.Code))
		span.SetAttributes(attribute.String("payment.error_code", res.Error.Code))
	}
	p.record(ctx, method, state, input, res)
	return res
}

func (p *Processor) invoke(ctx context.Context, s strategy.Strategy, state payment.LocalState, input json.RawMessage) (res payment.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("payment_id", state.Intent.ID).
				Str("method", string(s.Method())).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("strategy_panic")
			res = payment.Failed(payment.CodeInternal, "unexpected error while processing payment", false)
		}
	}()
	res, err := s.Process(ctx, state, input)
	if err != nil {
		p.logger.Warn().Err(err).Str("payment_id", state.Intent.ID).Str("method", string(s.Method())).Msg("strategy_error")
		return payment.Failed(payment.CodeProcessing, err.Error(), true)
	}
	if !res.Success && res.Error == nil {
		res.Error = payment.NewError(payment.CodeProcessing, "payment was not completed", true)
	}
	if res.Status == "" {
		res.Status = payment.StatusFailed
		if res.Success {
			res.Status = payment.StatusCompleted
		}
	}
	return res
}

// record persists the attempt and patches the payment row without blocking
// the caller. Failures are logged.
func (p *Processor) record(ctx context.Context, method payment.Method, state payment.LocalState, input json.RawMessage, res payment.Result) {
	if p.attempts == nil && p.payments == nil {
		return
	}
	paymentID := state.Intent.ID
	if paymentID == "" {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().Str("payment_id", paymentID).Interface("panic", r).Msg("attempt_persist_panic")
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
		defer cancel()

		response, _ := json.Marshal(res)
		if p.attempts != nil {
			attempt := payment.Attempt{
				PaymentID:    paymentID,
				Method:       method,
				Status:       res.Status,
				Error:        res.ErrorMessage(),
				RequestData:  requestData(input),
				ResponseData: response,
			}
			if out := p.attempts.Create(ctx, attempt); !out.Success {
				p.logger.Warn().Str("payment_id", paymentID).Str("code", out.Error.Code).Msg("attempt_persist_failed")
			}
		}
		if p.payments != nil {
			status := res.Status
			patch := repo.PaymentPatch{Status: &status, Method: &method}
			if res.Success && method == payment.MethodGatewayRedirect && res.TransactionID != "" {
				id := res.TransactionID
				patch.HPPaymentID = &id
			}
			if len(res.Metadata) > 0 && json.Valid(res.Metadata) {
				patch.GatewayResponse = res.Metadata
			}
			if out := p.payments.Update(ctx, paymentID, patch); !out.Success {
				p.logger.Warn().Str("payment_id", paymentID).Str("code", out.Error.Code).Msg("payment_patch_failed")
			}
		}
	}()
}

func requestData(input json.RawMessage) json.RawMessage {
	if len(input) == 0 || !json.Valid(input) {
		return nil
	}
	return input
}

// Wait blocks until background persistence has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}
