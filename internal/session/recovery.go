package session

import (
	"context"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

// Reason explains why a session cannot be resumed.
type Reason string

const (
	ReasonNoSession      Reason = "no_session"
	ReasonExpired        Reason = "expired"
	ReasonTerminalStatus Reason = "terminal_status"
	ReasonRetryLimit     Reason = "retry_limit"
)

// Validation is the outcome of ValidateRecovery.
type Validation struct {
	CanRecover bool            `json:"canRecover"`
	Reason     Reason          `json:"reason,omitempty"`
	Intent     *payment.Intent `json:"intent,omitempty"`
	Step       payment.Step    `json:"step,omitempty"`
}

// Recovery decides whether a stored session can be resumed.
type Recovery struct {
	store       *Store
	maxAttempts int
}

// NewRecovery returns a Recovery over store with the given retry budget.
func NewRecovery(store *Store, maxAttempts int) *Recovery {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Recovery{store: store, maxAttempts: maxAttempts}
}

// RecoverPayment returns the resumable intent, or nil when there is none.
// An expired intent clears the session.
func (r *Recovery) RecoverPayment(ctx context.Context, sessionID string) *payment.Intent {
	v := r.check(ctx, sessionID, false)
	return v.Intent
}

// ValidateRecovery runs the RecoverPayment checks plus the retry budget.
func (r *Recovery) ValidateRecovery(ctx context.Context, sessionID string) Validation {
	return r.check(ctx, sessionID, true)
}

func (r *Recovery) check(ctx context.Context, sessionID string, budget bool) Validation {
	st := r.store.Load(ctx, sessionID)
	if st == nil {
		return Validation{Reason: ReasonNoSession}
	}
	if st.Intent.Expired(r.store.Now()) {
		r.store.Clear(ctx, sessionID)
		return Validation{Reason: ReasonExpired}
	}
	if !st.Intent.Status.Resumable() {
		return Validation{Reason: ReasonTerminalStatus, Step: st.CurrentStep}
	}
	if budget && st.AttemptCount >= r.maxAttempts {
		return Validation{Reason: ReasonRetryLimit, Step: st.CurrentStep}
	}
	intent := st.Intent
	return Validation{CanRecover: true, Intent: &intent, Step: st.CurrentStep}
}
