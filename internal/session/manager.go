package session

import (
	"context"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

// Manager applies payment lifecycle changes to stored sessions.
type Manager struct {
	store *Store
}

// NewManager wraps store.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Store returns the underlying session store.
func (m *Manager) Store() *Store { return m.store }

// Init starts a session for intent at the init step. The returned state is
// valid even when the write only reached memory; persisted reports whether the
// primary backend accepted it.
func (m *Manager) Init(ctx context.Context, sessionID string, intent payment.Intent, data payment.CheckoutData) (state payment.LocalState, persisted bool) {
	state = payment.LocalState{
		SessionID:    sessionID,
		Intent:       intent,
		CurrentStep:  payment.StepInit,
		CheckoutData: data,
		Timestamp:    m.store.Now(),
	}
	return state, m.store.Save(ctx, state)
}

// State returns the active session or nil.
func (m *Manager) State(ctx context.Context, sessionID string) *payment.LocalState {
	return m.store.Load(ctx, sessionID)
}

// MarkProcessing moves the session into processing with method selected.
func (m *Manager) MarkProcessing(ctx context.Context, sessionID string, method payment.Method) bool {
	now := m.store.Now()
	return m.store.Update(ctx, sessionID, func(st *payment.LocalState) {
		st.CurrentStep = payment.StepProcessing
		st.Intent.Status = payment.StatusProcessing
		st.Intent.Method = method
		st.Intent.UpdatedAt = now
	})
}

// MarkCompleted records a successful payment.
func (m *Manager) MarkCompleted(ctx context.Context, sessionID, transactionID string) bool {
	now := m.store.Now()
	return m.store.Update(ctx, sessionID, func(st *payment.LocalState) {
		st.CurrentStep = payment.StepComplete
		st.Intent.Status = payment.StatusCompleted
		st.Intent.UpdatedAt = now
		st.LastError = ""
		if transactionID != "" {
			if st.Intent.Metadata == nil {
				st.Intent.Metadata = map[string]any{}
			}
			st.Intent.Metadata["transactionId"] = transactionID
		}
	})
}

// MarkFailed records a failed attempt and counts it against the retry budget.
func (m *Manager) MarkFailed(ctx context.Context, sessionID, msg string) bool {
	now := m.store.Now()
	return m.store.Update(ctx, sessionID, func(st *payment.LocalState) {
		st.CurrentStep = payment.StepError
		st.Intent.Status = payment.StatusFailed
		st.Intent.UpdatedAt = now
		st.LastError = msg
		st.AttemptCount++
	})
}

// MarkCancelled records a cancellation before the session is cleared.
func (m *Manager) MarkCancelled(ctx context.Context, sessionID, reason string) bool {
	now := m.store.Now()
	return m.store.Update(ctx, sessionID, func(st *payment.LocalState) {
		st.Intent.Status = payment.StatusCancelled
		st.Intent.UpdatedAt = now
		if reason != "" {
			st.LastError = reason
		}
	})
}

// Clear ends the session.
func (m *Manager) Clear(ctx context.Context, sessionID string) {
	m.store.Clear(ctx, sessionID)
}

// CanRetry reports whether the session still has attempts left.
func (m *Manager) CanRetry(ctx context.Context, sessionID string, maxAttempts int) bool {
	return m.store.CanRetry(ctx, sessionID, maxAttempts)
}
