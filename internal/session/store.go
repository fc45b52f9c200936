// Package session keeps the per-checkout-session payment state: a primary
// document plus a recovery copy, with an in-process fallback when the primary
// backend is unavailable.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/payment"
)

// DefaultTimeout is how long a session survives after its last write.
const DefaultTimeout = 30 * time.Minute

// DefaultMaxAttempts is the retry budget used when callers pass zero.
const DefaultMaxAttempts = 3

// Options configures a Store.
type Options struct {
	Namespace string
	Timeout   time.Duration
	Primary   Backend
	Fallback  Backend
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Store persists payment.LocalState documents.
type Store struct {
	ns       string
	timeout  time.Duration
	primary  Backend
	fallback Backend
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds a Store without sweeping.
func New(opts Options) *Store {
	s := &Store{
		ns:       opts.Namespace,
		timeout:  opts.Timeout,
		primary:  opts.Primary,
		fallback: opts.Fallback,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.ns == "" {
		s.ns = "checkout_payment"
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.primary == nil {
		s.primary = s.fallback
		s.fallback = nil
	}
	return s
}

// Open builds a Store and removes expired sessions left behind by earlier runs.
func Open(ctx context.Context, opts Options) *Store {
	s := New(opts)
	removed, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session_sweep_failed")
	} else if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("session_sweep")
	}
	return s
}

// Timeout returns the session lifetime.
func (s *Store) Timeout() time.Duration { return s.timeout }

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

func (s *Store) stateKey(sessionID string) string { return s.ns + ":" + sessionID + ":state" }
func (s *Store) recoveryKey(sessionID string) string { return s.ns + ":" + sessionID + ":recovery" }

func (s *Store) backends() []Backend {
	out := make([]Backend, 0, 2)
	if s.primary != nil {
		out = append(out, s.primary)
	}
	if s.fallback != nil {
		out = append(out, s.fallback)
	}
	return out
}

func (s *Store) expired(st payment.LocalState) bool {
	return s.now().Sub(st.Timestamp) > s.timeout
}

// Save stamps the state and writes the primary and recovery documents. It
// returns false when the state only reached the in-process fallback, or could
// not be written at all; callers continue with the in-memory value.
func (s *Store) Save(ctx context.Context, state payment.LocalState) bool {
	if state.SessionID == "" {
		return false
	}
	state.Timestamp = s.Now()
	raw, err := json.Marshal(state)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", state.SessionID).Msg("session_encode_failed")
		return false
	}
	if s.primary == nil {
		return false
	}
	if err := s.write(ctx, s.primary, state.SessionID, raw); err != nil {
		obs.ObserveSessionFallback()
		s.logger.Warn().Err(err).Str("session_id", state.SessionID).Msg("session_primary_write_failed")
		if s.fallback != nil {
			if ferr := s.write(ctx, s.fallback, state.SessionID, raw); ferr != nil {
				s.logger.Error().Err(ferr).Str("session_id", state.SessionID).Msg("session_fallback_write_failed")
			}
		}
		return false
	}
	if s.fallback != nil {
		_ = s.fallback.Delete(ctx, s.stateKey(state.SessionID), s.recoveryKey(state.SessionID))
	}
	return true
}

func (s *Store) write(ctx context.Context, b Backend, sessionID string, raw []byte) error {
	if err := b.Set(ctx, s.stateKey(sessionID), raw, s.timeout); err != nil {
		return err
	}
	return b.Set(ctx, s.recoveryKey(sessionID), raw, s.timeout)
}

// Load returns the active state for sessionID or nil. The primary document is
// preferred, then the recovery copy, then the fallback backend. Expired
// sessions are cleared and reported as absent.
func (s *Store) Load(ctx context.Context, sessionID string) *payment.LocalState {
	if sessionID == "" {
		return nil
	}
	for _, b := range s.backends() {
		for _, key := range []string{s.stateKey(sessionID), s.recoveryKey(sessionID)} {
			raw, err := b.Get(ctx, key)
			if err != nil {
				if !errors.Is(err, ErrMiss) {
					s.logger.Warn().Err(err).Str("key", key).Msg("session_read_failed")
				}
				continue
			}
			var st payment.LocalState
			if err := json.Unmarshal(raw, &st); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("session_decode_failed")
				continue
			}
			st.SessionID = sessionID
			if s.expired(st) {
				s.Clear(ctx, sessionID)
				return nil
			}
			return &st
		}
	}
	return nil
}

// Update applies fn to the active state and saves it. It returns false when
// no session is active or the write did not reach the primary backend.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(*payment.LocalState)) bool {
	st := s.Load(ctx, sessionID)
	if st == nil {
		return false
	}
	fn(st)
	return s.Save(ctx, *st)
}

// UpdateIntent applies fn to the session's payment intent.
func (s *Store) UpdateIntent(ctx context.Context, sessionID string, fn func(*payment.Intent)) bool {
	return s.Update(ctx, sessionID, func(st *payment.LocalState) {
		fn(&st.Intent)
		st.Intent.UpdatedAt = s.Now()
	})
}

// UpdateStep moves the session to step.
func (s *Store) UpdateStep(ctx context.Context, sessionID string, step payment.Step) bool {
	return s.Update(ctx, sessionID, func(st *payment.LocalState) { st.CurrentStep = step })
}

// RecordError stores msg as the last error and counts the attempt.
func (s *Store) RecordError(ctx context.Context, sessionID, msg string) bool {
	return s.Update(ctx, sessionID, func(st *payment.LocalState) {
		st.LastError = msg
		st.AttemptCount++
	})
}

// Clear removes both documents from every backend. Clearing an absent session
// is not an error.
func (s *Store) Clear(ctx context.Context, sessionID string) {
	keys := []string{s.stateKey(sessionID), s.recoveryKey(sessionID)}
	for _, b := range s.backends() {
		if err := b.Delete(ctx, keys...); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session_clear_failed")
		}
	}
}

// CanRetry reports whether another attempt fits in the retry budget. A
// missing session can always be retried.
func (s *Store) CanRetry(ctx context.Context, sessionID string, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	st := s.Load(ctx, sessionID)
	return st == nil || st.AttemptCount < maxAttempts
}

// Sweep deletes every namespaced document that is expired or unreadable and
// returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	removed := 0
	var errs []error
	for _, b := range s.backends() {
		keys, err := b.Keys(ctx, s.ns+":")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, key := range keys {
			raw, err := b.Get(ctx, key)
			if errors.Is(err, ErrMiss) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			var st payment.LocalState
			if json.Unmarshal(raw, &st) == nil && !s.expired(st) {
				continue
			}
			if err := b.Delete(ctx, key); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
