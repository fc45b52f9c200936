package repo

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/resilience"
)

// Error codes reported in Result.Error.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeDuplicate         = "DUPLICATE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeCancelled         = "CANCELLED"
	CodeUnavailable       = "DB_UNAVAILABLE"
	CodeInternal          = "DB_ERROR"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("repo: not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("repo: duplicate")
	// ErrInvalidTransition is returned when a guarded status update is rejected.
	ErrInvalidTransition = errors.New("repo: invalid status transition")
	// ErrInvalidInput is returned for arguments the store refuses.
	ErrInvalidInput = errors.New("repo: invalid input")
)

// Error describes a failed repository call.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Meta carries timing information for a call.
type Meta struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Result is the envelope every repository call returns. Callers inspect
// Success instead of receiving a Go error.
type Result[T any] struct {
	Success  bool   `json:"success"`
	Data     T      `json:"data,omitempty"`
	Error    *Error `json:"error,omitempty"`
	Metadata Meta   `json:"metadata"`
}

// Err returns the envelope error as a Go error, or nil on success.
func (r Result[T]) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}

// Is reports whether the failure carries the given code.
func (r Result[T]) Is(code string) bool {
	return !r.Success && r.Error != nil && r.Error.Code == code
}

// Options configures the retry and logging behaviour shared by implementations.
type Options struct {
	Retry  resilience.RetryPolicy
	Logger zerolog.Logger
	Now    func() time.Time
}

type executor struct {
	retry  resilience.RetryPolicy
	logger zerolog.Logger
	now    func() time.Time
}

func newExecutor(opts Options) *executor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.Retry
	policy.Retryable = transient
	return &executor{retry: policy, logger: opts.Logger, now: now}
}

func (x *executor) clock() time.Time { return x.now().UTC() }

// run executes fn under the retry policy and wraps the outcome.
func run[T any](ctx context.Context, x *executor, op string, fn func(context.Context) (T, error)) Result[T] {
	start := time.Now()
	var data T
	policy := x.retry
	policy.OnRetry = func(attempt int, err error) {
		obs.ObserveRepoRetry(op)
		x.logger.Debug().Str("op", op).Int("attempt", attempt).Err(err).Msg("repo_retry")
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = fn(ctx)
		return err
	})
	meta := Meta{Timestamp: x.clock(), Duration: time.Since(start)}
	if err == nil {
		return Result[T]{Success: true, Data: data, Metadata: meta}
	}
	rerr := classify(err)
	if rerr.Code == CodeUnavailable || rerr.Code == CodeInternal {
		x.logger.Warn().Str("op", op).Str("code", rerr.Code).Err(err).Msg("repo_call_failed")
	}
	var zero T
	return Result[T]{Data: zero, Error: rerr, Metadata: meta}
}

// transient reports whether err is worth retrying. Known permanent conditions
// are not; everything else is, as the store cannot tell a blip from an outage.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidInput),
		errors.Is(err, pgx.ErrNoRows), errors.Is(err, context.Canceled):
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}
	return true
}

func transientSQLState(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "53", "57":
		return code != "57014"
	}
	return code == "40001" || code == "40P01"
}

func classify(err error) *Error {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		return &Error{Code: CodeNotFound, Message: msg}
	case errors.Is(err, ErrDuplicate):
		return &Error{Code: CodeDuplicate, Message: msg}
	case errors.Is(err, ErrInvalidTransition):
		return &Error{Code: CodeInvalidTransition, Message: msg}
	case errors.Is(err, ErrInvalidInput):
		return &Error{Code: CodeInvalidInput, Message: msg}
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeCancelled, Message: msg}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return &Error{Code: CodeDuplicate, Message: pgErr.Message}
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "22" || pgErr.Code[:2] == "23"):
			return &Error{Code: CodeInvalidInput, Message: pgErr.Message}
		}
	}
	if resilience.IsExhausted(err) || isNetwork(err) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeUnavailable, Message: msg, Retryable: true}
	}
	return &Error{Code: CodeInternal, Message: msg}
}

func isNetwork(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
