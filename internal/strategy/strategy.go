// Package strategy implements the payment methods a checkout can be settled with.
package strategy

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

// Strategy settles a payment with one method. Expected failures (declined,
// cancelled, unavailable) are reported in the Result; a non-nil error means
// something unexpected happened.
type Strategy interface {
	Method() payment.Method
	IsAvailable(ctx context.Context) bool
	Validate(state payment.LocalState, input json.RawMessage) *payment.Error
	Process(ctx context.Context, state payment.LocalState, input json.RawMessage) (payment.Result, error)
}

// Registry maps methods to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[payment.Method]Strategy
}

// NewRegistry registers every non-nil strategy.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: map[payment.Method]Strategy{}}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the strategy for s.Method().
func (r *Registry) Register(s Strategy) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Method()] = s
}

// Get returns the strategy for method.
func (r *Registry) Get(method payment.Method) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[method]
	return s, ok
}

// Available lists the methods whose strategy is currently usable.
func (r *Registry) Available(ctx context.Context) []payment.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]payment.Method, 0, len(r.strategies))
	for m, s := range r.strategies {
		if s.IsAvailable(ctx) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func validationError(msg string) *payment.Error {
	return payment.NewError(payment.CodeValidation, msg, false)
}
