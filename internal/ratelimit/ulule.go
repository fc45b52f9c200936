package ratelimit

import (
	"net/http"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"

	"github.com/noah-isme/checkout-pay/internal/common"
)

// PerClient is a fixed-window limit per client IP built on ulule/limiter. It
// guards the whole checkout API; Handler adds the tighter per-session budget
// on payment processing.
type PerClient struct {
	Store   limiter.Store
	Rate    limiter.Rate
	Key     func(*http.Request) string
	OnError func(error)
}

// Middleware returns next unchanged when no store or rate is configured.
func (p PerClient) Middleware(next http.Handler) http.Handler {
	if p.Store == nil || p.Rate.Limit <= 0 || p.Rate.Period <= 0 {
		return next
	}
	key := p.Key
	if key == nil {
		key = common.ClientIP
	}
	mw := stdlib.NewMiddleware(limiter.New(p.Store, p.Rate),
		stdlib.WithKeyGetter(key),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			if p.OnError != nil {
				p.OnError(err)
			}
			next.ServeHTTP(w, r)
		}),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
		}),
	)
	return mw.Handler(next)
}
