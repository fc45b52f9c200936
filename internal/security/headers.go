package security

import (
	"net/http"
	"strconv"
	"strings"
)

// Headers configures the security headers added to checkout responses.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	// PaymentOrigins are extra origins allowed to call the browser Payment
	// Request API next to our own.
	PaymentOrigins []string
}

// Middleware attaches the headers to each response. Responses carry payment
// state, so they are never cacheable.
func (h Headers) Middleware(next http.Handler) http.Handler {
	policy := h.permissionsPolicy()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Enable {
			next.ServeHTTP(w, r)
			return
		}
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Permissions-Policy", policy)
		headers.Set("Cache-Control", "no-store")
		if h.EnableHSTS && r.TLS != nil {
			maxAge := h.HSTSMaxAge
			if maxAge <= 0 {
				maxAge = 31536000
			}
			value := "max-age=" + strconv.Itoa(maxAge)
			if h.HSTSIncludeSubdomains {
				value += "; includeSubDomains"
			}
			headers.Set("Strict-Transport-Security", value)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) permissionsPolicy() string {
	allow := []string{"self"}
	for _, origin := range h.PaymentOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allow = append(allow, strconv.Quote(origin))
		}
	}
	return "geolocation=(), microphone=(), camera=(), payment=(" + strings.Join(allow, " ") + ")"
}
