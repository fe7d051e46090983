package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/umbrix/backend/internal/multitenancy"
)

// RateLimit enforces a sliding-window request budget per tenant. Requests
// that reach this middleware unauthenticated (public endpoints, failed
// handshakes) fall back to the client IP so one host cannot starve the
// anonymous budget either.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 300
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(tenantKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"RATE_LIMITED","message":"request budget exhausted","statusCode":429}`))
		}),
	)
}

func tenantKey(r *http.Request) (string, error) {
	if org, err := multitenancy.GetOrganizationID(r.Context()); err == nil {
		return "org:" + org, nil
	}
	return httprate.KeyByRealIP(r)
}
