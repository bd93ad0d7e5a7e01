package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/veritas-lab/veritas/internal/model"
)

// KeyFunc extracts the rate limit key from a request. Returning "" skips
// rate limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces the limiter. Limiter
// errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				allowed = true
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(model.APIError{
					Detail: model.ErrorDetail{
						Code:    model.ErrCodeRateLimited,
						Message: "too many requests",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc extracts the client IP from RemoteAddr. X-Forwarded-For is not
// trusted because any client can set it to bypass limiting; a trusted
// reverse proxy should rewrite RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
