package ratelimit

import (
	"net"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/visao-labs/visao/internal/metrics"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by remote address. Run it after a RealIP middleware
// when the service sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests with 429 once the key's bucket is empty.
func Middleware(store *Store, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.Allow(key(r)) {
				metrics.RateLimitRejections.WithLabelValues("client").Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"type":    "rate_limited",
						"message": "Too many requests. Please wait a moment and try again.",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
