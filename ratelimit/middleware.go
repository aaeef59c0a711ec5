package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
)

// KeyFunc derives the limiter key of a request.
type KeyFunc func(r *http.Request) string

// ClientIPKey keys requests as "<action>:<client ip>".
func ClientIPKey(action string) KeyFunc {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || host == "" {
			host = r.RemoteAddr
		}
		if host == "" {
			host = "unknown"
		}
		return action + ":" + host
	}
}

type rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// Middleware answers 429 with a Retry-After header once a key has used up its window.
func Middleware(limiter *Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter.Attempt(r.Context(), key) {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int64(limiter.AvailableIn(r.Context(), key).Seconds())
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejection{
				Error:      "Rate limit exceeded",
				Message:    "Too many requests. Please try again later.",
				RetryAfter: retryAfter,
			})
		})
	}
}
