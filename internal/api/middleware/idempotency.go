package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// KeyLocker claims a key for a bounded time. The Redis and Postgres
// idempotency stores both satisfy it.
type KeyLocker interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Exclusive lets one request per key through at a time. A concurrent request
// for the same key gets 409; a store failure gets 503 so the caller retries.
func Exclusive(locker KeyLocker, ttl time.Duration, keyFn func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			acquired, err := locker.Reserve(ctx, key, ttl)
			if err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "lock store unavailable")
				return
			}
			if !acquired {
				w.Header().Set("X-Idempotency-Hit", "true")
				writeStatus(w, http.StatusConflict, "request already in progress")
				return
			}
			defer func() {
				_ = locker.Release(context.WithoutCancel(ctx), key)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
