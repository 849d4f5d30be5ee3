package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
)

type rawBodyKey struct{}

// RawBody reads the request body once, before anything decodes it, and keeps
// the exact bytes in the request context for signature verification.
func RawBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeStatus(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeStatus(w, http.StatusBadRequest, "unreadable request body")
				return
			}

			ctx := context.WithValue(r.Context(), rawBodyKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RawBodyFromContext returns the bytes captured by RawBody.
func RawBodyFromContext(ctx context.Context) []byte {
	body, _ := ctx.Value(rawBodyKey{}).([]byte)
	return body
}
