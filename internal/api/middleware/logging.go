// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"time"

	"github.com/waitline/waitline/internal/log"
)

// Logging returns a middleware that emits one structured access log entry
// per request, carrying the request id set by RequestID.
func Logging() func(http.Handler) http.Handler {
	logger := log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, r)

			evt := logger.Info()
			if sw.statusCode >= 500 {
				evt = logger.Error()
			} else if sw.statusCode >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.statusCode).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
				Msg("request")
		})
	}
}
