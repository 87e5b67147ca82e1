// Package middleware holds HTTP middleware shared across the router.
package middleware

import (
	"net/http"
	"time"

	"mailbridge/internal/auth"
	"mailbridge/internal/common/logging"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logging logs every request with method, path, status and duration. Query
// strings are omitted: OAuth callbacks carry codes and state tokens there.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := []logging.Field{
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", wrapped.statusCode),
			logging.Duration("duration", time.Since(start)),
			logging.String("remote_addr", r.RemoteAddr),
		}
		if userID, ok := auth.UserIDFromContext(r.Context()); ok {
			fields = append(fields, logging.String("user_id", userID))
		}

		if wrapped.statusCode >= http.StatusInternalServerError {
			logging.Warn("request completed with server error", fields...)
		} else {
			logging.Info("request completed", fields...)
		}
	})
}
