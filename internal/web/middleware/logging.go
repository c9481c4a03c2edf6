package middleware

import (
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-recognizer/internal/logger"
)

// RequestLogger logs one line per request with status and latency.
// Server errors log at error level, client errors at warn.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := logger.Fields{
				"request_id":    chiMiddleware.GetReqID(r.Context()),
				"method":        r.Method,
				"path":          r.URL.Path,
				"status":        status,
				"latency_ms":    time.Since(start).Milliseconds(),
				"ip":            r.RemoteAddr,
				"user_agent":    r.UserAgent(),
				"response_size": ww.BytesWritten(),
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.Error(fields, "server error")
			case status >= http.StatusBadRequest:
				logger.Warn(fields, "client error")
			default:
				logger.Info(fields, "request")
			}
		})
	}
}
