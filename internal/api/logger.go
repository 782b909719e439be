package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type contextKey string

const subjectKey contextKey = "subject"

// requestSubject is filled in by the auth middleware further down the chain
// so the request line can name the caller.
type requestSubject struct {
	value string
}

func setSubject(ctx context.Context, subject string) {
	if slot, ok := ctx.Value(subjectKey).(*requestSubject); ok {
		slot.value = subject
	}
}

// RequestLogger logs one line per request with its status, latency and, for
// authenticated routes, the token subject.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			subject := &requestSubject{}

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := logger.Info()
			if status >= http.StatusInternalServerError {
				evt = logger.Error()
			}

			evt.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("remote_ip", r.RemoteAddr).
				Str("subject", subject.value).
				Msg("request")
		})
	}
}
