package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/simulacra/terraingrid/internal/logging"
	"github.com/simulacra/terraingrid/internal/telemetry"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging attaches a request id to the context, logs method/path/status at
// request completion, and records the request in m (m may be nil).
func Logging(l *zerolog.Logger, m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = logging.NewID()
			}
			w.Header().Set("X-Request-ID", reqID)

			ctx := logging.WithRequestID(r.Context(), reqID)
			ctx = logging.WithComponent(ctx, "http")
			r = r.WithContext(ctx)

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			duration := time.Since(start)

			logging.FromContext(ctx, l).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.code).
				Dur("duration", duration).
				Msg("http request")

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			m.ObserveHTTP(route, r.Method, strconv.Itoa(sw.code), duration)
		}
		return http.HandlerFunc(fn)
	}
}

// Recover converts a panic in a downstream handler into a 500 response
// instead of tearing down the listener goroutine.
func Recover(l *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l.Error().Interface("panic", rec).Msg("http handler panic recovered")
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
