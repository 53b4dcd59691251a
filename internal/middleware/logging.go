package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/matt-riley/flightz/internal/tracking"
)

type logContextKey string

const loggerKey logContextKey = "logger"

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestObserver receives one observation per completed HTTP request.
// *metrics.Metrics satisfies it.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, status int, elapsed time.Duration)
}

// LoggingOption configures HTTPRequestLogging.
type LoggingOption func(*loggingConfig)

type loggingConfig struct {
	observer RequestObserver
}

// WithRequestObserver forwards each completed request to the observer.
// The route label is the matched [http.ServeMux] pattern when the request
// reached one, else the raw path.
func WithRequestObserver(o RequestObserver) LoggingOption {
	return func(c *loggingConfig) { c.observer = o }
}

// HTTPRequestLogging returns middleware that resolves tracking IDs from the
// X-Correlation-Id and X-Transaction-Id request headers (generating any that
// are missing), echoes them on the response, and logs each request with
// method, path, status code, and duration.
func HTTPRequestLogging(logger *slog.Logger, opts ...LoggingOption) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := loggingConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ids := tracking.IDs{
				CorrelationID: r.Header.Get("X-Correlation-Id"),
				TransactionID: r.Header.Get("X-Transaction-Id"),
			}.Ensure()
			reqLogger := logger.With(
				slog.String("correlation_id", ids.CorrelationID),
				slog.String("transaction_id", ids.TransactionID),
			)

			ctx := tracking.WithContext(r.Context(), ids)
			ctx = context.WithValue(ctx, loggerKey, reqLogger)

			w.Header().Set("X-Correlation-Id", ids.CorrelationID)
			w.Header().Set("X-Transaction-Id", ids.TransactionID)

			reqLogger.InfoContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			r = r.WithContext(ctx)
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start)

			reqLogger.InfoContext(ctx, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
			)
			if cfg.observer != nil {
				// ServeMux stamps the matched pattern on the request it routes.
				route := r.Pattern
				if route == "" {
					route = r.URL.Path
				}
				cfg.observer.ObserveHTTPRequest(r.Method, route, wrapped.statusCode, duration)
			}
		})
	}
}
