package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/lessonreel/backend/internal/logging"
	"github.com/lessonreel/backend/internal/metrics"
)

// RequestIDHeader carries the request identifier in both directions.
const RequestIDHeader = "X-Request-ID"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// statusRecorder remembers the first status written and the body size.
type statusRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.code != 0 {
		return
	}
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.code == 0 {
		sr.code = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.written += int64(n)
	return n, err
}

func (sr *statusRecorder) statusCode() int {
	if sr.code == 0 {
		return http.StatusOK
	}
	return sr.code
}

// RequestLogger attaches a request id, a scoped logger and a Sentry hub to the
// request context, logs one line per request, and turns panics into 500s.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := inboundRequestID(r)
			w.Header().Set(RequestIDHeader, requestID)

			logger := base.With(
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("client_ip", logging.ClientIPFromContext(r.Context())),
			)

			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetRequest(r)
			hub.Scope().SetTag("request_id", requestID)

			ctx := logging.WithRequestID(logging.WithLogger(r.Context(), logger), requestID)
			inner := r.WithContext(sentry.SetHubOnContext(ctx, hub))
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				if p := recover(); p != nil {
					err, ok := p.(error)
					if !ok {
						err = fmt.Errorf("panic: %v", p)
					}
					logger.Error("handler panicked", "error", err)
					hub.CaptureException(err)
					if rec.code == 0 {
						http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}

				route := inner.Pattern
				if route == "" {
					route = "unmatched"
				}
				elapsed := time.Since(start)
				metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(rec.statusCode())).Observe(elapsed.Seconds())
				logger.Info("request completed",
					slog.String("route", route),
					slog.Int("status", rec.statusCode()),
					slog.Int64("bytes", rec.written),
					slog.Duration("duration", elapsed),
				)
			}()

			next.ServeHTTP(rec, inner)
		})
	}
}

func inboundRequestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); validRequestID.MatchString(id) {
		return id
	}
	return uuid.NewString()
}
