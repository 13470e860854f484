package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// Span times one step of a request. Steps share the request's trace id, which
// defaults to the request id so logs line up with X-Request-ID.
type Span struct {
	name   string
	logger *slog.Logger
	hub    *sentry.Hub
	start  time.Time
}

// StartSpan derives a child span from ctx and returns a context whose logger
// carries the trace and span ids.
func StartSpan(ctx context.Context, name string, attrs ...slog.Attr) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := FromContext(ctx)

	if TraceIDFromContext(ctx) == "" {
		traceID := RequestIDFromContext(ctx)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx = WithTraceID(ctx, traceID)
		logger = logger.With(slog.String("trace_id", traceID))
	}

	parentSpanID := SpanIDFromContext(ctx)
	spanID := uuid.NewString()

	args := []any{slog.String("span_id", spanID), slog.String("span_name", name)}
	if parentSpanID != "" {
		args = append(args, slog.String("parent_span_id", parentSpanID))
	}
	for _, attr := range attrs {
		args = append(args, attr)
	}
	logger = logger.With(args...)

	ctx = WithLogger(ctx, logger)
	ctx = WithSpanID(ctx, spanID)

	return ctx, &Span{
		name:   name,
		logger: logger,
		hub:    sentry.GetHubFromContext(ctx),
		start:  time.Now(),
	}
}

// End emits the completion entry. A non-nil err is logged at info level and
// left as a breadcrumb on the request's Sentry hub.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	elapsed := time.Since(s.start)

	if err == nil {
		s.logger.Debug("span completed", slog.Duration("duration", elapsed))
		return
	}

	s.logger.Info("span failed", slog.Duration("duration", elapsed), slog.Any("error", err))
	if s.hub != nil {
		s.hub.AddBreadcrumb(&sentry.Breadcrumb{
			Category: "span",
			Message:  s.name + ": " + err.Error(),
			Level:    sentry.LevelWarning,
		}, nil)
	}
}
