package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Allocation handlers store the
// issued number under "ticket_number", which is copied onto the span.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("rastro/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withRequestBaggage(ctx, obscontext.RequestIDFromContext(ctx))

		ctx, span := tracer.Start(ctx, spanName(c.Request.Method, ""),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(requestAttributes(c)...),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		status := c.Writer.Status()
		span.SetName(spanName(c.Request.Method, route))
		span.SetAttributes(SafeAttributes(
			attribute.String("http.route", routeOrUnknown(route)),
			attribute.Int("http.status_code", status),
		)...)
		if ticket := c.GetInt64("ticket_number"); ticket > 0 {
			span.SetAttributes(attribute.Int64("ticket.number", ticket))
		}

		switch {
		case status == http.StatusConflict || status == http.StatusTooManyRequests:
			// retryable; the caller backs off
			span.AddEvent("request.retryable", trace.WithAttributes(
				attribute.String("retry_after", c.Writer.Header().Get("Retry-After")),
			))
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func requestAttributes(c *gin.Context) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("http.method", c.Request.Method)}
	if locationID := strings.TrimSpace(c.Param("location_id")); locationID != "" {
		attrs = append(attrs, attribute.String("location.id", locationID))
	}
	return SafeAttributes(attrs...)
}

func withRequestBaggage(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

func spanName(method, route string) string {
	name := "HTTP " + strings.ToUpper(method)
	if route != "" {
		name += " " + route
	}
	return name
}

func routeOrUnknown(route string) string {
	if strings.TrimSpace(route) == "" {
		return "unknown"
	}
	return route
}
