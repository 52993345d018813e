package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/careledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Surfaces group routes by who calls them.
const (
	SurfaceAPI     = "api"
	SurfaceAdmin   = "admin"
	SurfaceWebhook = "webhook"
)

type MiddlewareConfig struct {
	// UntracedRoutes are gin route patterns, e.g. "/health".
	UntracedRoutes []string
}

// GinMiddleware opens a server span per request, tagged with the careledger
// surface and the entity the route addresses.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	tracer := otel.Tracer("careledger/http")
	skip := make(map[string]struct{}, len(cfg.UntracedRoutes))
	for _, route := range cfg.UntracedRoutes {
		skip[strings.TrimSpace(route)] = struct{}{}
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := skip[route]; ok {
			c.Next()
			return
		}
		if route == "" {
			route = "unknown"
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.String("careledger.surface", RouteSurface(route)),
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, attribute.String("careledger.entity_id", id))
		}
		if provider := c.Param("provider"); provider != "" {
			attrs = append(attrs, attribute.String("careledger.payment_provider", provider))
		}
		if task := c.Param("name"); task != "" {
			attrs = append(attrs, attribute.String("careledger.task", task))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// RouteSurface classifies a gin route pattern.
func RouteSurface(route string) string {
	switch {
	case strings.HasPrefix(route, "/admin"):
		return SurfaceAdmin
	case strings.Contains(route, "/webhooks/"):
		return SurfaceWebhook
	default:
		return SurfaceAPI
	}
}
