package httpserver

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	"github.com/ncecere/open_model_server/internal/observability"
)

// observe records one request metric per call and, when tracing is
// configured, wraps the handler in a server span. Streaming responses are
// measured up to the first byte; their body is written after the handler.
func observe(provider *observability.Provider) fiber.Handler {
	var tracer trace.Tracer
	if provider.TracerProvider() != nil {
		tracer = otel.Tracer("modeld/http")
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()

		var span trace.Span
		if tracer != nil {
			ctx := c.UserContext()
			ctx, span = tracer.Start(ctx, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
			c.SetUserContext(ctx)
		}

		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = httputil.StatusFor(err)
		}
		route := routePattern(c)
		provider.RecordHTTPRequest(c.UserContext(), c.Method(), route, status, time.Since(start))

		if span != nil {
			span.SetAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case status >= fiber.StatusInternalServerError:
				span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
			}
			span.End()
		}
		return err
	}
}

// routePattern prefers the registered pattern so path parameters do not
// multiply metric series.
func routePattern(c *fiber.Ctx) string {
	if r := c.Route(); r != nil && r.Path != "" {
		return r.Path
	}
	return c.Path()
}
