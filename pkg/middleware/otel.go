package middleware

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/duplex-ws/duplex/pkg/router"
)

// Default tracer name for duplex applications.
const defaultTracerName = "duplex"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "duplex").
	TracerName string

	// IncludeUserID includes the session user in spans if available.
	// May contain sensitive information - disabled by default.
	IncludeUserID bool

	// Filter determines which frames to trace. Return true to trace.
	// If nil, all frames are traced.
	Filter func(ctx router.Ctx) bool

	// AttributeExtractor extracts custom attributes per frame.
	AttributeExtractor func(ctx router.Ctx) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) { c.TracerName = name }
}

// WithIncludeUserID enables including the session user in spans.
func WithIncludeUserID(include bool) OTelOption {
	return func(c *OTelConfig) { c.IncludeUserID = include }
}

// WithFrameFilter sets a filter function for frames.
func WithFrameFilter(filter func(ctx router.Ctx) bool) OTelOption {
	return func(c *OTelConfig) { c.Filter = filter }
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ctx router.Ctx) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) { c.AttributeExtractor = extractor }
}

// OpenTelemetry creates middleware that opens one span per dispatched
// frame, records the endpoint, method, and path as attributes, and
// marks the span as errored when the handler fails.
func OpenTelemetry(opts ...OTelOption) router.Middleware {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(ctx router.Ctx, req *router.Request, next router.Next) (any, error) {
		if config.Filter != nil && !config.Filter(ctx) {
			return next()
		}

		spanCtx, span := config.tracer.Start(ctx.Context(), "ws.dispatch",
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		_ = spanCtx

		attrs := []attribute.KeyValue{
			attribute.String("ws.endpoint", ctx.Endpoint()),
			attribute.String("ws.method", string(ctx.Method())),
			attribute.String("ws.path", ctx.URL()),
		}
		if req.ID != "" {
			attrs = append(attrs, attribute.String("ws.correlation_id", req.ID))
		}
		if config.IncludeUserID {
			if sess := ctx.Session(); sess != nil {
				attrs = append(attrs, attribute.String("ws.user", sess.UserID()))
			}
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(ctx)...)
		}
		span.SetAttributes(attrs...)

		result, err := next()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
