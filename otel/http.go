package otel

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// StartHTTPSpan starts a client span named HTTP.<client>.<operation>. The
// returned finish function records the outcome and ends the span.
func StartHTTPSpan(ctx context.Context, tracerName, client, operation, method, url string) (context.Context, func(statusCode int, err error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx,
		fmt.Sprintf("HTTP.%s.%s", client, operation),
		trace.WithSpanKind(trace.SpanKindClient),
	)

	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLFull(url),
		attribute.String("peer.service", client),
	)

	return ctx, func(statusCode int, err error) {
		defer span.End()

		if statusCode > 0 {
			span.SetAttributes(semconv.HTTPResponseStatusCode(statusCode))
		}

		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case statusCode >= 400:
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
		default:
			span.SetStatus(codes.Ok, "")
		}
	}
}

// InjectTraceHeaders adds the W3C trace context of ctx to headers, creating
// the map if needed.
func InjectTraceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = map[string]string{}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// WithTraceHeaders is a resty request middleware propagating the request
// context's trace.
func WithTraceHeaders(_ *resty.Client, r *resty.Request) error {
	for k, v := range InjectTraceHeaders(r.Context(), nil) {
		r.SetHeader(k, v)
	}
	return nil
}
