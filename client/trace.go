package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Neoteroi/BlackSheep-sub001/client"

// TracingMiddleware opens a client span per attempt and injects W3C
// trace context headers. Without an OpenTelemetry SDK installed, the
// tracer is a no-op and nothing is injected.
func TracingMiddleware() Middleware {
	tracer := otel.Tracer(tracerName)
	prop := propagation.TraceContext{}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			ctx, span := tracer.Start(ctx, req.Method,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("url.full", req.URL.String()),
				))
			defer span.End()
			prop.Inject(ctx, headerCarrier{h: &req.Header})
			resp, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
			if resp.Status >= 500 {
				span.SetStatus(codes.Error, resp.Reason)
			}
			return resp, nil
		}
	}
}

// headerCarrier adapts Header to the propagation interface.
type headerCarrier struct{ h *Header }

func (c headerCarrier) Get(key string) string { return c.h.Get(key) }

func (c headerCarrier) Set(key, value string) { c.h.Set(key, value) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, c.h.Len())
	c.h.Each(func(name, _ string) { keys = append(keys, name) })
	return keys
}
