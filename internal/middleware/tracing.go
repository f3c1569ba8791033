package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type tracingMiddleware struct {
	Base
	tracer       trace.Tracer
	createSpans  bool
	nameTemplate string
	attributes   map[string]string
}

type tracingSpanKey struct{}

func buildTracing(name string, config map[string]any, deps Deps) (Middleware, error) {
	return &tracingMiddleware{
		Base:         NewBase(name),
		tracer:       deps.Tracer,
		createSpans:  boolOpt(config, "create_spans", true),
		nameTemplate: stringOpt(config, "span_name_template", "proxy.request"),
		attributes:   stringMapOpt(config, "span_attributes"),
	}, nil
}

func (m *tracingMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	if !m.createSpans || m.tracer == nil {
		return ctx, PreResult{Verdict: Continue}
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.method", r.Method),
		attribute.String("http.path", r.URL.Path),
	}
	for k, v := range m.attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	ctx, span := m.tracer.Start(ctx, m.nameTemplate, trace.WithAttributes(attrs...))
	ctx = context.WithValue(ctx, tracingSpanKey{}, span)
	return ctx, PreResult{Verdict: Continue}
}

func (m *tracingMiddleware) PostResponse(ctx context.Context, _ *http.Request, resp *http.Response) *http.Response {
	span, ok := ctx.Value(tracingSpanKey{}).(trace.Span)
	if !ok {
		return resp
	}
	if resp != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	span.End()
	return resp
}

func (m *tracingMiddleware) OnError(ctx context.Context, _ *http.Request, err error) *ShortCircuitResponse {
	if span, ok := ctx.Value(tracingSpanKey{}).(trace.Span); ok {
		span.RecordError(err)
		span.End()
	}
	return nil
}
