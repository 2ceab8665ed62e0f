// Package tracing wires OpenTelemetry spans for AgentSession and
// ChannelBridge operations. Export is opt-in: with telemetry disabled (the
// default), Init returns a no-op tracer so call sites never need a nil
// check.
//
// The upstream project gates its own OTel export behind a build tag
// ('-tags otel') rather than shipping the exporter unconditionally; this
// package keeps that export optional too, but as a runtime config switch
// instead of a build tag, since the daemon is expected to ship one binary
// covering both modes.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "goclawd"

// Provider wraps the process-wide tracer provider so callers have one place
// to get a Tracer and one place to shut export down cleanly.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	log    *slog.Logger
}

// Init sets up span export. When enabled is false, the returned Provider's
// Tracer still works but every span is a no-op (and nothing is exported),
// so instrumented code does not need to special-case the disabled path.
func Init(ctx context.Context, enabled bool, otlpEndpoint string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	if !enabled {
		tracer := otel.Tracer(serviceName)
		return &Provider{tracer: tracer, log: log}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(5 * time.Second)}
	if otlpEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(otlpEndpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp http exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(serviceName), log: log}, nil
}

// Tracer returns the shared tracer. Safe to call regardless of whether
// export is enabled.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops export. A no-op when telemetry was disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		p.log.Warn("tracing: shutdown failed", "err", err)
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// StartSpan is a thin convenience wrapper over tracer.Start, matching the
// call shape used across agentsession and channelbridge.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, attrs...)
}
