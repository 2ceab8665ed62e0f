package tracing

import (
	"context"
	"testing"
)

func TestInitDisabledReturnsUsableNoOpTracer(t *testing.T) {
	p, err := Init(context.Background(), false, "", nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer() == nil {
		t.Fatal("expected a non-nil tracer even with telemetry disabled")
	}

	ctx, span := p.StartSpan(context.Background(), "test-span")
	if ctx == nil || span == nil {
		t.Fatal("expected StartSpan to return a usable context and span")
	}
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on disabled provider should be a no-op: %v", err)
	}
}

func TestInitEnabledBuildsExportingProvider(t *testing.T) {
	p, err := Init(context.Background(), true, "localhost:4318", nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer() == nil {
		t.Fatal("expected a non-nil tracer with telemetry enabled")
	}
}
