// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the tracer provider bootstrap.

package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_InstallsGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	// The exporter dials lazily, so no collector needs to listen.
	shutdown, err := Init(context.Background(), Config{
		Endpoint: "localhost:0",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Init returned nil shutdown")
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider is %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	// Nothing was exported; shutdown must still return promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown(ctx)
}
