package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fluxfoundry/emergy-simulator/cmd/emergy-sim"

// startSpan starts a span for a named stage of a command, tagging it
// with the file it operates on.
func startSpan(ctx context.Context, name, path string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	if path != "" {
		attrs = append(attrs, attribute.String("file", path))
	}
	attrs = append(attrs, extra...)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
