// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry helpers. Exporter wiring is left
// to the environment; with no SDK configured the no-op global provider is
// used and spans cost nothing.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// HTTPAttributes builds the span attributes for one HTTP server request.
func HTTPAttributes(method, path string, status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", status))
	}
	return attrs
}
