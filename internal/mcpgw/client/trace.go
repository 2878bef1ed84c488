package client

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

// injectTraceHeaders carries the active span across an HTTP-transport MCP
// call as a W3C traceparent header. Adapted from the teacher's
// runtime/mcp/trace.go.
func injectTraceHeaders(ctx context.Context, header http.Header) {
	if ctx == nil || header == nil {
		return
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(header))
}

// addTraceMeta carries the active span across a stdio-transport MCP call,
// which has no HTTP headers to ride on, by attaching a _meta field to the
// request params (W3C traceparent). Adapted from the teacher's
// runtime/mcp/trace.go.
func addTraceMeta(ctx context.Context, params map[string]any) {
	if ctx == nil || params == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	meta := make(map[string]string, len(carrier))
	for k, v := range carrier {
		meta[k] = v
	}
	params["_meta"] = meta
}
