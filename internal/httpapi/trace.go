package httpapi

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexusgate/gateway/internal/telemetry"
)

// traceMiddleware bridges the inbound trace context per spec §6: W3C
// traceparent takes priority over AWS X-Ray's x-amzn-trace-id when both are
// present. traceparent is extracted with otel's W3C TraceContext
// propagator; x-amzn-trace-id has no propagator in this module's
// dependency set (the AWS SDK itself carries none), so its narrower
// Root/Parent/Sampled format is parsed by hand into a remote SpanContext.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		switch {
		case r.Header.Get("traceparent") != "":
			ctx = propagation.TraceContext{}.Extract(ctx, propagation.HeaderCarrier(r.Header))
		case r.Header.Get("x-amzn-trace-id") != "":
			if sc, ok := parseXRayTraceID(r.Header.Get("x-amzn-trace-id")); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestSpanMiddleware opens a span for the request and closes it once the
// handler returns, per spec §2's request-flow step "C7 opens a span ... C7
// closes the span". A 5xx response marks the span as errored.
func requestSpanMiddleware(tracer telemetry.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()

			sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush delegates to the wrapped writer so SSE streaming (which type-asserts
// http.Flusher) still works through this wrapper.
func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// parseXRayTraceID parses the X-Ray header format
// "Root=1-<8 hex>-<24 hex>;Parent=<16 hex>;Sampled=0|1" into a SpanContext.
// The Root segments concatenate to a 32-hex W3C trace id; Parent is already
// a 16-hex span id; Sampled maps directly to the W3C sampled flag.
func parseXRayTraceID(header string) (trace.SpanContext, bool) {
	fields := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}

	root := fields["Root"]
	rootParts := strings.Split(root, "-")
	if len(rootParts) != 3 || len(rootParts[1]) != 8 || len(rootParts[2]) != 24 {
		return trace.SpanContext{}, false
	}
	traceIDHex := rootParts[1] + rootParts[2]
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return trace.SpanContext{}, false
	}

	var spanID trace.SpanID
	if parent := fields["Parent"]; parent != "" {
		if len(parent) != 16 {
			return trace.SpanContext{}, false
		}
		spanID, err = trace.SpanIDFromHex(parent)
		if err != nil {
			return trace.SpanContext{}, false
		}
	}

	flags := trace.TraceFlags(0)
	if fields["Sampled"] == "1" {
		flags = trace.FlagsSampled
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}
