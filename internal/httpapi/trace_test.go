package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexusgate/gateway/internal/telemetry"
)

// fakeTracer/fakeSpan record Start/End/SetStatus calls so tests can assert
// requestSpanMiddleware actually opens and closes a span per request.
type fakeTracer struct {
	started []string
	spans   []*fakeSpan
}

func (f *fakeTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	f.started = append(f.started, name)
	s := &fakeSpan{}
	f.spans = append(f.spans, s)
	return ctx, s
}
func (f *fakeTracer) Span(ctx context.Context) telemetry.Span { return &fakeSpan{} }

type fakeSpan struct {
	ended    bool
	status   otelcodes.Code
	statusOK bool
}

func (s *fakeSpan) End(opts ...trace.SpanEndOption)         { s.ended = true }
func (s *fakeSpan) AddEvent(name string, attrs ...any)      {}
func (s *fakeSpan) SetStatus(code otelcodes.Code, desc string) {
	s.status = code
	s.statusOK = true
}
func (s *fakeSpan) RecordError(err error, opts ...trace.EventOption) {}

func TestParseXRayTraceID(t *testing.T) {
	sc, ok := parseXRayTraceID("Root=1-5e1b4151-5ac6c51a6b11e3a9a9e4f33f;Parent=53995c3f42cd8ad8;Sampled=1")
	require.True(t, ok)
	assert.True(t, sc.IsValid())
	assert.Equal(t, "5e1b41515ac6c51a6b11e3a9a9e4f33f", sc.TraceID().String())
	assert.Equal(t, "53995c3f42cd8ad8", sc.SpanID().String())
	assert.True(t, sc.IsSampled())
}

func TestParseXRayTraceIDDefaultsParent(t *testing.T) {
	sc, ok := parseXRayTraceID("Root=1-5e1b4151-5ac6c51a6b11e3a9a9e4f33f")
	require.True(t, ok)
	assert.Equal(t, "0000000000000000", sc.SpanID().String())
	assert.False(t, sc.IsSampled())
}

func TestParseXRayTraceIDRejectsMalformed(t *testing.T) {
	_, ok := parseXRayTraceID("Root=not-a-valid-root")
	assert.False(t, ok)
}

func TestTraceMiddlewarePrefersW3COverXRay(t *testing.T) {
	var captured trace.SpanContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = trace.SpanContextFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	req.Header.Set("x-amzn-trace-id", "Root=1-5e1b4151-5ac6c51a6b11e3a9a9e4f33f;Parent=53995c3f42cd8ad8;Sampled=1")
	rec := httptest.NewRecorder()

	traceMiddleware(next).ServeHTTP(rec, req)

	require.True(t, captured.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", captured.TraceID().String())
}

func TestTraceMiddlewareFallsBackToXRay(t *testing.T) {
	var captured trace.SpanContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = trace.SpanContextFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("x-amzn-trace-id", "Root=1-5e1b4151-5ac6c51a6b11e3a9a9e4f33f;Parent=53995c3f42cd8ad8;Sampled=1")
	rec := httptest.NewRecorder()

	traceMiddleware(next).ServeHTTP(rec, req)

	require.True(t, captured.IsValid())
	assert.Equal(t, "5e1b41515ac6c51a6b11e3a9a9e4f33f", captured.TraceID().String())
}

func TestRequestSpanMiddlewareOpensAndClosesSpan(t *testing.T) {
	tracer := &fakeTracer{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/llm/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	requestSpanMiddleware(tracer)(next).ServeHTTP(rec, req)

	require.Len(t, tracer.spans, 1)
	assert.True(t, tracer.spans[0].ended)
	assert.False(t, tracer.spans[0].statusOK, "2xx response must not mark the span as errored")
}

func TestRequestSpanMiddlewareMarksServerErrorStatus(t *testing.T) {
	tracer := &fakeTracer{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodPost, "/llm/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	requestSpanMiddleware(tracer)(next).ServeHTTP(rec, req)

	require.Len(t, tracer.spans, 1)
	assert.True(t, tracer.spans[0].statusOK)
	assert.Equal(t, otelcodes.Error, tracer.spans[0].status)
}
