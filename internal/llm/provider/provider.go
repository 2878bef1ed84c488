// Package provider defines the common adapter contract (C8) that every
// per-vendor translator implements: canonical request in, wire request out;
// wire response in, canonical response out; per spec §4.5.
package provider

import (
	"context"
	"net/http"

	"github.com/nexusgate/gateway/internal/llm/model"
)

// Streamer yields canonical chunks translated from an upstream's native
// stream, one wire event at a time. Next returns io.EOF once the upstream
// stream is exhausted and the terminal chunk has already been delivered.
type Streamer interface {
	Next(ctx context.Context) (*model.Chunk, error)
	Close() error
}

// Client is the adapter contract a provider kind (openai, anthropic, google,
// bedrock) implements. ListModels returns the canonical model listing for
// the upstream this client is bound to.
type Client interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
	Stream(ctx context.Context, req model.Request) (Streamer, error)
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
}

type headersKey struct{}

// WithHeaders attaches the outbound headers the header-rule engine (C2)
// built for this request (applied provider rules then model rules, per
// spec §4.2), so an adapter can forward them onto the upstream call where
// the underlying transport allows extra headers per request. Bedrock's
// SigV4-signed requests are the one provider kind that cannot honor this
// (see DESIGN.md); every other adapter merges it in.
func WithHeaders(ctx context.Context, h http.Header) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return context.WithValue(ctx, headersKey{}, h)
}

// HeadersFromContext returns the headers attached by WithHeaders, or nil.
func HeadersFromContext(ctx context.Context) http.Header {
	h, _ := ctx.Value(headersKey{}).(http.Header)
	return h
}

// StopReasonMap looks up a canonical FinishReason for a wire stop string,
// falling back to model.FinishOther when the upstream value is not in the
// table. Shared by every adapter's stop-reason translation per spec §4.5.
func StopReasonMap(table map[string]model.FinishReason, wire string) model.FinishReason {
	if fr, ok := table[wire]; ok {
		return fr
	}
	return model.FinishOther(wire)
}
