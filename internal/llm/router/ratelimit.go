package router

import (
	"context"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/ratelimit"
)

// RateLimitUnary builds a UnaryMiddleware that pre-charges a unary
// completion's estimated cost before dispatching and reconciles it against
// the actual usage afterward, per spec §4.6/§9: pre-charge
// input_tokens + max_tokens, reconcile by
// (actual_completion_tokens - max_tokens) once the real usage is known.
// Resolution follows ratelimit.ResolveLLM's four-level hierarchy; a request
// for a provider/model with no configured rate limit at any level is
// admitted unconditionally.
func RateLimitUnary(cfg config.LLMConfig, limiter *ratelimit.Limiter) UnaryMiddleware {
	return func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req model.Request) (*model.Response, error) {
			alias, modelAlias, pcfg, mcfg, err := resolve(cfg, req)
			if err != nil {
				return nil, err
			}
			rule, ok := ratelimit.ResolveLLM(pcfg, mcfg, alias, modelAlias, requestGroup(ctx))
			if !ok {
				return next(ctx, req)
			}
			maxTokens := effectiveMaxTokens(req)
			precharge := int64(model.EstimateRequestTokens(req) + maxTokens)
			if err := limiter.Charge(ctx, rule, precharge); err != nil {
				return nil, err
			}
			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.Usage != nil {
				delta := int64(resp.Usage.CompletionTokens - maxTokens)
				_ = limiter.Reconcile(ctx, rule, delta)
			}
			return resp, nil
		}
	}
}

// RateLimitStream is RateLimitUnary's streaming counterpart. The pre-charge
// happens before the stream opens; reconciliation happens once the
// terminal chunk's usage is observed (or never, if the upstream omits
// usage on the final chunk, in which case the pre-charge estimate stands).
func RateLimitStream(cfg config.LLMConfig, limiter *ratelimit.Limiter) StreamMiddleware {
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req model.Request, send func(model.Chunk) error) error {
			alias, modelAlias, pcfg, mcfg, err := resolve(cfg, req)
			if err != nil {
				return err
			}
			rule, ok := ratelimit.ResolveLLM(pcfg, mcfg, alias, modelAlias, requestGroup(ctx))
			if !ok {
				return next(ctx, req, send)
			}
			maxTokens := effectiveMaxTokens(req)
			precharge := int64(model.EstimateRequestTokens(req) + maxTokens)
			if err := limiter.Charge(ctx, rule, precharge); err != nil {
				return err
			}
			reconciled := false
			wrapped := func(chunk model.Chunk) error {
				if !reconciled && chunk.Usage != nil {
					reconciled = true
					delta := int64(chunk.Usage.CompletionTokens - maxTokens)
					_ = limiter.Reconcile(ctx, rule, delta)
				}
				return send(chunk)
			}
			return next(ctx, req, wrapped)
		}
	}
}

func requestGroup(ctx context.Context) string {
	meta := RequestMetaFromContext(ctx)
	if meta.Group != "" {
		return meta.Group
	}
	return meta.Identity.GroupID
}

func effectiveMaxTokens(req model.Request) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return 0
}
