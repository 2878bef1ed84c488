// Package router implements C9: resolving a canonical Request's
// "<provider_alias>/<model_alias>" model id against configured providers,
// rewriting headers and the upstream model id, and dispatching to the
// matching C8 provider.Client. Grounded on the teacher's
// features/model/gateway/server.go Option/middleware-chain shape
// (WithProvider/WithUnary/WithStream composing an onion of handlers around
// a single base provider call), generalized here to a multi-provider
// registry resolved per request instead of one provider bound at
// construction.
package router

import (
	"context"
	"net/http"
	"regexp"

	"github.com/nexusgate/gateway/internal/clientid"
	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/headerrules"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
)

// UnaryHandler processes a single unary completion request end to end.
type UnaryHandler func(ctx context.Context, req model.Request) (*model.Response, error)

// StreamHandler processes a streaming completion request, invoking send for
// each canonical chunk in order. Returning an error from send aborts the
// stream.
type StreamHandler func(ctx context.Context, req model.Request, send func(model.Chunk) error) error

// UnaryMiddleware wraps a UnaryHandler, e.g. to pre-charge and reconcile a
// rate-limit budget (see RateLimitUnary) or to emit telemetry spans.
type UnaryMiddleware func(next UnaryHandler) UnaryHandler

// StreamMiddleware is UnaryMiddleware's streaming counterpart.
type StreamMiddleware func(next StreamHandler) StreamHandler

// Clients maps a configured provider alias to the C8 adapter bound to it.
type Clients map[string]provider.Client

type ctxKey struct{}

// RequestMeta carries the inbound HTTP request's headers and resolved
// client identity through to the base handler, where they drive header-rule
// application (C2) and rate-limit key resolution (C6).
type RequestMeta struct {
	Inbound  http.Header
	Identity clientid.Identity
	Group    string // rate-limit group override; defaults to Identity.GroupID
}

// WithRequestMeta attaches RequestMeta to ctx for the router's base handler
// to consume; set by the HTTP surface before calling Router.Complete/Stream.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// RequestMetaFromContext returns the RequestMeta attached by
// WithRequestMeta, or the zero value if none was attached.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	m, _ := ctx.Value(ctxKey{}).(RequestMeta)
	return m
}

// Option configures a Router during construction.
type Option func(*routerConfig)

type routerConfig struct {
	cfg      config.LLMConfig
	clients  Clients
	unaryMW  []UnaryMiddleware
	streamMW []StreamMiddleware
}

// WithLLMConfig sets the [llm] config table the router resolves aliases,
// renames, and header rules against. Required.
func WithLLMConfig(cfg config.LLMConfig) Option {
	return func(c *routerConfig) { c.cfg = cfg }
}

// WithClients sets the provider-alias-to-adapter registry. Required.
func WithClients(clients Clients) Option {
	return func(c *routerConfig) { c.clients = clients }
}

// WithUnary appends UnaryMiddleware to the unary chain. The first
// middleware registered across all WithUnary calls becomes the outermost
// layer, matching the teacher's registration-order-is-onion-order
// convention.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *routerConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends StreamMiddleware to the streaming chain.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *routerConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// Router dispatches canonical requests to the provider.Client configured
// for their "<alias>/<model>" prefix, per spec §4.5.
type Router struct {
	cfg     config.LLMConfig
	clients Clients
	unary   UnaryHandler
	stream  StreamHandler
}

// ErrNoClients is returned by New when no provider clients were registered.
var ErrNoClients = gwerrors.New(gwerrors.InternalError, "router: at least one provider client is required")

// New builds a Router. The base handlers resolve the request's provider
// alias and model alias against cfg, rewrite the outgoing model id to the
// configured rename, build outbound headers via the header-rule engine, and
// dispatch to the matching client. Middleware registered via WithUnary and
// WithStream wrap that base behavior in registration order.
func New(opts ...Option) (*Router, error) {
	var rc routerConfig
	for _, o := range opts {
		o(&rc)
	}
	if len(rc.clients) == 0 {
		return nil, ErrNoClients
	}

	baseUnary := func(ctx context.Context, req model.Request) (*model.Response, error) {
		alias, modelAlias, pcfg, mcfg, err := resolve(rc.cfg, req)
		if err != nil {
			return nil, err
		}
		client, ok := rc.clients[alias]
		if !ok {
			return nil, gwerrors.Newf(gwerrors.InvalidRequest, "no provider client registered for alias %q", alias)
		}
		upstream := req
		upstream.Model = alias + "/" + mcfg.UpstreamModelID(modelAlias)
		ctx = provider.WithHeaders(ctx, outboundHeaders(pcfg, mcfg, RequestMetaFromContext(ctx).Inbound))
		return client.Complete(ctx, upstream)
	}
	baseStream := func(ctx context.Context, req model.Request, send func(model.Chunk) error) error {
		alias, modelAlias, pcfg, mcfg, err := resolve(rc.cfg, req)
		if err != nil {
			return err
		}
		client, ok := rc.clients[alias]
		if !ok {
			return gwerrors.Newf(gwerrors.InvalidRequest, "no provider client registered for alias %q", alias)
		}
		upstream := req
		upstream.Model = alias + "/" + mcfg.UpstreamModelID(modelAlias)
		ctx = provider.WithHeaders(ctx, outboundHeaders(pcfg, mcfg, RequestMetaFromContext(ctx).Inbound))
		st, err := client.Stream(ctx, upstream)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		for {
			chunk, err := st.Next(ctx)
			if err != nil {
				return err
			}
			if err := send(*chunk); err != nil {
				return err
			}
		}
	}

	unary := baseUnary
	for i := len(rc.unaryMW) - 1; i >= 0; i-- {
		unary = rc.unaryMW[i](unary)
	}
	stream := baseStream
	for i := len(rc.streamMW) - 1; i >= 0; i-- {
		stream = rc.streamMW[i](stream)
	}
	return &Router{cfg: rc.cfg, clients: rc.clients, unary: unary, stream: stream}, nil
}

// Complete routes req through the middleware chain to its provider.
func (r *Router) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return r.unary(ctx, req)
}

// Stream routes req through the middleware chain to its provider, invoking
// send for each chunk.
func (r *Router) Stream(ctx context.Context, req model.Request, send func(model.Chunk) error) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return r.stream(ctx, req, send)
}

// ListModels returns the federated list of every configured provider/model
// alias pair, per spec §4.4's GET /llm/v1/models. This enumerates config,
// not live upstream catalogues — model availability is declared, not
// discovered (provider ListModels implementations vary in support; see
// C8's per-adapter ListModels for the narrower per-provider catalogue).
func (r *Router) ListModels() []model.ModelInfo {
	out := make([]model.ModelInfo, 0)
	for alias, p := range r.cfg.Providers {
		for modelAlias := range p.Models {
			out = append(out, model.ModelInfo{
				ID:      alias + "/" + modelAlias,
				OwnedBy: string(p.Type),
			})
		}
	}
	return out
}

func resolve(cfg config.LLMConfig, req model.Request) (alias, modelAlias string, pcfg config.ProviderConfig, mcfg config.ModelConfig, err error) {
	alias, err = req.ProviderAlias()
	if err != nil {
		return "", "", config.ProviderConfig{}, config.ModelConfig{}, err
	}
	modelAlias, err = req.UpstreamModel()
	if err != nil {
		return "", "", config.ProviderConfig{}, config.ModelConfig{}, err
	}
	pcfg, ok := cfg.Providers[alias]
	if !ok {
		return "", "", config.ProviderConfig{}, config.ModelConfig{}, gwerrors.Newf(gwerrors.InvalidRequest, "unknown provider alias %q", alias)
	}
	mcfg, ok = pcfg.Models[modelAlias]
	if !ok {
		return "", "", config.ProviderConfig{}, config.ModelConfig{}, gwerrors.Newf(gwerrors.InvalidRequest, "unknown model alias %q for provider %q", modelAlias, alias)
	}
	return alias, modelAlias, pcfg, mcfg, nil
}

// outboundHeaders applies the provider's header rules then the model's
// (model rules run second and override, per spec §4.2), and layers on
// credential forwarding: a configured api_key is set by the provider client
// itself at construction time, so the only credential concern left here is
// forward_token, which substitutes the caller's own bearer for it.
func outboundHeaders(p config.ProviderConfig, m config.ModelConfig, inbound http.Header) http.Header {
	outbound := http.Header{}
	if inbound == nil {
		inbound = http.Header{}
	}
	headerrules.Apply(compileRules(p.Headers), inbound, outbound)
	headerrules.Apply(compileRules(m.Headers), inbound, outbound)
	if p.ForwardToken {
		if auth := inbound.Get("Authorization"); auth != "" {
			outbound.Set("Authorization", auth)
		}
	}
	return outbound
}

func compileRules(cfgs []config.HeaderRuleConfig) []headerrules.Rule {
	out := make([]headerrules.Rule, 0, len(cfgs))
	for _, c := range cfgs {
		r := headerrules.Rule{
			Action:  headerrules.Action(c.Action),
			Name:    c.Name,
			Rename:  c.Rename,
			Default: c.Default,
			Value:   c.Value,
		}
		if c.Pattern != "" {
			if re, err := regexp.Compile(c.Pattern); err == nil {
				r.Pattern = re
			}
		}
		out = append(out, r)
	}
	return out
}
