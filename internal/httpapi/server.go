// Package httpapi implements the gateway's external HTTP surface (spec §6):
// the OpenAI-compatible chat-completions API, the federated models listing,
// the gateway's own MCP JSON-RPC endpoint, the health check, and the OAuth
// protected-resource discovery document. Routing follows the teacher's
// go-chi usage pattern of a flat chi.Mux with a middleware stack applied
// once at the top, rather than per-route middleware composition.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/nexusgate/gateway/internal/clientid"
	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/llm/router"
	mcprouter "github.com/nexusgate/gateway/internal/mcpgw/router"
	"github.com/nexusgate/gateway/internal/oauth/token"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/telemetry"
)

// Deps are the components New wires into request handlers. All fields
// except the config tables are optional: a nil LLMRouter disables the
// /llm/v1/* routes, a nil MCPRouter disables the MCP endpoint, a nil
// TokenValidator disables bearer auth (OAuth must then be unconfigured).
type Deps struct {
	Server config.ServerConfig
	LLM    config.LLMConfig
	MCP    config.MCPConfig

	LLMRouter *router.Router
	MCPRouter *mcprouter.Router

	ClientIdentifier *clientid.Resolver
	TokenValidator   *token.Validator
	Limiter          *ratelimit.Limiter

	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics
}

// New builds the gateway's top-level http.Handler.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}

	r := chi.NewRouter()
	r.Use(traceMiddleware)
	if deps.Server.CORS.Enabled {
		r.Use(corsMiddleware(deps.Server.CORS))
	}

	r.Get("/health", handleHealth)
	r.Get("/.well-known/oauth-protected-resource", handleWellKnown(deps.Server.OAuth))

	protected := chi.NewRouter()
	protected.Use(requestSpanMiddleware(deps.Tracer))
	protected.Use(authMiddleware(deps.TokenValidator, deps.Server.OAuth))
	protected.Use(clientIdentMiddleware(deps.ClientIdentifier))
	protected.Use(perIPRateLimit(deps.Limiter, deps.Server.RateLimits))

	if deps.LLM.Enabled && deps.LLMRouter != nil {
		h := &llmHandler{router: deps.LLMRouter, logger: deps.Logger, metrics: deps.Metrics}
		protected.Post(joinPath(deps.LLM.Path, "/v1/chat/completions"), h.handleChatCompletions)
		protected.Get(joinPath(deps.LLM.Path, "/v1/models"), h.handleListModels)
	}

	if deps.MCP.Enabled && deps.MCPRouter != nil {
		h := newMCPHandler(deps.MCPRouter, deps.Logger)
		protected.Post(deps.MCP.Path, h.handleRPC)
	}

	r.Mount("/", protected)
	return r
}

func joinPath(base, suffix string) string {
	if base == "" {
		base = "/llm"
	}
	return base + suffix
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type wellKnownResponse struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

func handleWellKnown(cfg config.OAuthConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			http.NotFound(w, r)
			return
		}
		authServers := cfg.AuthorizationServers
		if authServers == nil {
			authServers = []string{}
		}
		writeJSON(w, http.StatusOK, wellKnownResponse{
			Resource:             cfg.Resource,
			AuthorizationServers: authServers,
			ScopesSupported:      cfg.ScopesSupported,
		})
	}
}

func corsMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowOrigins,
		AllowedMethods:   cfg.AllowMethods,
		AllowedHeaders:   cfg.AllowHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           int(cfg.MaxAge.Duration / time.Second),
	})
}
