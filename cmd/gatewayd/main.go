// Command gatewayd is the gateway's process entrypoint: it loads
// configuration, wires every component, and serves the HTTP surface until
// an interrupt signal arrives. Grounded on the teacher's
// example/cmd/assistant/main.go shape (flag parsing, clue/log context
// setup, an errc channel shared by the signal handler and the server
// goroutine, a WaitGroup for graceful drain), adapted from goa's
// multi-transport (HTTP+gRPC) server startup to this gateway's single HTTP
// listener plus a startup-time MCP downstream initialization pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"goa.design/clue/log"

	"github.com/nexusgate/gateway/internal/clientid"
	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/httpapi"
	"github.com/nexusgate/gateway/internal/llm/provider"
	"github.com/nexusgate/gateway/internal/llm/provider/anthropic"
	"github.com/nexusgate/gateway/internal/llm/provider/bedrock"
	"github.com/nexusgate/gateway/internal/llm/provider/google"
	"github.com/nexusgate/gateway/internal/llm/provider/openai"
	"github.com/nexusgate/gateway/internal/llm/router"
	"github.com/nexusgate/gateway/internal/mcpgw/client"
	mcprouter "github.com/nexusgate/gateway/internal/mcpgw/router"
	"github.com/nexusgate/gateway/internal/oauth/jwks"
	"github.com/nexusgate/gateway/internal/oauth/token"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/ratelimit/memstore"
	"github.com/nexusgate/gateway/internal/ratelimit/redisstore"
	"github.com/nexusgate/gateway/internal/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "gateway.toml", "Path to the gateway's TOML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("load config %q: %w", *configF, err))
	}

	shutdownTelemetry := setupTelemetry(cfg.Telemetry)
	defer shutdownTelemetry(ctx)

	deps, err := wire(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("wire gateway: %w", err))
	}

	if err := initializeDownstreams(ctx, deps.downstreams); err != nil {
		log.Fatal(ctx, fmt.Errorf("initialize mcp downstreams: %w", err))
	}

	handler := httpapi.New(deps.httpDeps)
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "listen", V: cfg.Server.Listen})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "graceful shutdown failed"})
	}

	wg.Wait()
	log.Printf(ctx, "exited")
}

// gatewayDeps is everything wire builds from config, grouped for main's use.
type gatewayDeps struct {
	httpDeps    httpapi.Deps
	downstreams map[string]client.Client
}

// wire constructs every component (C1-C12) from cfg and assembles the
// httpapi.Deps the HTTP surface is served from.
func wire(ctx context.Context, cfg *config.Config) (gatewayDeps, error) {
	logger := telemetry.NewLogger()
	tracer := telemetry.NewTracer()
	metrics := telemetry.NewMetrics()

	store, err := rateLimitStore(cfg.Server.RateLimits)
	if err != nil {
		return gatewayDeps{}, err
	}
	limiter := ratelimit.New(store)
	limiter.Metrics = metrics

	var validator *token.Validator
	if cfg.Server.OAuth.Enabled {
		cache := jwks.New(http.DefaultClient, cfg.Server.OAuth.PollInterval.Duration)
		cache.Metrics = metrics
		validator = token.New(cfg.Server.OAuth.JWKSURL, cache, token.Options{
			ExpectedIssuer:   cfg.Server.OAuth.ExpectedIssuer,
			ExpectedAudience: cfg.Server.OAuth.ExpectedAudience,
			ClockSkew:        cfg.Server.OAuth.ClockSkew.Duration,
		})
	}

	var identifier *clientid.Resolver
	if cfg.Server.ClientIdentification.Enabled {
		identifier = clientid.New(cfg.Server.ClientIdentification)
	}

	var llmRouter *router.Router
	if cfg.LLM.Enabled {
		clients, err := buildProviderClients(ctx, cfg.LLM)
		if err != nil {
			return gatewayDeps{}, err
		}
		llmRouter, err = router.New(
			router.WithLLMConfig(cfg.LLM),
			router.WithClients(clients),
			router.WithUnary(router.RateLimitUnary(cfg.LLM, limiter)),
			router.WithStream(router.RateLimitStream(cfg.LLM, limiter)),
		)
		if err != nil {
			return gatewayDeps{}, fmt.Errorf("build llm router: %w", err)
		}
	}

	var mcpRouterInst *mcprouter.Router
	downstreams := map[string]client.Client{}
	if cfg.MCP.Enabled {
		downstreams = buildMCPClients(cfg.MCP)
		mcpRouterInst = mcprouter.New(downstreams, limiter, cfg.Server.RateLimits)
	}

	return gatewayDeps{
		httpDeps: httpapi.Deps{
			Server:           cfg.Server,
			LLM:              cfg.LLM,
			MCP:              cfg.MCP,
			LLMRouter:        llmRouter,
			MCPRouter:        mcpRouterInst,
			ClientIdentifier: identifier,
			TokenValidator:   validator,
			Limiter:          limiter,
			Logger:           logger,
			Tracer:           tracer,
			Metrics:          metrics,
		},
		downstreams: downstreams,
	}, nil
}

func rateLimitStore(tree config.RateLimitTree) (ratelimit.Store, error) {
	if tree.Redis != nil {
		return redisstore.New(*tree.Redis)
	}
	return memstore.New(), nil
}

// buildProviderClients constructs one provider.Client per configured
// [llm.providers.<alias>], dispatching on the provider's type. Bedrock is
// the one kind that needs its own upstream SDK client constructed from the
// ambient AWS credential chain rather than a bare API key.
func buildProviderClients(ctx context.Context, cfg config.LLMConfig) (router.Clients, error) {
	clients := make(router.Clients, len(cfg.Providers))
	for alias, p := range cfg.Providers {
		c, err := buildProviderClient(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", alias, err)
		}
		clients[alias] = c
	}
	return clients, nil
}

func buildProviderClient(ctx context.Context, p config.ProviderConfig) (provider.Client, error) {
	switch p.Type {
	case config.ProviderOpenAI:
		return openai.New(p.APIKey, p.BaseURL), nil
	case config.ProviderAnthropic:
		return anthropic.New(p.APIKey), nil
	case config.ProviderGoogle:
		return google.New(http.DefaultClient, p.APIKey, p.BaseURL), nil
	case config.ProviderBedrock:
		var optFns []func(*awsconfig.LoadOptions) error
		if p.Region != "" {
			optFns = append(optFns, awsconfig.WithRegion(p.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg)), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

// buildMCPClients constructs one client.Client per configured
// [mcp.servers.<name>], over either the HTTP-streamable or stdio transport.
func buildMCPClients(cfg config.MCPConfig) map[string]client.Client {
	out := make(map[string]client.Client, len(cfg.Servers))
	for name, s := range cfg.Servers {
		switch s.Transport {
		case "stdio":
			out[name] = client.NewStdioClient(client.StdioOptions{
				Command:   s.Cmd,
				Args:      s.Args,
				Env:       s.Env,
				Dir:       s.Cwd,
				StderrLog: s.StderrLog,
			})
		default:
			out[name] = client.NewHTTPClient(client.HTTPOptions{Endpoint: s.URL})
		}
	}
	return out
}

// initializeDownstreams calls Initialize on every configured MCP downstream
// at startup. A stdio child that never completes its handshake, or an HTTP
// downstream that refuses the initialize call, is a fatal startup error per
// spec §6 rather than a degraded-but-running gateway.
func initializeDownstreams(ctx context.Context, downstreams map[string]client.Client) error {
	for name, c := range downstreams {
		if err := c.Initialize(ctx); err != nil {
			return fmt.Errorf("mcp server %q: %w", name, err)
		}
	}
	return nil
}

// setupTelemetry installs SDK-backed tracer/meter providers as the OTEL
// globals when tracing/metrics are enabled, so every telemetry.Tracer and
// telemetry.Metrics instance constructed afterward exports through them.
// Returns a shutdown func that flushes both providers.
func setupTelemetry(cfg config.TelemetryConfig) func(context.Context) {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName(cfg)))

	var shutdowns []func(context.Context) error

	if cfg.TracingEnabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}
	if cfg.MetricsEnabled {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return func(ctx context.Context) {
		for _, shutdown := range shutdowns {
			_ = shutdown(ctx)
		}
	}
}

func serviceName(cfg config.TelemetryConfig) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	return "nexusgate"
}
