// Package config loads and validates the gateway's TOML configuration into
// the struct tree consumed by every other component. It is the only package
// that knows about the on-disk representation; everything downstream works
// with the validated Go types defined here.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration unmarshals TOML duration strings ("30s", "5m") into time.Duration.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Config is the root of the validated configuration tree.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	LLM       LLMConfig       `toml:"llm"`
	MCP       MCPConfig       `toml:"mcp"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ServerConfig holds top-level HTTP server settings.
type ServerConfig struct {
	Listen                string                 `toml:"listen"`
	ClientIdentification  ClientIdentConfig      `toml:"client_identification"`
	OAuth                 OAuthConfig            `toml:"oauth"`
	RateLimits            RateLimitTree          `toml:"rate_limits"`
	CORS                  CORSConfig             `toml:"cors"`
}

// ClientIdentConfig configures how C5 extracts (client_id, group_id).
type ClientIdentConfig struct {
	Enabled       bool         `toml:"enabled"`
	ClientIDFrom  IdentSource  `toml:"client_id_from"`
	GroupIDFrom   IdentSource  `toml:"group_id_from"`
	AllowedGroups []string     `toml:"allowed_groups"`
}

// IdentSource is a tagged {http_header|jwt_claim} source for an identity value.
type IdentSource struct {
	HTTPHeader string `toml:"http_header"`
	JWTClaim   string `toml:"jwt_claim"`
}

func (s IdentSource) Empty() bool { return s.HTTPHeader == "" && s.JWTClaim == "" }

// OAuthConfig configures C3/C4.
type OAuthConfig struct {
	Enabled              bool     `toml:"enabled"`
	Issuer               string   `toml:"issuer"`
	JWKSURL              string   `toml:"jwks_url"`
	PollInterval         Duration `toml:"poll_interval"`
	ExpectedAudience     []string `toml:"expected_audience"`
	ExpectedIssuer       string   `toml:"expected_issuer"`
	Resource             string   `toml:"resource"`
	ClockSkew            Duration `toml:"clock_skew"`
	AuthorizationServers []string `toml:"authorization_servers"`
	ScopesSupported      []string `toml:"scopes_supported"`
}

// RateLimitRule is a single (limit, interval) token-bucket window.
type RateLimitRule struct {
	Limit    int64    `toml:"limit"`
	Interval Duration `toml:"interval"`
}

// RateLimitTree is the hierarchical rate-limit configuration described in
// spec §4.6: per_ip/global defaults plus provider/model/group overrides.
// Provider- and model-scoped overrides are attached directly on the
// Provider/Model config structs (see LLMConfig below) rather than here;
// this tree carries only the scopes that are not tied to a provider config
// node (global, per_ip, mcp_server, mcp_tool).
type RateLimitTree struct {
	Global    *RateLimitRule            `toml:"global"`
	PerIP     *RateLimitRule            `toml:"per_ip"`
	MCPServer map[string]RateLimitRule  `toml:"mcp_server"`
	MCPTool   map[string]RateLimitRule  `toml:"mcp_tool"`
	Redis     *RedisStoreConfig         `toml:"redis"`
}

// RedisStoreConfig configures the Redis-backed rate-limit store.
type RedisStoreConfig struct {
	Addr       string `toml:"addr"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	KeyPrefix  string `toml:"key_prefix"`
	TLS        bool   `toml:"tls"`
	TLSCert    string `toml:"tls_cert"`
	TLSKey     string `toml:"tls_key"`
	TLSCACert  string `toml:"tls_ca_cert"`
}

// CORSConfig configures the [server.cors] table, supplemented from the
// original Rust implementation's cors.rs per SPEC_FULL.md.
type CORSConfig struct {
	Enabled         bool     `toml:"enabled"`
	AllowOrigins    []string `toml:"allow_origins"`
	AllowMethods    []string `toml:"allow_methods"`
	AllowHeaders    []string `toml:"allow_headers"`
	AllowCredentials bool    `toml:"allow_credentials"`
	MaxAge          Duration `toml:"max_age"`
}

// ProviderKind is the closed set of LLM provider kinds.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGoogle    ProviderKind = "google"
	ProviderBedrock   ProviderKind = "bedrock"
)

// HeaderRuleConfig is the TOML representation of a headerrules.Rule; it is
// a tagged variant distinguished by the `action` key.
type HeaderRuleConfig struct {
	Action  string `toml:"action"` // forward | insert | remove | rename_duplicate
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
	Rename  string `toml:"rename"`
	Default string `toml:"default"`
	Value   string `toml:"value"`
}

// ModelConfig is a single model alias under a provider.
type ModelConfig struct {
	Rename     string                    `toml:"rename"`
	Headers    []HeaderRuleConfig        `toml:"headers"`
	RateLimits map[string]RateLimitRule  `toml:"rate_limits"` // group -> rule; "" key is the model default
}

// ProviderConfig is one [llm.providers.<alias>] table.
type ProviderConfig struct {
	Type         ProviderKind           `toml:"type"`
	BaseURL      string                 `toml:"base_url"`
	APIKey       string                 `toml:"api_key"`
	ForwardToken bool                   `toml:"forward_token"`
	Region       string                 `toml:"region"` // bedrock
	Models       map[string]ModelConfig `toml:"models"`
	Headers      []HeaderRuleConfig     `toml:"headers"`
	RateLimits   map[string]RateLimitRule `toml:"rate_limits"` // group -> rule; "" key is provider default
}

// LLMConfig is the [llm] table.
type LLMConfig struct {
	Enabled   bool                      `toml:"enabled"`
	Path      string                    `toml:"path"`
	Providers map[string]ProviderConfig `toml:"providers"`
}

// MCPServerConfig is one [mcp.servers.<name>] table. Transport selects which
// fields apply: URL for "http"; Cmd, Args, Cwd, Env and StderrLog for "stdio".
type MCPServerConfig struct {
	Transport string   `toml:"transport"` // http | stdio
	URL       string   `toml:"url"`
	Cmd       string   `toml:"cmd"`
	Args      []string `toml:"args"`
	Cwd       string   `toml:"cwd"`
	Env       []string `toml:"env"`
	StderrLog string   `toml:"stderr_log"`
}

// MCPConfig is the [mcp] table.
type MCPConfig struct {
	Enabled bool                       `toml:"enabled"`
	Path    string                     `toml:"path"`
	Servers map[string]MCPServerConfig `toml:"servers"`
}

// TelemetryConfig is the [telemetry] table.
type TelemetryConfig struct {
	ServiceName    string `toml:"service_name"`
	OTLPEndpoint   string `toml:"otlp_endpoint"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
	TracingEnabled bool   `toml:"tracing_enabled"`
}

var serverPrefixRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Load reads, interpolates, parses and validates a TOML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse parses raw TOML bytes into a validated Config. Unknown keys fail
// validation per spec §6; secrets are interpolated from the environment
// before validation runs.
func Parse(raw []byte) (*Config, error) {
	interpolated := interpolateSecrets(raw)

	var cfg Config
	cfg.LLM.Path = "/llm"
	cfg.LLM.Enabled = true
	cfg.MCP.Path = "/mcp"
	cfg.MCP.Enabled = true

	meta, err := toml.NewDecoder(bytes.NewReader(interpolated)).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// interpolateSecrets resolves ${ENV} and {{ env.ENV }} references against
// the process environment, per spec §6.
func interpolateSecrets(raw []byte) []byte {
	s := string(raw)
	s = curlyEnvRe.ReplaceAllStringFunc(s, func(m string) string {
		name := curlyEnvRe.FindStringSubmatch(m)[1]
		return os.Getenv(strings.TrimSpace(name))
	})
	s = os.Expand(s, func(name string) string {
		// os.Expand calls this for both ${NAME} and bare $NAME references,
		// so both forms are substituted from the environment.
		return os.Getenv(name)
	})
	return []byte(s)
}

var curlyEnvRe = regexp.MustCompile(`\{\{\s*env\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

func (c *Config) validate() error {
	if c.LLM.Enabled {
		for alias, p := range c.LLM.Providers {
			if err := p.validate(alias); err != nil {
				return err
			}
		}
	}
	if c.MCP.Enabled {
		for name := range c.MCP.Servers {
			if strings.Contains(name, "__") {
				return fmt.Errorf("mcp server name %q must not contain \"__\" (reserved federation separator)", name)
			}
		}
	}
	if c.Server.ClientIdentification.Enabled {
		// nothing else to validate structurally; sources are validated lazily
		// by internal/clientid at request time.
		_ = c.Server.ClientIdentification
	}
	return nil
}

func (p ProviderConfig) validate(alias string) error {
	switch p.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderBedrock:
	default:
		return fmt.Errorf("provider %q: unknown type %q", alias, p.Type)
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("provider %q: at least one model must be configured", alias)
	}
	if !serverPrefixRe.MatchString(alias) {
		return fmt.Errorf("provider alias %q contains invalid characters", alias)
	}
	if err := validateHeaderRules(p.Headers); err != nil {
		return fmt.Errorf("provider %q: %w", alias, err)
	}
	for modelAlias, m := range p.Models {
		if err := validateHeaderRules(m.Headers); err != nil {
			return fmt.Errorf("provider %q model %q: %w", alias, modelAlias, err)
		}
	}
	return nil
}

func validateHeaderRules(rules []HeaderRuleConfig) error {
	for _, r := range rules {
		switch r.Action {
		case "forward", "insert", "remove", "rename_duplicate":
		default:
			return fmt.Errorf("header rule: unknown action %q", r.Action)
		}
		if r.Pattern != "" {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return fmt.Errorf("header rule: invalid pattern %q: %w", r.Pattern, err)
			}
		}
	}
	return nil
}

// UpstreamModelID resolves the alias's configured rename, defaulting to the
// alias itself when no rename is set.
func (m ModelConfig) UpstreamModelID(alias string) string {
	if m.Rename != "" {
		return m.Rename
	}
	return alias
}
