// Package ratelimit implements C6: admission control over a (scope, subject)
// key space using fixed-window token-bucket counters, per spec §4.6. Two
// interchangeable Store implementations (memstore, redisstore) back the same
// contract; Limiter resolves which rule applies per the hierarchy described
// below and charges through whichever Store it was built with.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/telemetry"
)

// Scope identifies the kind of subject a rate-limit counter is keyed by.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopePerIP     Scope = "per_ip"
	ScopeProvider  Scope = "provider"
	ScopeModel     Scope = "model"
	ScopeMCPServer Scope = "mcp_server"
	ScopeMCPTool   Scope = "mcp_tool"
)

// Store is the storage-backend contract both memstore and redisstore satisfy.
// Charge attempts to add cost to the window's running total for key and
// reports whether the charge was admitted.
type Store interface {
	// Charge admits cost against key's window (limit, interval), returning
	// true if admitted (post-charge total <= limit) and false if it would
	// exceed the limit (in which case no partial charge is applied).
	Charge(ctx context.Context, key string, cost int64, limit int64, interval config.Duration) (admitted bool, err error)
	// Adjust applies a signed delta to an already-charged window (used for
	// the pre-charge/reconcile flow in LLM usage accounting). A negative
	// delta is a refund, a positive delta an additional charge; Adjust never
	// rejects — reconciliation always succeeds per spec §4.6/§9 (the
	// pre-charge already gated admission).
	Adjust(ctx context.Context, key string, delta int64, interval config.Duration) error
}

// Rule pairs a resolved (limit, interval) with the key it was resolved for.
type Rule struct {
	Key      string
	Limit    int64
	Interval config.Duration
}

// Limiter resolves the hierarchy of spec §4.6 and charges through a Store.
type Limiter struct {
	store Store

	// Metrics records charge admit/reject counters (C7, per spec §2's
	// component table). Always non-nil; New defaults it to a no-op.
	Metrics telemetry.Metrics
}

func New(store Store) *Limiter { return &Limiter{store: store, Metrics: telemetry.NewNoopMetrics()} }

// ResolveLLM implements the four-level lookup order for an LLM request:
// (1) model+group, (2) model default, (3) provider+group, (4) provider
// default. The first populated level wins; levels do not compose.
func ResolveLLM(provider config.ProviderConfig, model config.ModelConfig, providerAlias, modelAlias, group string) (Rule, bool) {
	if group != "" {
		if r, ok := model.RateLimits[group]; ok {
			return Rule{Key: fmt.Sprintf("model:%s/%s:%s", providerAlias, modelAlias, group), Limit: r.Limit, Interval: r.Interval}, true
		}
	}
	if r, ok := model.RateLimits[""]; ok {
		return Rule{Key: fmt.Sprintf("model:%s/%s", providerAlias, modelAlias), Limit: r.Limit, Interval: r.Interval}, true
	}
	if group != "" {
		if r, ok := provider.RateLimits[group]; ok {
			return Rule{Key: fmt.Sprintf("provider:%s:%s", providerAlias, group), Limit: r.Limit, Interval: r.Interval}, true
		}
	}
	if r, ok := provider.RateLimits[""]; ok {
		return Rule{Key: fmt.Sprintf("provider:%s", providerAlias), Limit: r.Limit, Interval: r.Interval}, true
	}
	return Rule{}, false
}

// ResolveMCP implements the lookup order for an MCP tool call: (1) the
// federated tool itself ("<server>__<tool>"), (2) the owning server's
// default, (3) the global default. The first populated level wins.
func ResolveMCP(tree config.RateLimitTree, serverName, toolName string) (Rule, bool) {
	fullName := serverName + "__" + toolName
	if r, ok := tree.MCPTool[fullName]; ok {
		return Rule{Key: "mcp_tool:" + fullName, Limit: r.Limit, Interval: r.Interval}, true
	}
	if r, ok := tree.MCPServer[serverName]; ok {
		return Rule{Key: "mcp_server:" + serverName, Limit: r.Limit, Interval: r.Interval}, true
	}
	if tree.Global != nil {
		return Rule{Key: "global", Limit: tree.Global.Limit, Interval: tree.Global.Interval}, true
	}
	return Rule{}, false
}

// Charge admits cost against rule, translating a rejection into the
// rate_limit_exceeded taxonomy kind.
func (l *Limiter) Charge(ctx context.Context, rule Rule, cost int64) error {
	admitted, err := l.store.Charge(ctx, rule.Key, cost, rule.Limit, rule.Interval)
	if err != nil {
		l.Metrics.IncCounter("ratelimit_charges_total", 1, "result", "error")
		return gwerrors.Wrap(gwerrors.InternalError, err)
	}
	if !admitted {
		l.Metrics.IncCounter("ratelimit_charges_total", 1, "result", "rejected")
		return gwerrors.Newf(gwerrors.RateLimitExceeded, "rate limit exceeded for %s", rule.Key)
	}
	l.Metrics.IncCounter("ratelimit_charges_total", 1, "result", "admitted")
	return nil
}

// Reconcile applies a post-hoc delta to an already-admitted charge (e.g. the
// difference between actual completion tokens and the max_tokens pre-charge
// estimate). It never fails the caller's request.
func (l *Limiter) Reconcile(ctx context.Context, rule Rule, delta int64) error {
	if delta == 0 {
		return nil
	}
	return l.store.Adjust(ctx, rule.Key, delta, rule.Interval)
}
