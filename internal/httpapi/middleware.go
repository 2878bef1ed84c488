package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/nexusgate/gateway/internal/clientid"
	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/oauth/token"
	"github.com/nexusgate/gateway/internal/ratelimit"
)

type ctxKey int

const (
	identityCtxKey ctxKey = iota
	claimsCtxKey
)

// identityFromContext returns the Identity resolved by clientIdentMiddleware,
// or the zero value if client identification is disabled.
func identityFromContext(ctx context.Context) clientid.Identity {
	id, _ := ctx.Value(identityCtxKey).(clientid.Identity)
	return id
}

// authMiddleware enforces spec §6's bearer requirement whenever OAuth is
// configured. When OAuth is disabled it is a no-op, since auth is out of
// scope per spec §1 for a gateway run without an issuer configured.
func authMiddleware(validator *token.Validator, cfg config.OAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled || validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, err := token.ExtractBearer(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, err, cfg)
				return
			}
			claims, err := validator.Validate(r.Context(), bearer)
			if err != nil {
				writeError(w, err, cfg)
				return
			}
			ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIdentMiddleware implements C5 at the HTTP edge: resolve
// (client_id, group_id) from the request (and, if OAuth validated one, the
// JWT claims attached by authMiddleware), enforcing the allowed-groups
// membership check before the request reaches a handler.
func clientIdentMiddleware(resolver *clientid.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var claims token.Claims
			if c, ok := r.Context().Value(claimsCtxKey).(token.Claims); ok {
				claims = c
			}
			var resolveClaims clientid.Claims
			if claims.MapClaims != nil {
				resolveClaims = claims
			}
			identity, err := resolver.Resolve(r, resolveClaims)
			if err != nil {
				writeError(w, err, config.OAuthConfig{})
				return
			}
			ctx := context.WithValue(r.Context(), identityCtxKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// perIPRateLimit enforces the [server.rate_limits.per_ip] scope, per spec
// §4.6. A request with no configured per_ip rule is admitted unconditionally.
func perIPRateLimit(limiter *ratelimit.Limiter, tree config.RateLimitTree) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || tree.PerIP == nil {
			return next
		}
		rule := ratelimit.Rule{Key: "per_ip", Limit: tree.PerIP.Limit, Interval: tree.PerIP.Interval}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			scoped := rule
			scoped.Key = "per_ip:" + ip
			if err := limiter.Charge(r.Context(), scoped, 1); err != nil {
				writeError(w, err, config.OAuthConfig{})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
