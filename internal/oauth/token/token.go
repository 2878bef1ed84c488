// Package token implements C4: bearer JWT validation against a jwks.Cache,
// per spec §4.3. It never issues tokens; it only validates ones issued
// elsewhere.
package token

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/oauth/jwks"
)

var acceptedAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256", "PS384", "PS512"}

// Claims wraps validated JWT claims and satisfies clientid.Claims.
type Claims struct {
	jwt.MapClaims
}

// StringClaim returns a claim only when its value is a bare string; a
// missing claim or one of any other type (an array included) reports false.
func (c Claims) StringClaim(name string) (string, bool) {
	v, ok := c.MapClaims[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Scopes returns the effective scope list. Per spec §4.3 and the Open
// Question it resolves, when both "scope" (space-delimited string) and
// "scopes" (array) claims are present, the array form wins.
func (c Claims) Scopes() []string {
	if raw, ok := c.MapClaims["scopes"]; ok {
		if arr, ok := raw.([]any); ok {
			out := make([]string, 0, len(arr))
			for _, v := range arr {
				if s, ok := v.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	if raw, ok := c.MapClaims["scope"]; ok {
		if s, ok := raw.(string); ok {
			return strings.Fields(s)
		}
	}
	return nil
}

// Options configures Validate's expected-claim assertions.
type Options struct {
	ExpectedIssuer   string
	ExpectedAudience []string
	ClockSkew        time.Duration
}

// Validator validates bearer tokens against a JWKS cache for a single
// configured issuer.
type Validator struct {
	jwksURL string
	cache   *jwks.Cache
	opts    Options
}

func New(jwksURL string, cache *jwks.Cache, opts Options) *Validator {
	return &Validator{jwksURL: jwksURL, cache: cache, opts: opts}
}

// ExtractBearer pulls the token out of an Authorization header value. The
// scheme match is case-insensitive per RFC 7235; exactly one space must
// separate scheme and token (spec §8: multiple spaces is malformed).
func ExtractBearer(authHeader string) (string, error) {
	if authHeader == "" {
		return "", gwerrors.New(gwerrors.InvalidToken, "missing Authorization header")
	}
	sp := strings.IndexByte(authHeader, ' ')
	if sp < 0 {
		return "", gwerrors.New(gwerrors.InvalidToken, "malformed Authorization header")
	}
	scheme, rest := authHeader[:sp], authHeader[sp+1:]
	if !strings.EqualFold(scheme, "Bearer") {
		return "", gwerrors.New(gwerrors.InvalidToken, "unsupported authorization scheme")
	}
	if rest == "" || strings.HasPrefix(rest, " ") {
		return "", gwerrors.New(gwerrors.InvalidToken, "malformed Authorization header")
	}
	return rest, nil
}

// Validate parses and verifies bearer, returning its claims on success.
func (v *Validator) Validate(ctx context.Context, bearer string) (Claims, error) {
	if bearer == "" {
		return Claims{}, gwerrors.New(gwerrors.InvalidToken, "empty token")
	}
	if strings.Count(bearer, ".") != 2 {
		return Claims{}, gwerrors.New(gwerrors.InvalidToken, "malformed jwt structure")
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(bearer, jwt.MapClaims{})
	if err != nil {
		return Claims{}, gwerrors.Wrap(gwerrors.InvalidToken, err)
	}
	alg, _ := unverified.Header["alg"].(string)
	if !slices.Contains(acceptedAlgs, alg) {
		return Claims{}, gwerrors.Newf(gwerrors.InvalidToken, "unsupported alg %q", alg)
	}

	claims := Claims{MapClaims: jwt.MapClaims{}}
	parsed, err := jwt.ParseWithClaims(bearer, &claims.MapClaims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		keys, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, err
		}
		if kid != "" {
			if key, ok := keys[kid]; ok {
				return key, nil
			}
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		if len(keys) == 1 {
			for _, key := range keys {
				return key, nil
			}
		}
		return nil, fmt.Errorf("ambiguous key selection: no kid and %d keys cached", len(keys))
	},
		jwt.WithValidMethods(acceptedAlgs),
		jwt.WithLeeway(v.opts.ClockSkew),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Claims{}, gwerrors.Wrap(gwerrors.Unauthorized, err)
	}
	if !parsed.Valid {
		return Claims{}, gwerrors.New(gwerrors.Unauthorized, "token invalid")
	}

	if v.opts.ExpectedIssuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.opts.ExpectedIssuer {
			return Claims{}, gwerrors.New(gwerrors.Unauthorized, "issuer mismatch")
		}
	}
	if len(v.opts.ExpectedAudience) > 0 {
		aud, _ := claims.GetAudience()
		if !audienceOverlaps(aud, v.opts.ExpectedAudience) {
			return Claims{}, gwerrors.New(gwerrors.Unauthorized, "audience mismatch")
		}
	}

	return claims, nil
}

func audienceOverlaps(got []string, expected []string) bool {
	for _, g := range got {
		if slices.Contains(expected, g) {
			return true
		}
	}
	return false
}

