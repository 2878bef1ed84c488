// Package clientid implements C5: extracting a (client_id, group_id) pair
// from an inbound request per the configured identity sources, and
// enforcing the allowed-groups membership check.
package clientid

import (
	"net/http"
	"slices"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/gwerrors"
)

// Identity is the resolved client identity for a request.
type Identity struct {
	ClientID string
	GroupID  string // empty if absent
}

// Resolver extracts Identity from requests per a ClientIdentConfig.
type Resolver struct {
	cfg config.ClientIdentConfig
}

func New(cfg config.ClientIdentConfig) *Resolver { return &Resolver{cfg: cfg} }

// Claims is the minimal surface of validated JWT claims clientid needs.
type Claims interface {
	StringClaim(name string) (string, bool)
}

// Resolve extracts identity from r per the configured sources. claims may be
// nil when OAuth is not configured; jwt_claim sources then never match.
func (res *Resolver) Resolve(r *http.Request, claims Claims) (Identity, error) {
	if !res.cfg.Enabled {
		return Identity{}, nil
	}

	clientID, ok := res.resolveSource(res.cfg.ClientIDFrom, r, claims)
	if !ok || clientID == "" {
		return Identity{}, gwerrors.New(gwerrors.Unauthorized, "client identification failed: no client id resolved")
	}

	groupID, _ := res.resolveSource(res.cfg.GroupIDFrom, r, claims)

	if len(res.cfg.AllowedGroups) > 0 && groupID != "" {
		if !slices.Contains(res.cfg.AllowedGroups, groupID) {
			return Identity{}, gwerrors.New(gwerrors.Forbidden, "group not permitted")
		}
	}

	return Identity{ClientID: clientID, GroupID: groupID}, nil
}

func (res *Resolver) resolveSource(src config.IdentSource, r *http.Request, claims Claims) (string, bool) {
	if src.Empty() {
		return "", false
	}
	if src.HTTPHeader != "" {
		if v := r.Header.Get(src.HTTPHeader); v != "" {
			return v, true
		}
	}
	if src.JWTClaim != "" && claims != nil {
		if v, ok := claims.StringClaim(src.JWTClaim); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
