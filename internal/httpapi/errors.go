package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/gwerrors"
)

// errorBody is the wire shape of spec §7's "User-visible shape":
// {error: "<kind>", error_description?: "<string>"}.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err per spec §7 and, for invalid_token/unauthorized
// responses when OAuth is configured, attaches the WWW-Authenticate
// challenge spec §6 requires.
func writeError(w http.ResponseWriter, err error, oauth config.OAuthConfig) {
	var gerr *gwerrors.Error
	kind := gwerrors.InternalError
	desc := err.Error()
	if gwerrors.As(err, &gerr) {
		kind = gerr.Kind
		desc = gerr.Description
	}
	if oauth.Enabled && (kind == gwerrors.InvalidToken || kind == gwerrors.Unauthorized) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, wellKnownURL(oauth)))
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: string(kind), ErrorDescription: desc})
}

func wellKnownURL(cfg config.OAuthConfig) string {
	if cfg.Resource == "" {
		return "/.well-known/oauth-protected-resource"
	}
	return cfg.Resource + "/.well-known/oauth-protected-resource"
}
