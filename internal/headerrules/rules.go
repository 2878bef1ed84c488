// Package headerrules implements the ordered header-rewriting pipeline
// described in spec §4.2: a ProviderConfig and (optionally) a ModelConfig
// each carry a rule list, applied in sequence to build the headers of an
// outgoing upstream request from an inbound client request.
package headerrules

import (
	"net/http"
	"net/textproto"
	"regexp"
)

// Action identifies a rule's behavior.
type Action string

const (
	Forward         Action = "forward"
	Insert          Action = "insert"
	Remove          Action = "remove"
	RenameDuplicate Action = "rename_duplicate"
)

// Rule is a single tagged-variant header transformation.
type Rule struct {
	Action  Action
	Name    string
	Pattern *regexp.Regexp
	Rename  string
	Default string
	Value   string
}

// hopByHop headers are never forwarded regardless of rule configuration.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
}

// Apply runs rules in order against inbound, mutating outbound. Provider
// rules must be applied before model rules by the caller (C9/C12 wiring) so
// that model-level rules, applied second, override per spec §4.2.
func Apply(rules []Rule, inbound, outbound http.Header) {
	for _, r := range rules {
		applyOne(r, inbound, outbound)
	}
}

func applyOne(r Rule, inbound, outbound http.Header) {
	switch r.Action {
	case Forward:
		if r.Pattern != nil {
			for name, vals := range inbound {
				if hopByHop[name] {
					continue
				}
				if r.Pattern.MatchString(name) {
					outbound[name] = append([]string(nil), vals...)
				}
			}
			return
		}
		canon := textproto.CanonicalMIMEHeaderKey(r.Name)
		if hopByHop[canon] {
			return
		}
		emitName := canon
		if r.Rename != "" {
			emitName = textproto.CanonicalMIMEHeaderKey(r.Rename)
		}
		if vals, ok := inbound[canon]; ok {
			outbound[emitName] = append([]string(nil), vals...)
			if emitName != canon {
				// Forward{rename} renames in place; it does not duplicate
				// a copy under the original name even if an earlier
				// regex-forward already populated it.
				delete(outbound, canon)
			}
			return
		}
		if r.Default != "" {
			outbound.Set(emitName, r.Default)
		}

	case Insert:
		outbound.Set(r.Name, r.Value)

	case Remove:
		if r.Pattern != nil {
			for name := range outbound {
				if r.Pattern.MatchString(name) {
					delete(outbound, name)
				}
			}
			return
		}
		outbound.Del(r.Name)

	case RenameDuplicate:
		canon := textproto.CanonicalMIMEHeaderKey(r.Name)
		var value string
		var has bool
		if vals, ok := inbound[canon]; ok && len(vals) > 0 {
			value, has = vals[0], true
		} else if r.Default != "" {
			value, has = r.Default, true
		}
		if has {
			outbound.Set(canon, value)
			outbound.Set(textproto.CanonicalMIMEHeaderKey(r.Rename), value)
		}
	}
}
