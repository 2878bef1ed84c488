package bedrock

import "strings"

// family identifies a Bedrock model vendor by its model-id prefix, per
// spec §4.5. Dispatch on family decides Converse-vs-Invoke wire path and
// per-family tool-choice capability.
type family string

const (
	familyAnthropic family = "anthropic"
	familyTitan     family = "titan"
	familyNova      family = "nova"
	familyMeta      family = "meta"
	familyMistral   family = "mistral"
	familyCohere    family = "cohere"
	familyDeepSeek  family = "deepseek"
	familyAI21      family = "ai21"
	familyUnknown   family = "unknown"
)

// resolveFamily parses a resolved Bedrock model id into its family,
// accepting an optional single-component regional prefix such as "us." or
// "eu." used for cross-region inference profiles.
func resolveFamily(modelID string) family {
	id := modelID
	if idx := strings.IndexByte(id, '.'); idx > 0 {
		if isRegionPrefix(id[:idx]) {
			id = id[idx+1:]
		}
	}
	switch {
	case strings.HasPrefix(id, "anthropic."):
		return familyAnthropic
	case strings.HasPrefix(id, "amazon.titan-"):
		return familyTitan
	case strings.HasPrefix(id, "amazon.nova-"):
		return familyNova
	case strings.HasPrefix(id, "meta."):
		return familyMeta
	case strings.HasPrefix(id, "mistral."):
		return familyMistral
	case strings.HasPrefix(id, "cohere.command-r"):
		return familyCohere
	case strings.HasPrefix(id, "deepseek."):
		return familyDeepSeek
	case strings.HasPrefix(id, "ai21."):
		return familyAI21
	default:
		return familyUnknown
	}
}

func isRegionPrefix(s string) bool {
	switch s {
	case "us", "eu", "apac", "au", "jp":
		return true
	default:
		return false
	}
}

// usesInvokeAPI reports whether a family is routed through the legacy
// per-vendor Invoke API instead of the uniform Converse API, per spec §4.5.
func usesInvokeAPI(f family) bool {
	switch f {
	case familyTitan, familyMistral, familyDeepSeek:
		return true
	default:
		return false
	}
}

// supportsForceAnyTool and supportsForceSpecificTool implement spec §4.5's
// family-dependent tool-choice fallback: families lacking the capability
// fall back to "auto".
func supportsForceAnyTool(f family) bool {
	switch f {
	case familyAnthropic, familyNova, familyCohere:
		return true
	default:
		return false
	}
}

func supportsForceSpecificTool(f family) bool {
	switch f {
	case familyAnthropic, familyNova:
		return true
	default:
		return false
	}
}
