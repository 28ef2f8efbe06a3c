package audit

import "github.com/microcosm-cc/bluemonday"

// contentPolicy strips any HTML/script markup out of free-form
// operator- or plugin-supplied audit content before it is
// canonicalized and hashed, so the chain never carries replayable
// stored-XSS payloads. Sanitization runs before digesting: the digest
// covers the sanitized form, not the raw input.
var contentPolicy = bluemonday.StrictPolicy()

// SanitizeContent strips markup from a single string field.
func SanitizeContent(s string) string {
	return contentPolicy.Sanitize(s)
}

// SanitizeMeta walks a meta map and sanitizes every string value,
// recursing into nested maps; non-string scalars and numbers pass
// through untouched.
func SanitizeMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return contentPolicy.Sanitize(t)
	case map[string]any:
		return SanitizeMeta(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}
