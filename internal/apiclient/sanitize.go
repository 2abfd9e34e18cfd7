package apiclient

import (
	"encoding/json"
	"strings"
)

// Redacted replaces sensitive values in logged payloads.
const Redacted = "[REDACTED]"

var sensitiveFragments = []string{"token", "password", "secret", "authorization", "apikey"}

// Sanitize returns a copy of v with sensitive fields redacted, walking nested
// maps and slices. Non-sensitive values are preserved verbatim; v is not modified.
func Sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(inner)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = inner
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Sanitize(inner)
		}
		return out
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.NewReplacer("_", "", "-", "").Replace(normalized)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// sanitizePayload prepares a request or response body for logging. Structs
// are round-tripped through JSON so their field names can be inspected;
// bodies that are not JSON are summarized by size.
func sanitizePayload(body any) any {
	switch val := body.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return sanitizeRaw(val)
	case []byte:
		return sanitizeRaw(val)
	case map[string]any, []any, map[string]string:
		return Sanitize(val)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "<unencodable body>"
	}
	return sanitizeRaw(raw)
}

func sanitizeRaw(raw []byte) any {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{"non_json_bytes": len(raw)}
	}
	return Sanitize(decoded)
}
