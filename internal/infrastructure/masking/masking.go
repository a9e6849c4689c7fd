// Package masking redacts secrets from audit context before it is persisted.
package masking

import "strings"

const maskToken = "****"

var sensitiveKeys = []string{"password", "passphrase", "secret", "token", "private_key", "privatekey", "pin", "pkcs12"}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 8 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSensitiveKey reports whether a context key names secret material
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MaskJSON returns a copy of the input with the values of sensitive keys masked.
// Nested maps and slices are walked; a sensitive key masks everything below it.
func MaskJSON(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if IsSensitiveKey(trimmedKey) {
			masked[trimmedKey] = maskAll(value)
			continue
		}
		masked[trimmedKey] = walk(value)
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

func walk(value any) any {
	switch cast := value.(type) {
	case map[string]any:
		return MaskJSON(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, walk(item))
		}
		return out
	default:
		return value
	}
}

func maskAll(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case []byte:
		return MaskSecret(string(cast))
	case map[string]any:
		out := make(map[string]any, len(cast))
		for k, v := range cast {
			out[k] = maskAll(v)
		}
		return out
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskAll(item))
		}
		return out
	case nil:
		return nil
	default:
		return maskToken
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
