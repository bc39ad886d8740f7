package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// RunPod API keys
	regexp.MustCompile(`rpa_[A-Za-z0-9]{20,}`),
}

// Redact replaces secret-bearing substrings with [REDACTED], keeping any
// key-like prefix so the log line stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				if i := strings.LastIndex(match, submatch[2]); i >= 0 {
					return match[:i] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a field or env var name is likely to hold a
// credential.
func SensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "authorization"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// RedactEnvValue masks value when key looks secret.
func RedactEnvValue(key, value string) string {
	if SensitiveKey(key) && value != "" {
		return redactedPlaceholder
	}
	return value
}
