package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that can leak into logs, persisted
// last_error strings and the run ledger. Patterns with two groups keep the
// first group and redact the second.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|x-api-key)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic and OpenAI style keys.
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
	// Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Password component of a database URL.
	regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/@\s]+:)([^@\s]+)@`),
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				suffix := ""
				if strings.HasSuffix(match, "@") {
					suffix = "@"
				}
				return submatch[1] + redactedPlaceholder + suffix
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue redacts value when key looks like it names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "postgres_url"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
