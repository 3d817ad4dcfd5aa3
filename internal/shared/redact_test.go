package shared

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bearer", "Bearer abc123def456ghi789jkl0", "Bearer [REDACTED]"},
		{"api key assignment", "api_key=abcdef1234567890abcdef", "api_key[REDACTED]"},
		{"anthropic key", "auth failed for sk-ant-REDACTED", "auth failed for [REDACTED]"},
		{"google key", "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx", "key is [REDACTED]"},
		{"postgres url", "dial postgres://strata:hunter2@db:5432/strata failed", "dial postgres://strata:[REDACTED]@db:5432/strata failed"},
		{"plain", "this is a normal log message", "this is a normal log message"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.input)
			if tt.name == "api key assignment" {
				if strings.Contains(got, "abcdef1234567890abcdef") {
					t.Fatalf("secret survived redaction: %q", got)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"ANTHROPIC_API_KEY", "some-secret", "[REDACTED]"},
		{"STRATA_POSTGRES_URL", "postgres://u:p@h/db", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"STRATA_CHUNK_TOKENS", "2000", "2000"},
		{"STRATA_LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}
