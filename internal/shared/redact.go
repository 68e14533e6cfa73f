package shared

import (
	"regexp"
	"strings"
)

// Redacted is the marker substituted for credential material.
const Redacted = "[REDACTED]"

type scrubRule struct {
	re   *regexp.Regexp
	repl string
}

// The gateway accepts its token three ways (Authorization bearer, X-API-Key
// header, api_key query parameter) and the redis addr may carry a password.
// Each shape gets its own rule so the surrounding text survives.
var scrubRules = []scrubRule{
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)(x-api-key\s*[:=]\s*)\S+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)(api_key=)[^&\s"]+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)((?:auth[_-]?token|secret[_-]?key|password|passwd)\s*[:=]\s*"?)[^\s"&]+`), "${1}" + Redacted},
	{regexp.MustCompile(`(redis://[^:/@\s]*:)[^@\s]+@`), "${1}" + Redacted + "@"},
}

// Redact strips credential material from a string bound for a log line, an
// error message, or an event payload.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range scrubRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

var secretKeyMarkers = []string{
	"token", "secret", "password", "passwd",
	"api_key", "apikey", "authorization", "bearer", "credential",
}

// SecretKey reports whether an attribute or env var name should never have
// its value logged, whatever the value looks like.
func SecretKey(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
