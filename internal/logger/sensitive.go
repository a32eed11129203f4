package logger

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitiveDataPatterns match credentials embedded in free-form strings,
// such as broker URLs with userinfo or "password=..." fragments.
var sensitiveDataPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:password|passwd|secret|token|dsn)[\s:=]+)([^;,\s]{3,})`),
	regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://[^:/\s]+:)([^@\s]+)(@)`),
}

// sensitiveKeywords mark field keys whose values are never logged
var sensitiveKeywords = []string{"password", "passwd", "secret", "token", "dsn", "credential"}

// RedactSensitiveData replaces embedded credentials with [REDACTED]
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	input = sensitiveDataPatterns[0].ReplaceAllString(input, "${1}"+redactedValue)
	return sensitiveDataPatterns[1].ReplaceAllString(input, "${1}"+redactedValue+"${3}")
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
