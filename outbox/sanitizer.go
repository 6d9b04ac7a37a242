package outbox

import (
	"regexp"
	"strings"
)

// Error text stored in the last_error column is redacted and bounded
// (CWE-209): delivery failures embed endpoint URLs and response snippets
// that may carry credentials.
const maxStoredErrorRunes = 1000

const errorTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var sensitivePatterns = []sensitivePattern{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key|access[_-]?token)=)([^&\s]+)`),
		replacement: `$1` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redactedValue,
	},
}

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts sensitive values and enforces a bounded length.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range sensitivePatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	return TruncateError(redacted)
}

// TruncateError bounds error text to the storage limit, counting runes so
// multi-byte text is never split mid-character.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxStoredErrorRunes {
		return msg
	}

	suffixRunes := []rune(errorTruncatedSuffix)

	trimmed := string(runes[:maxStoredErrorRunes-len(suffixRunes)])

	return trimmed + errorTruncatedSuffix
}
