package security

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultLogLimit caps how much of a remote error body ends up in a log line.
const DefaultLogLimit = 512

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	hiveKeyPattern       = regexp.MustCompile(`\bhk_[0-9a-fA-F]{16,}\b`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	cookiePattern        = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
)

// RedactPayload masks credentials a node might echo back in an error body:
// bearer tokens, hive API keys, key=value secrets, JSON secret fields and
// private key blocks.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = hiveKeyPattern.ReplaceAllString(out, "hk_[REDACTED]")
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		if strings.Contains(match, "[REDACTED]") {
			return match
		}
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = cookiePattern.ReplaceAllString(out, `${1}[REDACTED]`)
	return out
}

// RedactForLog redacts input and truncates it to at most limit bytes.
// A non-positive limit uses DefaultLogLimit.
func RedactForLog(input string, limit int) string {
	out := strings.TrimSpace(RedactPayload(input))
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if len(out) <= limit {
		return out
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "...(truncated)"
}
