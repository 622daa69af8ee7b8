package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a host name or command cannot forge extra log lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// MaskSecret hides all but the last four characters of a secret.
func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 8 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
