package logutil

import (
	"regexp"
	"strings"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == ' ' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most n bytes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var secretArgPattern = regexp.MustCompile(`(?i)((?:--?(?:password|passwd|pass|token|secret|api-?key)[= ])|(?:(?:password|passwd|token|secret|api_?key)=))(\S+)`)

// MaskCommand hides values following password/token style flags and
// assignments, e.g. "mysql --password=hunter2" -> "mysql --password=****".
// Commands flagged sensitive by the caller are replaced wholesale.
func MaskCommand(cmd string, sensitive bool) string {
	if sensitive {
		fields := strings.Fields(cmd)
		if len(fields) == 0 {
			return ""
		}
		return fields[0] + " ****"
	}
	return secretArgPattern.ReplaceAllString(cmd, "${1}****")
}
