package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// urlPatterns are tried in order; the first match wins. "." crosses newlines so a URL the
// terminal wrapped still matches.
var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?ms)http://.*?:(\d+)/.*?\?token=([a-f0-9]+)`),
	regexp.MustCompile(`(?ms)http://localhost:(\d+)/.*?\?token=([a-f0-9]+)`),
	regexp.MustCompile(`(?ms)http://[\w\-\.]+:(\d+)/\?token=([a-f0-9]+)`),
	regexp.MustCompile(`(?ms)Or copy and paste one of these URLs:\s*http://.*?:(\d+)/.*?\?token=([a-f0-9]+)`),
}

// StripANSI removes terminal escape sequences and carriage returns.
func StripANSI(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// ParseServerURL finds the notebook port and token in server output.
func ParseServerURL(output string) (port int, token string, ok bool) {
	clean := StripANSI(output)
	for _, re := range urlPatterns {
		m := re.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		p, err := strconv.Atoi(m[1])
		if err != nil || p <= 0 || p > 65535 {
			continue
		}
		return p, m[2], true
	}
	return 0, "", false
}
