package audit

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	cardPattern   = regexp.MustCompile(`\d(?:[ -]?\d){12,18}`)
	secretPattern = regexp.MustCompile(`(?i)\b(password|passwd|pwd|token|access_token|secret|api_key|apikey)=([^&\s;,"']+)`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
)

// Redact masks card numbers that pass a Luhn check, credential pairs and
// bearer tokens.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = cardPattern.ReplaceAllStringFunc(s, func(run string) string {
		if luhn(run) {
			return "[REDACTED:pan]"
		}
		return run
	})
	s = secretPattern.ReplaceAllString(s, "${1}="+redacted)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	return s
}

func luhn(run string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, run)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
