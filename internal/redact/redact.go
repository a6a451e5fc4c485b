// Package redact masks personal data and credentials before text reaches a
// log line or the public kiosk screen.
package redact

import (
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	keyQueryParam = regexp.MustCompile(`([?&](?:key|api_key|access_token)=)[^&\s"]+`)
)

// Caption masks emails, card numbers and phone numbers in spoken text.
func Caption(input string) (string, bool) {
	out := emailPattern.ReplaceAllString(input, "[email]")
	// Cards first so long digit runs are not taken for phone numbers.
	out = cardPattern.ReplaceAllString(out, "[card]")
	out = phonePattern.ReplaceAllString(out, "[phone]")
	return out, out != input
}

// Secrets masks credential query parameters and any of the given literal
// secrets. Empty secrets are ignored.
func Secrets(input string, secrets ...string) string {
	out := keyQueryParam.ReplaceAllString(input, "${1}REDACTED")
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			out = strings.ReplaceAll(out, s, "REDACTED")
		}
	}
	return out
}
