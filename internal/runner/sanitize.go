package runner

import (
	"regexp"
	"strings"
)

// Compiled patterns for content that must not survive a write or send.
var (
	// Script blocks including their body.
	scriptRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)

	// Openers left over when the closing tag never came.
	scriptOpenRe = regexp.MustCompile(`(?i)<script\b[^>]*>`)

	// Inline HTML event handlers: onload=, onerror=, onclick= and the
	// rest of the on* family, with quoted or bare values.
	eventHandlerRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
)

// dangerousFragments are removed verbatim, case-insensitively. The list
// is fixed; it is not read from configuration.
var dangerousFragments = []string{
	"javascript:",
	"vbscript:",
	"data:text/html",
	"<iframe",
	"</iframe>",
	"srcdoc=",
	"document.cookie",
	"window.location=",
	"eval(",
	"expression(",
}

// Sanitize strips script blocks, inline event handlers, and the fixed
// fragment deny-list from text content. Reports whether anything was
// removed.
func Sanitize(text string) (string, bool) {
	out := scriptRe.ReplaceAllString(text, "")
	out = scriptOpenRe.ReplaceAllString(out, "")
	out = eventHandlerRe.ReplaceAllString(out, "")
	for _, frag := range dangerousFragments {
		out = removeFold(out, frag)
	}
	return out, out != text
}

// removeFold deletes every case-insensitive occurrence of frag from s.
func removeFold(s, frag string) string {
	lower := strings.ToLower(s)
	frag = strings.ToLower(frag)
	for {
		i := strings.Index(lower, frag)
		if i < 0 {
			return s
		}
		s = s[:i] + s[i+len(frag):]
		lower = lower[:i] + lower[i+len(frag):]
	}
}
