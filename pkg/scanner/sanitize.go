package scanner

import (
	"regexp"
	"strings"
)

// Removal order: block-level tags go first so their attributes do not
// survive as loose text, then inline vectors, then SQL comments.
var sanitizeSteps = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?i)<\s*script\b[^>]*>`),
	regexp.MustCompile(`(?is)<\s*(iframe|object|embed)\b[^>]*>.*?<\s*/\s*(iframe|object|embed)\s*>`),
	regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b[^>]*/?\s*>`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`/\*.*?\*/`),
	regexp.MustCompile(`--`),
}

// Sanitize strips script blocks, event handlers, javascript: URLs,
// iframe/object/embed blocks, SQL comment tokens, and null bytes. The
// whole step pipeline runs to a fixed point: deleting one match can
// splice the surrounding text into a fresh match for an earlier step
// ("java<iframe>script:" reassembles once the tag is gone), so a single
// pass is not enough. Sanitizing already-sanitized text is a no-op.
func Sanitize(text string) string {
	out := strings.ReplaceAll(text, "\x00", "")
	for {
		next := sanitizeOnce(out)
		if next == out {
			return out
		}
		out = next
	}
}

// sanitizeOnce applies every removal step once. All steps delete text,
// so repeated application strictly shrinks the input and the fixpoint
// loop in Sanitize terminates.
func sanitizeOnce(s string) string {
	for _, re := range sanitizeSteps {
		s = re.ReplaceAllString(s, "")
	}
	return s
}
