package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	fencedCodeRe   = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe   = regexp.MustCompile("`([^`]*)`")
	markdownLinkRe = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	bareURLRe      = regexp.MustCompile(`https?://\S+`)
	headingRe      = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	bulletRe       = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
)

var emphasisReplacer = strings.NewReplacer("**", "", "__", "", "*", "", "~~", "", "|", " ")

// Speakable reduces a reply to what should be read aloud. Code blocks and
// URLs are dropped, link labels and inline code text are kept, and list or
// heading markers are removed so each item reads as its own sentence.
func Speakable(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = fencedCodeRe.ReplaceAllString(text, " ")
	text = markdownLinkRe.ReplaceAllString(text, "$1")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = bareURLRe.ReplaceAllString(text, " ")
	text = headingRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "")
	text = emphasisReplacer.Replace(text)

	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sk), r == '\u200d', r == '\ufe0f':
			// emoji and joiners
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
