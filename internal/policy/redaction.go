package policy

import "regexp"

type piiRule struct {
	kind string
	re   *regexp.Regexp
	mask string
}

// Order matters: card and SSN shapes also satisfy the looser phone pattern.
var piiRules = []piiRule{
	{kind: "email", re: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), mask: "[REDACTED_EMAIL]"},
	{kind: "card", re: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), mask: "[REDACTED_CARD]"},
	{kind: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), mask: "[REDACTED_SSN]"},
	{kind: "phone", re: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), mask: "[REDACTED_PHONE]"},
}

// Redaction is the result of masking a piece of text.
type Redaction struct {
	Text  string
	Kinds []string
}

func (r Redaction) Changed() bool { return len(r.Kinds) > 0 }

// Redact masks high-risk PII in conversation text before it is persisted.
func Redact(input string) Redaction {
	out := Redaction{Text: input}
	for _, rule := range piiRules {
		next := rule.re.ReplaceAllString(out.Text, rule.mask)
		if next != out.Text {
			out.Kinds = append(out.Kinds, rule.kind)
			out.Text = next
		}
	}
	return out
}

// RedactPII is Redact reduced to the masked text and whether anything changed.
func RedactPII(input string) (string, bool) {
	r := Redact(input)
	return r.Text, r.Changed()
}
