package redact

import "regexp"

// Placeholder written over every scrubbed substring.
const Placeholder = "[REDACTED]"

// Text rules mirror the span detectors so transcripts are scrubbed even
// when no word timestamps exist. Keyword-context rules keep the keyword
// and replace only the value, so re-running sanitization is a no-op.
var textRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	// Email addresses.
	{regexp.MustCompile(`[\w.%+-]+@[\w.-]+\.[a-zA-Z]{2,}`), Placeholder},
	// Formatted (or bare nine-digit) SSNs.
	{regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`), Placeholder},
	// 12 to 19 digit card runs, allowing single space or dash separators.
	{regexp.MustCompile(`\b\d(?:[ -]?\d){11,18}\b`), Placeholder},
	// CVV values named in context.
	{regexp.MustCompile(`(?i)\b(cvv|cvc|security code|verification code)((?:\s+(?:is|was|number))*[:\s]+)\d{3,4}\b`), "${1}${2}" + Placeholder},
	// Expiry dates named in context.
	{regexp.MustCompile(`(?i)\b(expiry|expiration|expires?|exp|valid(?:\s+(?:thru|through|until))?)((?:\s+(?:date|is|on|the))*[:\s]+)\d{1,2}\s*[/\- ]\s*\d{2,4}\b`), "${1}${2}" + Placeholder},
}

// SanitizeText scrubs sensitive substrings from free text. Idempotent:
// sanitizing already-sanitized text returns it unchanged.
func SanitizeText(s string) string {
	for _, rule := range textRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}
