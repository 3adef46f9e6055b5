package analyze

import (
	"regexp"
	"strings"

	"github.com/callscribe/callscribe/internal/prompts"
)

// headingRe matches a numbered section line, tolerating markdown
// prefixes like "### " or "**".
var headingRe = regexp.MustCompile(`^\s*(?:[#>*]+\s*)?(\d)[.):]\s*(.*)$`)

// bulletRe strips list markers from action item lines.
var bulletRe = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

type report struct {
	summary      string
	actionItems  []string
	sentiment    string
	urgentTopics string
	booking      string
}

func parseReport(raw string) report {
	sections := splitSections(raw)
	return report{
		summary:      sections[1],
		actionItems:  parseActionItems(sections[2]),
		sentiment:    normalizeSentiment(sections[3]),
		urgentTopics: normalizeUrgent(sections[4]),
		booking:      normalizeBooking(sections[5]),
	}
}

func splitSections(raw string) map[int]string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	parts := map[int][]string{}
	current := 0
	for _, line := range strings.Split(raw, "\n") {
		if n, rest, ok := matchHeading(line); ok {
			current = n
			if rest != "" {
				parts[n] = append(parts[n], rest)
			}
			continue
		}
		if current > 0 {
			parts[current] = append(parts[current], line)
		}
	}
	out := map[int]string{}
	for n, lines := range parts {
		out[n] = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return out
}

// matchHeading recognizes "N. <label>" lines where the label is the one
// the prompt requests for section N. Numbered list items in the body
// never carry those labels, so they stay section content.
func matchHeading(line string) (int, string, bool) {
	m := headingRe.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	n := int(m[1][0] - '0')
	if n < 1 || n > len(prompts.Sections) {
		return 0, "", false
	}
	rest := strings.TrimSpace(strings.Trim(m[2], "*"))
	label := prompts.Sections[n-1]
	if len(rest) < len(label) || !strings.EqualFold(rest[:len(label)], label) {
		return 0, "", false
	}
	rest = strings.TrimSpace(strings.TrimLeft(rest[len(label):], ":- "))
	return n, rest, true
}

func parseActionItems(s string) []string {
	var items []string
	for _, line := range strings.Split(s, "\n") {
		t := strings.TrimSpace(line)
		t = strings.TrimSpace(bulletRe.ReplaceAllString(t, ""))
		if t == "" || strings.EqualFold(t, "none") || strings.EqualFold(t, "none.") {
			continue
		}
		items = append(items, t)
	}
	return items
}

func normalizeSentiment(s string) string {
	l := strings.ToLower(s)
	switch {
	case strings.Contains(l, "positive"):
		return "positive"
	case strings.Contains(l, "negative"):
		return "negative"
	default:
		return "neutral"
	}
}

func normalizeUrgent(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "none.") {
		return "None"
	}
	return s
}

// normalizeBooking constrains the status to the closed set the prompt
// asks for. "not booked" must be checked before "booked".
func normalizeBooking(s string) string {
	l := strings.ToLower(s)
	switch {
	case strings.Contains(l, "not booked"):
		return "Not Booked"
	case strings.Contains(l, "resched"):
		return "Rescheduled"
	case strings.Contains(l, "cancel"):
		return "Canceled"
	case strings.Contains(l, "booked"):
		return "Booked"
	default:
		return ""
	}
}
