// Package prompts provides the embedded default analysis prompt. It is
// the platform fallback when a tenant has not configured a custom
// prompt; the numbered sections it requests are what the analysis
// parser expects.
package prompts

import (
	_ "embed"
	"strings"
)

//go:embed analysis_prompt.txt
var defaultAnalysis string

// Sections are the numbered headings the default prompt requests, in
// order. The parser maps sections 1 through 5 to structured metadata.
var Sections = []string{
	"Summary",
	"Action Items",
	"Sentiment",
	"Urgent Topics",
	"Booking Status",
	"Additional Notes",
}

// DefaultAnalysis returns the platform analysis prompt.
func DefaultAnalysis() string {
	return strings.TrimSpace(defaultAnalysis)
}

// Analysis returns the tenant's custom prompt when set, otherwise the
// platform default.
func Analysis(custom string) string {
	custom = strings.TrimSpace(custom)
	if custom != "" {
		return custom
	}
	return DefaultAnalysis()
}
