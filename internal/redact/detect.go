// Package redact finds spoken PCI/PII in word-timestamped transcripts,
// scrubs transcript text, and mutes the matching audio ranges.
package redact

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Redaction reasons recorded in redacted_segments.
const (
	ReasonCardNumber         = "card_number"
	ReasonCvv                = "cvv"
	ReasonExpiry             = "expiry"
	ReasonDob                = "dob"
	ReasonCardNumberSequence = "card_number_sequence"
	ReasonSsn                = "ssn"
	ReasonEmail              = "email"
	ReasonPasswordOrPin      = "password_or_pin"
	ReasonAddress            = "address"
)

// DefaultPadSeconds widens every mute window. Dates of birth get a
// tighter pad so surrounding speech survives.
const (
	DefaultPadSeconds = 0.5
	dobPadSeconds     = 0.15
)

// Word is one transcribed token with its audio position.
type Word struct {
	Word  string
	Start float64
	End   float64
}

// Span is an audio range to mute. WordIndices lists the transcript
// words the range covers; only the times are persisted.
type Span struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Reason      string  `json:"reason"`
	WordIndices []int   `json:"-"`
}

// rawSpan is a word-index range before conversion to time.
type rawSpan struct {
	first, last int
	reason      string
	pad         float64
}

var (
	ssnToken   = regexp.MustCompile(`^\d{3}[-\s]?\d{2}[-\s]?\d{4}$`)
	emailToken = regexp.MustCompile(`^[\w.%+-]+@[\w.-]+\.[a-zA-Z]{2,}$`)
	ordinal    = regexp.MustCompile(`^\d{1,2}(st|nd|rd|th)$`)
)

var cardKeywords = wordSet("credit", "card", "visa", "mastercard", "amex", "discover", "debit", "payment", "number")
var cvvKeywords = wordSet("cvv", "cvc", "security", "verification", "code")
var passwordKeywords = wordSet("password", "passcode", "pin", "pincode")
var monthNames = wordSet(
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december")
var streetSuffixes = wordSet(
	"street", "st", "avenue", "ave", "road", "rd", "boulevard", "blvd",
	"drive", "dr", "lane", "ln", "court", "ct", "circle", "cir",
	"way", "place", "pl", "highway", "hwy")
var emailTLDs = wordSet("com", "net", "org", "edu", "gov", "io", "co", "us", "biz", "info")

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// token is a preprocessed word.
type token struct {
	raw    string // original text, punctuation intact
	norm   string // lowercased, edge punctuation stripped
	digits int    // count of digit runes
}

func tokenize(words []Word) []token {
	toks := make([]token, len(words))
	for i, w := range words {
		t := token{raw: w.Word}
		t.norm = strings.Trim(strings.ToLower(w.Word), " .,!?;:'\"()[]")
		for _, r := range t.norm {
			if r >= '0' && r <= '9' {
				t.digits++
			}
		}
		toks[i] = t
	}
	return toks
}

// Detect scans word-timestamped speech for sensitive content and
// returns merged audio spans to mute. Without word timestamps no audio
// spans exist; callers fall back to text-only redaction.
func Detect(words []Word, pad float64) []Span {
	if len(words) == 0 {
		return nil
	}
	if pad <= 0 {
		pad = DefaultPadSeconds
	}
	toks := tokenize(words)

	var raw []rawSpan
	raw = append(raw, keywordDigitSpans(toks, cardKeywordAt, 15, ReasonCardNumber, pad)...)
	raw = append(raw, keywordDigitSpans(toks, cvvKeywordAt, 10, ReasonCvv, pad)...)
	raw = append(raw, keywordDigitSpans(toks, expiryKeywordAt, 10, ReasonExpiry, pad)...)
	raw = append(raw, dobSpans(toks, pad)...)
	raw = append(raw, cardSequenceSpans(toks, pad)...)
	raw = append(raw, ssnSpans(toks, pad)...)
	raw = append(raw, emailSpans(toks, pad)...)
	raw = append(raw, passwordSpans(toks, pad)...)
	raw = append(raw, addressSpans(toks, pad)...)

	spans := make([]Span, 0, len(raw))
	for _, r := range raw {
		start := words[r.first].Start - r.pad
		if start < 0 {
			start = 0
		}
		idx := make([]int, 0, r.last-r.first+1)
		for k := r.first; k <= r.last; k++ {
			idx = append(idx, k)
		}
		spans = append(spans, Span{
			Start:       start,
			End:         words[r.last].End + r.pad,
			Reason:      r.reason,
			WordIndices: idx,
		})
	}
	return MergeSpans(spans)
}

func cardKeywordAt(toks []token, i int) (bool, int) {
	return cardKeywords[toks[i].norm], 1
}

func cvvKeywordAt(toks []token, i int) (bool, int) {
	return cvvKeywords[toks[i].norm], 1
}

func expiryKeywordAt(toks []token, i int) (bool, int) {
	n := toks[i].norm
	ok := n == "exp" || strings.HasPrefix(n, "expir") || strings.HasPrefix(n, "valid")
	return ok, 1
}

// keywordDigitSpans implements the keyword-then-digits rules: a trigger
// keyword followed by at least one digit-bearing token inside the
// window redacts keyword through the last digit token.
func keywordDigitSpans(toks []token, keywordAt func([]token, int) (bool, int), window int, reason string, pad float64) []rawSpan {
	var out []rawSpan
	for i := 0; i < len(toks); i++ {
		ok, width := keywordAt(toks, i)
		if !ok {
			continue
		}
		lastDigit := -1
		end := i + width - 1 + window
		for j := i + width; j <= end && j < len(toks); j++ {
			if toks[j].digits > 0 {
				lastDigit = j
			}
		}
		if lastDigit >= 0 {
			out = append(out, rawSpan{first: i, last: lastDigit, reason: reason, pad: pad})
		}
	}
	return out
}

func phraseAt(toks []token, i int, phrase ...string) bool {
	if i+len(phrase) > len(toks) {
		return false
	}
	for k, p := range phrase {
		if toks[i+k].norm != p {
			return false
		}
	}
	return true
}

func dateLike(t token) bool {
	return t.digits > 0 || monthNames[t.norm] || ordinal.MatchString(t.norm)
}

// dobSpans redacts only the date tokens after a birth-date trigger, and
// with tighter padding, so the question itself stays audible.
func dobSpans(toks []token, pad float64) []rawSpan {
	dobPad := dobPadSeconds
	if pad < dobPad {
		dobPad = pad
	}

	var out []rawSpan
	for i := 0; i < len(toks); i++ {
		width := 0
		switch {
		case toks[i].norm == "dob" || toks[i].norm == "birthday":
			width = 1
		case phraseAt(toks, i, "date", "of", "birth"):
			width = 3
		case phraseAt(toks, i, "birth", "date"):
			width = 2
		default:
			continue
		}

		first, last := -1, -1
		end := i + width - 1 + 12
		for j := i + width; j <= end && j < len(toks); j++ {
			if dateLike(toks[j]) {
				if first < 0 {
					first = j
				}
				last = j
			}
		}
		if first >= 0 {
			out = append(out, rawSpan{first: first, last: last, reason: ReasonDob, pad: dobPad})
		}
	}
	return out
}

// cardSequenceSpans catches card numbers read out without any keyword:
// any 10-token window whose consecutive digit tokens spell 12 to 19
// digits is muted whole.
func cardSequenceSpans(toks []token, pad float64) []rawSpan {
	var out []rawSpan
	for i := 0; i < len(toks); i++ {
		last := i + 9
		if last >= len(toks) {
			last = len(toks) - 1
		}
		run := 0
		hit := false
		for j := i; j <= last; j++ {
			if toks[j].digits > 0 {
				run += toks[j].digits
				if run >= 12 && run <= 19 {
					hit = true
				}
			} else {
				run = 0
			}
		}
		if hit {
			out = append(out, rawSpan{first: i, last: last, reason: ReasonCardNumberSequence, pad: pad})
		}
	}
	return out
}

func ssnSpans(toks []token, pad float64) []rawSpan {
	var out []rawSpan
	for i := 0; i < len(toks); i++ {
		if ssnToken.MatchString(strings.Trim(toks[i].raw, " .,!?;:'\"()")) {
			out = append(out, rawSpan{first: i, last: i, reason: ReasonSsn, pad: pad})
			continue
		}

		width := 0
		switch {
		case toks[i].norm == "ssn":
			width = 1
		case phraseAt(toks, i, "social", "security"):
			width = 2
		default:
			continue
		}
		lastDigit := -1
		end := i + width - 1 + 20
		for j := i + width; j <= end && j < len(toks); j++ {
			if toks[j].digits > 0 {
				lastDigit = j
			}
		}
		if lastDigit >= 0 {
			out = append(out, rawSpan{first: i, last: lastDigit, reason: ReasonSsn, pad: pad})
		}
	}
	return out
}

func emailSpans(toks []token, pad float64) []rawSpan {
	clampFirst := func(i int) int {
		if i < 0 {
			return 0
		}
		return i
	}
	clampLast := func(i, n int) int {
		if i >= n {
			return n - 1
		}
		return i
	}

	var out []rawSpan
	for i := 0; i < len(toks); i++ {
		if strings.Contains(toks[i].norm, "@") && emailToken.MatchString(toks[i].norm) {
			out = append(out, rawSpan{
				first:  clampFirst(i - 2),
				last:   clampLast(i+2, len(toks)),
				reason: ReasonEmail,
				pad:    pad,
			})
			continue
		}

		// Spoken form: <name> at <host> dot <tld>.
		if toks[i].norm != "at" || i == 0 {
			continue
		}
		for j := i + 1; j <= i+8 && j+1 < len(toks); j++ {
			if toks[j].norm == "dot" && emailTLDs[toks[j+1].norm] {
				out = append(out, rawSpan{
					first:  clampFirst(i - 1 - 2),
					last:   clampLast(j+1+2, len(toks)),
					reason: ReasonEmail,
					pad:    pad,
				})
				break
			}
		}
	}
	return out
}

func passwordSpans(toks []token, pad float64) []rawSpan {
	var out []rawSpan
	for i := 0; i < len(toks); i++ {
		if !passwordKeywords[toks[i].norm] {
			continue
		}
		last := i + 10
		if last >= len(toks) {
			last = len(toks) - 1
		}
		out = append(out, rawSpan{first: i, last: last, reason: ReasonPasswordOrPin, pad: pad})
	}
	return out
}

func addressSpans(toks []token, pad float64) []rawSpan {
	clampLast := func(i, n int) int {
		if i >= n {
			return n - 1
		}
		return i
	}

	var out []rawSpan
	for i := 0; i < len(toks); i++ {
		if toks[i].norm == "address" {
			out = append(out, rawSpan{first: i, last: clampLast(i+25, len(toks)), reason: ReasonAddress, pad: pad})
			continue
		}

		// House number followed by a street suffix nearby.
		if toks[i].digits == 0 || toks[i].digits != len(toks[i].norm) || toks[i].digits > 5 {
			continue
		}
		for j := i + 1; j <= i+6 && j < len(toks); j++ {
			if streetSuffixes[toks[j].norm] {
				out = append(out, rawSpan{first: i, last: clampLast(j+6, len(toks)), reason: ReasonAddress, pad: pad})
				break
			}
		}
	}
	return out
}

// MergeSpans sorts by start time and folds overlapping or touching
// spans together, keeping the earlier span's reason.
func MergeSpans(spans []Span) []Span {
	if len(spans) <= 1 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	merged := []Span{spans[0]}
	for _, s := range spans[1:] {
		cur := &merged[len(merged)-1]
		if s.Start <= cur.End {
			if s.End > cur.End {
				cur.End = s.End
			}
			cur.WordIndices = mergeIndices(cur.WordIndices, s.WordIndices)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func mergeIndices(a, b []int) []int {
	if len(b) == 0 {
		return a
	}
	out := append(append([]int{}, a...), b...)
	sort.Ints(out)
	n := 0
	for _, v := range out {
		if n == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}

// SegmentsJSON renders spans for the redacted_segments column.
func SegmentsJSON(spans []Span) string {
	if len(spans) == 0 {
		return "[]"
	}
	b, err := json.Marshal(spans)
	if err != nil {
		return "[]"
	}
	return string(b)
}
