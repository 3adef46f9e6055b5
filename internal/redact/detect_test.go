package redact

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

// mkWords lays tokens on a timeline: 0.4s per word with a 0.1s gap.
func mkWords(text string) []Word {
	fields := strings.Fields(text)
	words := make([]Word, len(fields))
	for i, f := range fields {
		start := float64(i) * 0.5
		words[i] = Word{Word: f, Start: start, End: start + 0.4}
	}
	return words
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// covers reports whether some span fully contains [start, end].
func covers(spans []Span, start, end float64) bool {
	for _, s := range spans {
		if s.Start <= start && s.End >= end {
			return true
		}
	}
	return false
}

func TestDetectCvvKeyword(t *testing.T) {
	words := mkWords("the security code is 123 okay")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1", spans)
	}
	if spans[0].Reason != ReasonCvv {
		t.Errorf("reason = %q, want cvv", spans[0].Reason)
	}
	// Keyword token (index 1) through digit token (index 4), padded 0.5s.
	if !approx(spans[0].Start, words[1].Start-0.5) {
		t.Errorf("start = %v, want %v", spans[0].Start, words[1].Start-0.5)
	}
	if !approx(spans[0].End, words[4].End+0.5) {
		t.Errorf("end = %v, want %v", spans[0].End, words[4].End+0.5)
	}
}

func TestDetectCardWithKeyword(t *testing.T) {
	words := mkWords("my card number is 4111 1111 1111 1111 thank you")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) == 0 {
		t.Fatal("no spans detected for spoken card number")
	}
	// The whole utterance from keyword to last digit must be muted.
	if !covers(spans, words[1].Start, words[7].End) {
		t.Errorf("spans %v do not cover card tokens", spans)
	}
}

func TestDetectCardSequenceWithoutKeyword(t *testing.T) {
	words := mkWords("okay 4111 1111 1111 1111 thanks")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1 merged span", spans)
	}
	if spans[0].Reason != ReasonCardNumberSequence {
		t.Errorf("reason = %q, want card_number_sequence", spans[0].Reason)
	}
	if !covers(spans, words[1].Start, words[4].End) {
		t.Errorf("span %v does not cover the digit run", spans[0])
	}
}

func TestDetectSequenceIgnoresShortAndLongRuns(t *testing.T) {
	// 10 digits: a phone number, not a card.
	if spans := Detect(mkWords("call me back at 555 123 4567 soon"), DefaultPadSeconds); len(spans) != 0 {
		t.Errorf("phone number produced spans: %v", spans)
	}
	// 24 digits in one run: a reference number, not a card.
	if spans := Detect(mkWords("reference 123456789012345678901234 thanks"), DefaultPadSeconds); len(spans) != 0 {
		t.Errorf("long reference produced spans: %v", spans)
	}
}

func TestDetectSsn(t *testing.T) {
	words := mkWords("my ssn is 123-45-6789 thanks")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1", spans)
	}
	if spans[0].Reason != ReasonSsn {
		t.Errorf("reason = %q, want ssn", spans[0].Reason)
	}
	if !covers(spans, words[1].Start, words[3].End) {
		t.Errorf("span %v does not cover keyword through digits", spans[0])
	}

	// Formatted token alone, no keyword.
	words = mkWords("sure 987-65-4321 got it")
	spans = Detect(words, DefaultPadSeconds)
	if len(spans) != 1 || spans[0].Reason != ReasonSsn {
		t.Fatalf("spans = %v, want one ssn span", spans)
	}
}

func TestDetectDobTighterPad(t *testing.T) {
	words := mkWords("my date of birth is january 5th 1990 thank you")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1", spans)
	}
	if spans[0].Reason != ReasonDob {
		t.Errorf("reason = %q, want dob", spans[0].Reason)
	}
	// Only the date tokens (january 5th 1990, indices 5..7), 0.15s pad.
	if !approx(spans[0].Start, words[5].Start-0.15) {
		t.Errorf("start = %v, want %v", spans[0].Start, words[5].Start-0.15)
	}
	if !approx(spans[0].End, words[7].End+0.15) {
		t.Errorf("end = %v, want %v", spans[0].End, words[7].End+0.15)
	}
}

func TestDetectEmailSpoken(t *testing.T) {
	words := mkWords("reach me at john dot smith at gmail dot com thanks")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1 merged span", spans)
	}
	if spans[0].Reason != ReasonEmail {
		t.Errorf("reason = %q, want email", spans[0].Reason)
	}
	if !covers(spans, words[2].Start, words[9].End) {
		t.Errorf("span %v does not cover the spoken address", spans[0])
	}
}

func TestDetectEmailToken(t *testing.T) {
	words := mkWords("email john.smith@gmail.com please")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 || spans[0].Reason != ReasonEmail {
		t.Fatalf("spans = %v, want one email span", spans)
	}
}

func TestDetectPasswordWindow(t *testing.T) {
	words := mkWords("your pin is four three two one okay")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1", spans)
	}
	if spans[0].Reason != ReasonPasswordOrPin {
		t.Errorf("reason = %q, want password_or_pin", spans[0].Reason)
	}
	// Keyword through end of utterance (window larger than remainder).
	if !covers(spans, words[1].Start, words[len(words)-1].End) {
		t.Errorf("span %v does not cover the pin readout", spans[0])
	}
}

func TestDetectAddress(t *testing.T) {
	words := mkWords("i live at 1423 maple street in springfield ok bye")
	spans := Detect(words, DefaultPadSeconds)

	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1", spans)
	}
	if spans[0].Reason != ReasonAddress {
		t.Errorf("reason = %q, want address", spans[0].Reason)
	}
	if !covers(spans, words[3].Start, words[5].End) {
		t.Errorf("span %v does not cover the street address", spans[0])
	}
}

func TestDetectCleanSpeech(t *testing.T) {
	words := mkWords("thanks for calling we open at nine tomorrow have a great day")
	if spans := Detect(words, DefaultPadSeconds); len(spans) != 0 {
		t.Errorf("clean speech produced spans: %v", spans)
	}
}

func TestDetectNoWords(t *testing.T) {
	if spans := Detect(nil, DefaultPadSeconds); spans != nil {
		t.Errorf("Detect(nil) = %v, want nil", spans)
	}
	if spans := Detect([]Word{}, DefaultPadSeconds); spans != nil {
		t.Errorf("Detect(empty) = %v, want nil", spans)
	}
}

func TestDetectClampsStartAtZero(t *testing.T) {
	words := []Word{
		{Word: "cvv", Start: 0.1, End: 0.3},
		{Word: "123", Start: 0.4, End: 0.7},
	}
	spans := Detect(words, DefaultPadSeconds)
	if len(spans) != 1 {
		t.Fatalf("spans = %v, want 1", spans)
	}
	if spans[0].Start != 0 {
		t.Errorf("start = %v, want clamped 0", spans[0].Start)
	}
}

func TestMergeSpans(t *testing.T) {
	spans := MergeSpans([]Span{
		{Start: 10, End: 12, Reason: ReasonCvv, WordIndices: []int{20, 21}},
		{Start: 1, End: 3, Reason: ReasonCardNumber, WordIndices: []int{2, 3, 4}},
		{Start: 2.5, End: 5, Reason: ReasonCardNumberSequence, WordIndices: []int{4, 5, 6}},
		{Start: 5, End: 6, Reason: ReasonExpiry, WordIndices: []int{7}},
	})

	if len(spans) != 2 {
		t.Fatalf("merged = %v, want 2 spans", spans)
	}
	if !approx(spans[0].Start, 1) || !approx(spans[0].End, 6) {
		t.Errorf("first merged span = %v, want [1,6]", spans[0])
	}
	if spans[0].Reason != ReasonCardNumber {
		t.Errorf("merged reason = %q, want the earliest span's", spans[0].Reason)
	}
	if !reflect.DeepEqual(spans[0].WordIndices, []int{2, 3, 4, 5, 6, 7}) {
		t.Errorf("merged word indices = %v", spans[0].WordIndices)
	}
	if !approx(spans[1].Start, 10) || !approx(spans[1].End, 12) {
		t.Errorf("second span = %v, want [10,12]", spans[1])
	}
}

// Scrubbed text must not light up the detectors again: the card, cvv
// and expiry values that triggered spans are gone after sanitization.
func TestDetectNothingAfterSanitize(t *testing.T) {
	text := "my card number is 4111 1111 1111 1111 cvv is 123 expires 12/26 and my ssn is 123-45-6789"
	if spans := Detect(mkWords(text), DefaultPadSeconds); len(spans) == 0 {
		t.Fatal("original text should produce spans")
	}

	sanitized := SanitizeText(text)
	if spans := Detect(mkWords(sanitized), DefaultPadSeconds); len(spans) != 0 {
		t.Errorf("sanitized text still produces spans: %v (text: %s)", spans, sanitized)
	}
}

func TestSegmentsJSON(t *testing.T) {
	got := SegmentsJSON([]Span{{Start: 1.5, End: 3.25, Reason: ReasonCvv}})
	want := `[{"start":1.5,"end":3.25,"reason":"cvv"}]`
	if got != want {
		t.Errorf("SegmentsJSON = %s, want %s", got, want)
	}
	if got := SegmentsJSON(nil); got != "[]" {
		t.Errorf("SegmentsJSON(nil) = %s, want []", got)
	}
}
