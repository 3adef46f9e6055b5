package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeCallStats struct {
	statusCounts map[string]int64
	sourceCounts map[string]int64
	whisper      int64
	tokens       int64
	statusErr    error
	sourceErr    error
	usageErr     error
}

func (f *fakeCallStats) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return f.statusCounts, f.statusErr
}

func (f *fakeCallStats) CountBySource(ctx context.Context) (map[string]int64, error) {
	return f.sourceCounts, f.sourceErr
}

func (f *fakeCallStats) UsageTotals(ctx context.Context) (int64, int64, error) {
	return f.whisper, f.tokens, f.usageErr
}

type fakeVoicemailCounts struct {
	counts map[string]int64
	err    error
}

func (f *fakeVoicemailCounts) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return f.counts, f.err
}

type fakeInFlight struct {
	n int64
}

func (f *fakeInFlight) InFlight() int64 { return f.n }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	NewHandler(c).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want %d, body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	return rec.Body.String()
}

func TestCollectorScrape(t *testing.T) {
	calls := &fakeCallStats{
		statusCounts: map[string]int64{"pending": 4, "completed": 20, "failed": 1},
		sourceCounts: map[string]int64{"twilio": 7, "freepbxCdr": 11, "freepbxArchive": 7},
		whisper:      42,
		tokens:       1234,
	}
	vms := &fakeVoicemailCounts{counts: map[string]int64{"pending": 2, "completed": 9}}

	c := NewCollector(calls, vms, &fakeInFlight{n: 3}, time.Now().Add(-time.Minute))
	body := scrape(t, c)

	want := []string{
		`callscribe_calls{status="pending"} 4`,
		`callscribe_calls{status="processing"} 0`,
		`callscribe_calls{status="completed"} 20`,
		`callscribe_calls{status="failed"} 1`,
		`callscribe_calls_total{source="twilio"} 7`,
		`callscribe_calls_total{source="freepbxCdr"} 11`,
		`callscribe_calls_total{source="freepbxArchive"} 7`,
		`callscribe_voicemail_messages{status="pending"} 2`,
		`callscribe_voicemail_messages{status="completed"} 9`,
		`callscribe_whisper_requests_total 42`,
		`callscribe_gpt_tokens_total 1234`,
		`callscribe_processing_in_flight 3`,
		`callscribe_uptime_seconds`,
	}
	for _, line := range want {
		if !strings.Contains(body, line) {
			t.Errorf("scrape output missing %q", line)
		}
	}
}

func TestCollectorSkipsFailingProviders(t *testing.T) {
	calls := &fakeCallStats{
		sourceCounts: map[string]int64{"twilio": 5},
		statusErr:    errors.New("db down"),
		usageErr:     errors.New("db down"),
	}
	vms := &fakeVoicemailCounts{err: errors.New("db down")}

	c := NewCollector(calls, vms, &fakeInFlight{n: 1}, time.Now())
	body := scrape(t, c)

	// Failing gauges are dropped from the scrape, not zeroed.
	absent := []string{
		"callscribe_calls{",
		"callscribe_voicemail_messages{",
		"callscribe_whisper_requests_total",
		"callscribe_gpt_tokens_total",
	}
	for _, name := range absent {
		if strings.Contains(body, name) {
			t.Errorf("scrape output should not contain %q when its provider fails", name)
		}
	}

	// Healthy providers still report.
	if !strings.Contains(body, `callscribe_calls_total{source="twilio"} 5`) {
		t.Error("source counts missing from scrape")
	}
	if !strings.Contains(body, "callscribe_processing_in_flight 1") {
		t.Error("in-flight gauge missing from scrape")
	}
	if !strings.Contains(body, "callscribe_uptime_seconds") {
		t.Error("uptime missing from scrape")
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())
	body := scrape(t, c)

	if !strings.Contains(body, "callscribe_uptime_seconds") {
		t.Error("uptime missing from scrape")
	}
	if strings.Contains(body, "callscribe_calls") {
		t.Error("call metrics should be absent when no provider is wired")
	}
	// Private registry: no default Go runtime collectors.
	if strings.Contains(body, "go_goroutines") {
		t.Error("scrape should not include default registry metrics")
	}
}
