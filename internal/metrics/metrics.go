package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callscribe/callscribe/internal/store/models"
)

// CallStatsProvider returns call counts and LLM usage totals from the store.
type CallStatsProvider interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountBySource(ctx context.Context) (map[string]int64, error)
	UsageTotals(ctx context.Context) (whisperRequests, gptTokens int64, err error)
}

// VoicemailCounter returns voicemail message counts grouped by status.
type VoicemailCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// InFlightProvider exposes the number of recordings currently being processed.
type InFlightProvider interface {
	InFlight() int64
}

// Collector is a prometheus.Collector that gathers callscribe metrics at scrape time.
type Collector struct {
	calls      CallStatsProvider
	voicemails VoicemailCounter
	inFlight   InFlightProvider
	startTime  time.Time

	// Metric descriptors.
	callsStatusDesc     *prometheus.Desc
	callsSourceDesc     *prometheus.Desc
	voicemailDesc       *prometheus.Desc
	inFlightDesc        *prometheus.Desc
	whisperRequestsDesc *prometheus.Desc
	gptTokensDesc       *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	calls CallStatsProvider,
	voicemails VoicemailCounter,
	inFlight InFlightProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:      calls,
		voicemails: voicemails,
		inFlight:   inFlight,
		startTime:  startTime,

		callsStatusDesc: prometheus.NewDesc(
			"callscribe_calls",
			"Ingested calls by processing status",
			[]string{"status"}, nil,
		),
		callsSourceDesc: prometheus.NewDesc(
			"callscribe_calls_total",
			"Total number of calls ingested, by source",
			[]string{"source"}, nil,
		),
		voicemailDesc: prometheus.NewDesc(
			"callscribe_voicemail_messages",
			"Voicemail messages by processing status",
			[]string{"status"}, nil,
		),
		inFlightDesc: prometheus.NewDesc(
			"callscribe_processing_in_flight",
			"Recordings currently held by a pipeline worker",
			nil, nil,
		),
		whisperRequestsDesc: prometheus.NewDesc(
			"callscribe_whisper_requests_total",
			"Total Whisper transcription requests across all calls",
			nil, nil,
		),
		gptTokensDesc: prometheus.NewDesc(
			"callscribe_gpt_tokens_total",
			"Total GPT tokens consumed by call analysis",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callscribe_uptime_seconds",
			"Seconds since the callscribe process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsStatusDesc
	ch <- c.callsSourceDesc
	ch <- c.voicemailDesc
	ch <- c.inFlightDesc
	ch <- c.whisperRequestsDesc
	ch <- c.gptTokensDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Call counts by processing status.
	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for _, status := range statuses {
				ch <- prometheus.MustNewConstMetric(
					c.callsStatusDesc, prometheus.GaugeValue,
					float64(counts[status]), status,
				)
			}
		}

		// Call volume counters by ingest source.
		counts, err = c.calls.CountBySource(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by source", "error", err)
		} else {
			for _, source := range sources {
				ch <- prometheus.MustNewConstMetric(
					c.callsSourceDesc, prometheus.CounterValue,
					float64(counts[source]), source,
				)
			}
		}

		// Accumulated LLM usage.
		whisper, tokens, err := c.calls.UsageTotals(ctx)
		if err != nil {
			slog.Error("metrics: failed to read usage totals", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.whisperRequestsDesc, prometheus.CounterValue,
				float64(whisper),
			)
			ch <- prometheus.MustNewConstMetric(
				c.gptTokensDesc, prometheus.CounterValue,
				float64(tokens),
			)
		}
	}

	// Voicemail message counts by processing status.
	if c.voicemails != nil {
		counts, err := c.voicemails.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count voicemail messages", "error", err)
		} else {
			for _, status := range statuses {
				ch <- prometheus.MustNewConstMetric(
					c.voicemailDesc, prometheus.GaugeValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	// In-flight processing gauge.
	if c.inFlight != nil {
		ch <- prometheus.MustNewConstMetric(
			c.inFlightDesc, prometheus.GaugeValue,
			float64(c.inFlight.InFlight()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Label iteration orders, fixed so scrapes stay deterministic.
var (
	statuses = []string{
		models.StatusPending,
		models.StatusProcessing,
		models.StatusCompleted,
		models.StatusFailed,
	}
	sources = []string{
		models.SourceTwilio,
		models.SourceFreePbxCdr,
		models.SourceFreePbxArchive,
	}
)

// NewHandler registers the collector on a private registry and returns an
// http.Handler serving the Prometheus exposition format.
func NewHandler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
