// Package pipeline drives claimed calls and voicemail messages through
// download, transcription, redaction and analysis, then persists the
// outcome. One engine serves every tenant; a weighted semaphore caps
// how many items sit under transcription or analysis at once.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/callscribe/callscribe/internal/alert"
	"github.com/callscribe/callscribe/internal/analyze"
	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/audio"
	"github.com/callscribe/callscribe/internal/redact"
	"github.com/callscribe/callscribe/internal/remotefs"
	"github.com/callscribe/callscribe/internal/secrets"
	"github.com/callscribe/callscribe/internal/sources/twilio"
	"github.com/callscribe/callscribe/internal/sources/voicemail"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
	"github.com/callscribe/callscribe/internal/transcribe"
)

// ConcurrencyCap is the hard upper bound on simultaneous items under
// transcription/analysis, regardless of configuration.
const ConcurrencyCap = 3

// lastErrorMax bounds the error string persisted on failed rows.
const lastErrorMax = 480

// CallStore is the slice of the call repository the engine writes to.
type CallStore interface {
	ClaimNext(ctx context.Context) (*models.Call, error)
	MarkCompleted(ctx context.Context, c *models.Call) error
	MarkFailed(ctx context.Context, id, lastError string) error
	IncrementWhisper(ctx context.Context, id string) error
	SetRedactionStatus(ctx context.Context, id, status string) error
	FinishRedaction(ctx context.Context, id, status string, redacted bool, segments string) error
	SaveMetadata(ctx context.Context, md *models.CallMetadata) error
}

// VoicemailStore is the slice of the voicemail repository the engine
// writes to.
type VoicemailStore interface {
	ClaimNext(ctx context.Context) (*models.VoicemailMessage, error)
	MarkCompleted(ctx context.Context, id, transcript, analysis string, durationSeconds int) error
	MarkFailed(ctx context.Context, id, lastError string) error
}

// TenantStore resolves the owning tenant and the platform super.
type TenantStore interface {
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	GetSuper(ctx context.Context) (*models.Tenant, error)
}

// pbxSession is the slice of a remotefs session the engine uses. It
// embeds the voicemail scanner's view so voicemail.ResolveAudio works
// against the same session.
type pbxSession interface {
	voicemail.RemoteFS
	DownloadToTemp(ctx context.Context, remotePath, dir string) (string, error)
	ReplaceFile(ctx context.Context, remotePath string, src io.Reader) error
	Close() error
}

type connectFunc func(ctx context.Context, cfg remotefs.Config) (pbxSession, error)

type transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*transcribe.Result, error)
}

type analyzer interface {
	Analyze(ctx context.Context, transcript, prompt string) (*analyze.Result, error)
}

type recordingFetcher interface {
	DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error)
}

type prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

type muter interface {
	MuteFile(ctx context.Context, inPath, outPath string, spans []redact.Span) error
}

type urgentNotifier interface {
	Notify(ctx context.Context, cfg alert.Config, n alert.Notification) error
}

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	MaxConcurrent int // clamped to [1, ConcurrencyCap]
	FfmpegPath    string
	FfprobePath   string
}

// Engine processes pending calls and voicemail messages.
type Engine struct {
	logger     *slog.Logger
	calls      CallStore
	voicemails VoicemailStore
	tenants    TenantStore
	enc        *secrets.Encryptor
	sem        *semaphore.Weighted
	inFlight   atomic.Int64

	probe  prober
	mute   muter
	alerts urgentNotifier

	connect        connectFunc
	newTwilio      func(accountSid, authToken string) recordingFetcher
	newTranscriber func(apiKey, model string) transcriber
	newAnalyzer    func(apiKey, model string) analyzer
}

func New(logger *slog.Logger, calls CallStore, voicemails VoicemailStore, tenants TenantStore, enc *secrets.Encryptor, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:     logger.With("source", "pipeline"),
		calls:      calls,
		voicemails: voicemails,
		tenants:    tenants,
		enc:        enc,
		sem:        semaphore.NewWeighted(int64(clampConcurrency(opts.MaxConcurrent))),
		probe:      audio.NewProber(opts.FfprobePath),
		mute:       redact.NewMuter(opts.FfmpegPath),
		alerts:     alert.NewSender(logger),
	}
	e.connect = func(ctx context.Context, cfg remotefs.Config) (pbxSession, error) {
		return remotefs.New(cfg, logger).Connect(ctx)
	}
	e.newTwilio = func(accountSid, authToken string) recordingFetcher {
		return twilio.NewClient(accountSid, authToken)
	}
	e.newTranscriber = func(apiKey, model string) transcriber {
		return transcribe.New(apiKey, model)
	}
	e.newAnalyzer = func(apiKey, model string) analyzer {
		return analyze.New(apiKey, model)
	}
	return e
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > ConcurrencyCap {
		return ConcurrencyCap
	}
	return n
}

// InFlight reports how many items are currently under processing, for
// the metrics collector.
func (e *Engine) InFlight() int64 { return e.inFlight.Load() }

// llmConfig is the resolved credential set for one processing run.
type llmConfig struct {
	apiKey       string
	whisperModel string
	gptModel     string
	prompt       string
}

// resolveLLM applies the credential policy: the API key comes from the
// platform super tenant only, the models are the owning tenant's, and
// the analysis prompt prefers the tenant's with the platform's as
// fallback.
func (e *Engine) resolveLLM(ctx context.Context, tenant *models.Tenant) (llmConfig, error) {
	const op = "pipeline.llm"

	super, err := e.tenants.GetSuper(ctx)
	if err != nil {
		return llmConfig{}, err
	}
	if super == nil {
		return llmConfig{}, apperr.Config(op, "platform super tenant not found")
	}
	platform, err := tenantconf.ParseOpenAI(super.OpenAISettings, e.enc)
	if err != nil {
		return llmConfig{}, apperr.Config(op, err.Error())
	}
	if strings.TrimSpace(platform.APIKey) == "" {
		return llmConfig{}, apperr.Config(op, "platform openai api key is not set")
	}

	own := platform
	if tenant.ID != super.ID {
		own, err = tenantconf.ParseOpenAI(tenant.OpenAISettings, e.enc)
		if err != nil {
			return llmConfig{}, apperr.Config(op, err.Error())
		}
	}
	if !own.Enabled {
		return llmConfig{}, apperr.Config(op, "openai processing is disabled for this tenant")
	}

	return llmConfig{
		apiKey:       platform.APIKey,
		whisperModel: own.WhisperModel,
		gptModel:     own.GptModel,
		prompt:       firstNonEmpty(own.AnalysisPrompt, platform.AnalysisPrompt),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sshConfig(s tenantconf.FreePbxSettings) remotefs.Config {
	return remotefs.Config{
		Host:       s.SSHHost,
		Port:       s.SSHPort,
		User:       s.SSHUser,
		Password:   s.SSHPassword,
		PrivateKey: s.SSHPrivateKey,
	}
}

// detectSpans bridges transcription words into the redaction scanner.
func detectSpans(words []transcribe.Word) []redact.Span {
	if len(words) == 0 {
		return nil
	}
	rw := make([]redact.Word, len(words))
	for i, w := range words {
		rw[i] = redact.Word{Word: w.Word, Start: w.Start, End: w.End}
	}
	return redact.Detect(rw, redact.DefaultPadSeconds)
}

// audioDuration prefers WAV header math on the downloaded copy, falls
// back to ffprobe, and keeps the source-reported seconds when neither
// works.
func (e *Engine) audioDuration(ctx context.Context, logger *slog.Logger, path string, reported int) int {
	if d, err := headerDuration(path); err == nil && d > 0 {
		return seconds(d)
	}
	d, err := e.probe.Duration(ctx, path)
	if err == nil && d > 0 {
		return seconds(d)
	}
	if err != nil {
		logger.Debug("duration probe failed", "error", err)
	}
	return reported
}

func headerDuration(p string) (time.Duration, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	prefix, err := io.ReadAll(io.LimitReader(f, audio.HeaderPrefixSize))
	if err != nil {
		return 0, err
	}
	return audio.DurationFromHeader(prefix)
}

func seconds(d time.Duration) int {
	return int((d + time.Second/2) / time.Second)
}

// muteAndReplace silences the spans in a local copy of the recording
// and swaps it over the remote original.
func (e *Engine) muteAndReplace(ctx context.Context, sess pbxSession, remotePath, localPath, dir string, spans []redact.Span) error {
	muted := filepath.Join(dir, "redacted.wav")
	if err := e.mute.MuteFile(ctx, localPath, muted, spans); err != nil {
		return fmt.Errorf("muting audio: %w", err)
	}
	f, err := os.Open(muted)
	if err != nil {
		return fmt.Errorf("opening muted audio: %w", err)
	}
	defer f.Close()
	return sess.ReplaceFile(ctx, remotePath, f)
}

// shortError renders a failure for the last_error column, prefixed
// with its kind so operators see the class at a glance.
func shortError(err error) string {
	return string(apperr.KindOf(err)) + ": " + apperr.Short(err, lastErrorMax)
}
