package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/callscribe/callscribe/internal/alert"
	"github.com/callscribe/callscribe/internal/analyze"
	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/redact"
	"github.com/callscribe/callscribe/internal/remotefs"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// ProcessPendingCalls claims pending calls and runs them to a terminal
// status, up to the concurrency cap at once. A worker slot is acquired
// before each claim so rows never idle in processing while waiting for
// capacity. Returns the number of calls claimed.
func (e *Engine) ProcessPendingCalls(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	defer wg.Wait()

	n := 0
	for {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return n, nil
		}
		call, err := e.calls.ClaimNext(ctx)
		if err != nil {
			e.sem.Release(1)
			return n, fmt.Errorf("claiming call: %w", err)
		}
		if call == nil {
			e.sem.Release(1)
			return n, nil
		}
		n++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)
			e.runCall(ctx, call)
		}()
	}
}

// runCall processes one claimed call and guarantees it leaves the
// processing status, even on panic.
func (e *Engine) runCall(ctx context.Context, call *models.Call) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	logger := e.logger.With("call", call.ID, "tenant", call.TenantID, "origin", call.Source)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("call processing panicked", "panic", r)
			e.failCall(ctx, call.ID, apperr.Internal("pipeline.call", fmt.Errorf("panic: %v", r)))
		}
	}()

	start := time.Now()
	if err := e.processCall(ctx, logger, call); err != nil {
		logger.Error("call processing failed", "error", err)
		e.failCall(ctx, call.ID, err)
		return
	}
	logger.Info("call processed", "elapsed", time.Since(start).Round(time.Millisecond))
}

// failCall persists the failure. It survives context cancellation so a
// shutdown mid-call still reaches a terminal status.
func (e *Engine) failCall(ctx context.Context, id string, cause error) {
	if err := e.calls.MarkFailed(context.WithoutCancel(ctx), id, shortError(cause)); err != nil {
		e.logger.Error("marking call failed", "call", id, "error", err)
	}
}

func (e *Engine) processCall(ctx context.Context, logger *slog.Logger, call *models.Call) error {
	const op = "pipeline.call"

	if call.RecordingDeletedAt != nil {
		return apperr.State(op, "recording is deleted, nothing to process")
	}
	if strings.TrimSpace(call.RecordingRef) == "" {
		return apperr.Data(op, "call has no recording reference", nil)
	}

	tenant, err := e.tenants.GetByID(ctx, call.TenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		return apperr.Data(op, "tenant not found", nil)
	}
	llm, err := e.resolveLLM(ctx, tenant)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "callscribe-call-")
	if err != nil {
		return apperr.Internal(op, err)
	}
	defer os.RemoveAll(dir)

	var (
		localPath  string
		remotePath string
		sess       pbxSession
	)
	switch call.Source {
	case models.SourceTwilio:
		tw, err := tenantconf.ParseTwilio(tenant.TwilioSettings, e.enc)
		if err != nil {
			return apperr.Config(op, err.Error())
		}
		if tw.AccountSid == "" || tw.AuthToken == "" {
			return apperr.Config(op, "tenant twilio credentials are not set")
		}
		data, err := e.newTwilio(tw.AccountSid, tw.AuthToken).DownloadRecording(ctx, call.RecordingRef)
		if err != nil {
			return err
		}
		localPath = filepath.Join(dir, "recording.wav")
		if err := os.WriteFile(localPath, data, 0o600); err != nil {
			return apperr.Internal(op, err)
		}

	case models.SourceFreePbxCdr, models.SourceFreePbxArchive:
		fb, err := tenantconf.ParseFreePbx(tenant.FreePbxSettings, e.enc)
		if err != nil {
			return apperr.Config(op, err.Error())
		}
		if fb.SSHHost == "" {
			return apperr.Config(op, "tenant ssh host is not set")
		}
		remotePath, err = remotefs.ResolveRecordingPath(fb.SSHBasePath, call.RecordingRef)
		if err != nil {
			return err
		}
		sess, err = e.connect(ctx, sshConfig(fb))
		if err != nil {
			return err
		}
		defer sess.Close()
		localPath, err = sess.DownloadToTemp(ctx, remotePath, dir)
		if err != nil {
			return err
		}

	default:
		return apperr.Data(op, fmt.Sprintf("unknown call source %q", call.Source), nil)
	}

	call.DurationSeconds = e.audioDuration(ctx, logger, localPath, call.DurationSeconds)

	// Counted before the request goes out so abandoned attempts are
	// still billed.
	if err := e.calls.IncrementWhisper(ctx, call.ID); err != nil {
		return err
	}
	tr, err := e.newTranscriber(llm.apiKey, llm.whisperModel).Transcribe(ctx, localPath)
	if err != nil {
		return err
	}

	sanitized := redact.SanitizeText(tr.Text)
	spans := detectSpans(tr.Words)
	e.redactCall(ctx, logger, call, sess, remotePath, localPath, dir, spans, sanitized != tr.Text)

	an, err := e.newAnalyzer(llm.apiKey, llm.gptModel).Analyze(ctx, sanitized, llm.prompt)
	if err != nil {
		return err
	}

	commit := context.WithoutCancel(ctx)
	call.Transcript = sanitized
	call.Analysis = redact.SanitizeText(an.Raw)
	call.GptModel = an.Model
	call.GptInputTokens = an.InputTokens
	call.GptOutputTokens = an.OutputTokens
	call.GptTotalTokens = an.TotalTokens
	if err := e.calls.MarkCompleted(commit, call); err != nil {
		return err
	}
	if err := e.calls.SaveMetadata(commit, metadataFor(call.ID, an)); err != nil {
		return err
	}

	e.alertUrgent(commit, logger, tenant, call, an)
	return nil
}

// alertUrgent emails the tenant when analysis flagged urgent topics.
// The call is already committed; delivery problems are logged only.
func (e *Engine) alertUrgent(ctx context.Context, logger *slog.Logger, tenant *models.Tenant, call *models.Call, an *analyze.Result) {
	if !alert.IsUrgent(an.UrgentTopics) {
		return
	}
	settings, err := tenantconf.ParseAlerts(tenant.AlertSettings, e.enc)
	if err != nil {
		logger.Warn("urgent alert skipped", "error", err)
		return
	}
	if !settings.Enabled || !settings.OnUrgentTopics || settings.Email == "" {
		return
	}

	cfg := alert.Config{
		Host:     settings.SMTPHost,
		Port:     settings.SMTPPort,
		From:     settings.SMTPFrom,
		Username: settings.SMTPUsername,
		Password: settings.SMTPPassword,
		TLS:      settings.SMTPTLS,
	}
	n := alert.Notification{
		To:              settings.Email,
		TenantName:      tenant.Name,
		CallerNumber:    call.CallerNumber,
		CallerName:      call.CallerName,
		CalleeNumber:    call.CalleeNumber,
		ReceivedAt:      call.ExternalCreatedAt.In(tenant.Location()),
		DurationSeconds: call.DurationSeconds,
		UrgentTopics:    redact.SanitizeText(an.UrgentTopics),
		Summary:         redact.SanitizeText(an.Summary),
		Sentiment:       an.Sentiment,
	}
	if err := e.alerts.Notify(ctx, cfg, n); err != nil {
		logger.Warn("urgent alert delivery failed", "error", err)
	}
}

// redactCall records the redaction outcome for one call. Muting only
// applies to PBX recordings the engine can rewrite in place; provider
// hosted audio gets text-only redaction. Segment times are persisted
// only when the remote copy was actually rewritten. A failed mute or
// replace downgrades the status but never blocks the sanitized
// transcript from committing.
func (e *Engine) redactCall(ctx context.Context, logger *slog.Logger, call *models.Call, sess pbxSession, remotePath, localPath, dir string, spans []redact.Span, textChanged bool) {
	if len(spans) == 0 && !textChanged {
		return
	}
	if err := e.calls.SetRedactionStatus(ctx, call.ID, models.RedactionProcessing); err != nil {
		logger.Error("setting redaction status", "error", err)
	}

	status, redacted, segments := models.RedactionCompleted, true, "[]"
	if len(spans) > 0 && sess != nil {
		if err := e.muteAndReplace(ctx, sess, remotePath, localPath, dir, spans); err != nil {
			logger.Error("audio redaction failed", "error", err)
			status, redacted = models.RedactionFailed, false
		} else {
			segments = redact.SegmentsJSON(spans)
			logger.Info("recording muted", "spans", len(spans))
		}
	}
	if err := e.calls.FinishRedaction(context.WithoutCancel(ctx), call.ID, status, redacted, segments); err != nil {
		logger.Error("recording redaction outcome", "error", err)
	}
}

// metadataFor builds the parsed report row. Free-text fields pass
// through sanitization once more in case the model echoed sensitive
// content the transcript scrub missed.
func metadataFor(callID string, an *analyze.Result) *models.CallMetadata {
	items := make([]string, 0, len(an.ActionItems))
	for _, it := range an.ActionItems {
		items = append(items, redact.SanitizeText(it))
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		encoded = []byte("[]")
	}
	md := &models.CallMetadata{
		CallID:       callID,
		Summary:      redact.SanitizeText(an.Summary),
		Sentiment:    an.Sentiment,
		ActionItems:  string(encoded),
		UrgentTopics: redact.SanitizeText(an.UrgentTopics),
	}
	if an.Booking != "" {
		booking := an.Booking
		md.Booking = &booking
	}
	return md
}
