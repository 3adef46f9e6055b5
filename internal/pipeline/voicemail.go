package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/redact"
	"github.com/callscribe/callscribe/internal/sources/voicemail"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// ProcessPendingVoicemails claims pending voicemail messages and runs
// them through the same transcribe/redact/analyze steps as calls. The
// worker slots are shared with call processing, so the global cap
// holds across both queues.
func (e *Engine) ProcessPendingVoicemails(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	defer wg.Wait()

	n := 0
	for {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return n, nil
		}
		msg, err := e.voicemails.ClaimNext(ctx)
		if err != nil {
			e.sem.Release(1)
			return n, fmt.Errorf("claiming voicemail: %w", err)
		}
		if msg == nil {
			e.sem.Release(1)
			return n, nil
		}
		n++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)
			e.runVoicemail(ctx, msg)
		}()
	}
}

func (e *Engine) runVoicemail(ctx context.Context, msg *models.VoicemailMessage) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	logger := e.logger.With("voicemail", msg.ID, "tenant", msg.TenantID, "mailbox", msg.Mailbox)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("voicemail processing panicked", "panic", r)
			e.failVoicemail(ctx, msg.ID, apperr.Internal("pipeline.voicemail", fmt.Errorf("panic: %v", r)))
		}
	}()

	start := time.Now()
	if err := e.processVoicemail(ctx, logger, msg); err != nil {
		logger.Error("voicemail processing failed", "error", err)
		e.failVoicemail(ctx, msg.ID, err)
		return
	}
	logger.Info("voicemail processed", "elapsed", time.Since(start).Round(time.Millisecond))
}

func (e *Engine) failVoicemail(ctx context.Context, id string, cause error) {
	if err := e.voicemails.MarkFailed(context.WithoutCancel(ctx), id, shortError(cause)); err != nil {
		e.logger.Error("marking voicemail failed", "voicemail", id, "error", err)
	}
}

func (e *Engine) processVoicemail(ctx context.Context, logger *slog.Logger, msg *models.VoicemailMessage) error {
	const op = "pipeline.voicemail"

	tenant, err := e.tenants.GetByID(ctx, msg.TenantID)
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
	fb, err := tenantconf.ParseFreePbx(tenant.FreePbxSettings, e.enc)
	if err != nil {
		return apperr.Config(op, err.Error())
	}
	if fb.SSHHost == "" {
		return apperr.Config(op, "tenant ssh host is not set")
	}

	sess, err := e.connect(ctx, sshConfig(fb))
	if err != nil {
		return err
	}
	defer sess.Close()

	// The metadata scan records the .wav sibling; the spool may hold
	// .gsm or .mp3 instead.
	audioPath, err := voicemail.ResolveAudio(ctx, sess, msg)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "callscribe-vm-")
	if err != nil {
		return apperr.Internal(op, err)
	}
	defer os.RemoveAll(dir)

	localPath, err := sess.DownloadToTemp(ctx, audioPath, dir)
	if err != nil {
		return err
	}
	duration := e.audioDuration(ctx, logger, localPath, msg.DurationSeconds)

	tr, err := e.newTranscriber(llm.apiKey, llm.whisperModel).Transcribe(ctx, localPath)
	if err != nil {
		return err
	}

	sanitized := redact.SanitizeText(tr.Text)
	if spans := detectSpans(tr.Words); len(spans) > 0 {
		if err := e.muteAndReplace(ctx, sess, audioPath, localPath, dir, spans); err != nil {
			logger.Error("voicemail audio redaction failed", "error", err)
		} else {
			logger.Info("voicemail muted", "spans", len(spans))
		}
	}

	an, err := e.newAnalyzer(llm.apiKey, llm.gptModel).Analyze(ctx, sanitized, llm.prompt)
	if err != nil {
		return err
	}
	return e.voicemails.MarkCompleted(context.WithoutCancel(ctx), msg.ID,
		sanitized, redact.SanitizeText(an.Raw), duration)
}
