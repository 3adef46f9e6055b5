package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callscribe/callscribe/internal/api"
	"github.com/callscribe/callscribe/internal/config"
	"github.com/callscribe/callscribe/internal/metrics"
	"github.com/callscribe/callscribe/internal/pipeline"
	"github.com/callscribe/callscribe/internal/sampler"
	"github.com/callscribe/callscribe/internal/scheduler"
	"github.com/callscribe/callscribe/internal/secrets"
	"github.com/callscribe/callscribe/internal/sources/archive"
	"github.com/callscribe/callscribe/internal/sources/cdr"
	vmsource "github.com/callscribe/callscribe/internal/sources/voicemail"
	"github.com/callscribe/callscribe/internal/store"
	"github.com/callscribe/callscribe/internal/store/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Open the store and run migrations.
	st, err := store.Open(appCtx, cfg.DatabaseURL, logger)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	calls := store.NewCallRepository(st.DB())
	voicemails := store.NewVoicemailRepository(st.DB())
	tenants := store.NewTenantRepository(st.DB())
	samples := store.NewSampleRepository(st.DB())
	syncStates := store.NewSyncStateRepository(st.DB())

	// One-shot maintenance mode: shift historical CDR timestamps and exit.
	if cfg.BackfillTimestamps != "" {
		n, err := calls.ShiftExternalTimestamps(appCtx, models.SourceFreePbxCdr, cfg.BackfillOffset())
		if err != nil {
			slog.Error("timestamp backfill failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("shifted %d freepbx cdr call timestamps by %s\n", n, cfg.BackfillTimestamps)
		return
	}

	slog.Info("starting callscribe",
		"http_addr", cfg.HTTPAddr,
		"max_concurrent_processing", cfg.MaxConcurrentProcessing,
	)

	// Initialize the encryptor for stored credentials.
	keyBytes, err := cfg.EncryptionKeyBytes()
	if err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	}
	enc, err := secrets.NewEncryptor(keyBytes)
	if err != nil {
		slog.Error("failed to create encryptor", "error", err)
		os.Exit(1)
	}

	// Processing engine for pending calls and voicemail messages.
	engine := pipeline.New(logger, calls, voicemails, tenants, enc, pipeline.Options{
		MaxConcurrent: cfg.MaxConcurrentProcessing,
		FfmpegPath:    cfg.FfmpegPath,
		FfprobePath:   cfg.FfprobePath,
	})

	// Host resource sampler feeding the dashboard chart.
	host := sampler.New(logger, samples, "", cfg.MetricsRetentionDays)

	sched := scheduler.New(logger, scheduler.Deps{
		Tenants:    tenants,
		Calls:      calls,
		Voicemails: voicemails,
		States:     syncStates,
		Engine:     engine,
		Sampler:    host,
		Cdr:        cdr.New(logger, calls),
		Archive:    archive.New(logger, calls),
		Voicemail:  vmsource.New(logger, voicemails),
		Encryptor:  enc,
	}, scheduler.Intervals{
		Cdr:                 cfg.CdrTick(),
		Archive:             cfg.ArchiveTick(),
		VoicemailDiscovery:  cfg.VoicemailDiscoveryTick(),
		VoicemailProcessing: cfg.VoicemailProcessingTick(),
		Processing:          cfg.ProcessingTick(),
		Retention:           cfg.RetentionTick(),
		Sample:              cfg.MetricsSampleInterval(),
	})

	collector := metrics.NewCollector(calls, voicemails, engine, time.Now())

	// HTTP server using the api package.
	handler, err := api.NewServer(cfg, logger, api.Deps{
		Tenants:    tenants,
		Calls:      calls,
		Voicemails: voicemails,
		Samples:    samples,
		SyncStates: syncStates,
		Encryptor:  enc,
		Syncs:      sched,
		Metrics:    metrics.NewHandler(collector),
	})
	if err != nil {
		slog.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer handler.Close()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(appCtx)
		close(schedDone)
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second, // audio proxying holds the response open
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	// Let in-flight pipeline passes finish before closing the store.
	select {
	case <-schedDone:
	case <-ctx.Done():
		slog.Warn("scheduler did not stop before deadline")
	}

	slog.Info("callscribe stopped")
}
