package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// requiredArgs supplies the flags validate() insists on.
func requiredArgs(extra ...string) []string {
	args := []string{
		"--database-url", "postgres://callscribe:pw@localhost/callscribe",
		"--encryption-key", strings.Repeat("ab", 32),
		"--super-email", "ops@example.com",
	}
	return append(args, extra...)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"CALLSCRIBE_HTTP_ADDR", "CALLSCRIBE_DATABASE_URL", "CALLSCRIBE_ENCRYPTION_KEY",
		"CALLSCRIBE_JWT_SECRET", "CALLSCRIBE_SUPER_EMAIL", "CALLSCRIBE_LOG_LEVEL",
		"CALLSCRIBE_MAX_CONCURRENT_PROCESSING", "CALLSCRIBE_CDR_TICK_SECONDS",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := load(requiredArgs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, defaultHTTPAddr)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.LogFormat != defaultLogFormat {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, defaultLogFormat)
	}
	if cfg.MaxConcurrentProcessing != defaultMaxConcurrent {
		t.Errorf("MaxConcurrentProcessing = %d, want %d", cfg.MaxConcurrentProcessing, defaultMaxConcurrent)
	}
	if cfg.CdrTickSeconds != defaultCdrTickSeconds {
		t.Errorf("CdrTickSeconds = %d, want %d", cfg.CdrTickSeconds, defaultCdrTickSeconds)
	}
	if cfg.MetricsSampleMinutes != defaultMetricsSampleMinutes {
		t.Errorf("MetricsSampleMinutes = %d, want %d", cfg.MetricsSampleMinutes, defaultMetricsSampleMinutes)
	}
	if cfg.FfmpegPath != defaultFfmpegPath {
		t.Errorf("FfmpegPath = %q, want %q", cfg.FfmpegPath, defaultFfmpegPath)
	}
}

func TestMissingRequired(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no database-url", []string{"--encryption-key", strings.Repeat("ab", 32), "--super-email", "a@b.c"}},
		{"no encryption-key", []string{"--database-url", "postgres://x", "--super-email", "a@b.c"}},
		{"no super-email", []string{"--database-url", "postgres://x", "--encryption-key", strings.Repeat("ab", 32)}},
	}

	for _, tt := range tests {
		if _, err := load(tt.args); err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
		}
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLSCRIBE_HTTP_ADDR", ":9090")
	t.Setenv("CALLSCRIBE_LOG_LEVEL", "debug")
	t.Setenv("CALLSCRIBE_CDR_TICK_SECONDS", "30")

	cfg, err := load(requiredArgs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.CdrTickSeconds != 30 {
		t.Errorf("CdrTickSeconds = %d, want 30", cfg.CdrTickSeconds)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	clearEnv(t)
	t.Setenv("CALLSCRIBE_HTTP_ADDR", ":9090")
	t.Setenv("CALLSCRIBE_LOG_LEVEL", "debug")

	cfg, err := load(requiredArgs("--http-addr", ":3000", "--log-level", "warn"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000 (CLI should override env)", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	if _, err := load(requiredArgs("--log-level", "verbose")); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateConcurrencyBounds(t *testing.T) {
	clearEnv(t)

	if _, err := load(requiredArgs("--max-concurrent-processing", "0")); err == nil {
		t.Error("expected error for concurrency 0")
	}
	if _, err := load(requiredArgs("--max-concurrent-processing", "4")); err == nil {
		t.Error("expected error for concurrency 4")
	}
	cfg, err := load(requiredArgs("--max-concurrent-processing", "3"))
	if err != nil {
		t.Fatalf("concurrency 3 should be accepted: %v", err)
	}
	if cfg.MaxConcurrentProcessing != 3 {
		t.Errorf("MaxConcurrentProcessing = %d, want 3", cfg.MaxConcurrentProcessing)
	}
}

func TestValidateBadEncryptionKey(t *testing.T) {
	clearEnv(t)

	args := []string{
		"--database-url", "postgres://x",
		"--super-email", "a@b.c",
		"--encryption-key", "not-hex",
	}
	if _, err := load(args); err == nil {
		t.Fatal("expected error for non-hex encryption key")
	}

	args[5] = "abcd" // hex but too short
	if _, err := load(args); err == nil {
		t.Fatal("expected error for short encryption key")
	}
}

func TestEncryptionKeyBytes(t *testing.T) {
	clearEnv(t)
	cfg, err := load(requiredArgs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		t.Fatalf("EncryptionKeyBytes() error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}

func TestJWTSecretGenerated(t *testing.T) {
	clearEnv(t)
	cfg, err := load(requiredArgs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	// The generated secret is stored back for the process lifetime.
	if cfg.JWTSecret == "" {
		t.Error("generated secret should be stored in the config")
	}

	again, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() second call error: %v", err)
	}
	if string(again) != string(key) {
		t.Error("secret should be stable after generation")
	}
}

func TestBackfillOffset(t *testing.T) {
	clearEnv(t)

	cfg, err := load(requiredArgs("--backfill-timestamps", "-5h"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.BackfillOffset(); got != -5*time.Hour {
		t.Errorf("BackfillOffset = %v, want -5h", got)
	}

	if _, err := load(requiredArgs("--backfill-timestamps", "yesterday")); err == nil {
		t.Error("expected error for malformed backfill offset")
	}

	cfg, err = load(requiredArgs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BackfillOffset() != 0 {
		t.Error("unset backfill should report zero offset")
	}
}

func TestTickAccessors(t *testing.T) {
	clearEnv(t)
	cfg, err := load(requiredArgs("--processing-tick-seconds", "7"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.ProcessingTick(); got != 7*time.Second {
		t.Errorf("ProcessingTick = %v, want 7s", got)
	}
	if got := cfg.MetricsSampleInterval(); got != 10*time.Minute {
		t.Errorf("MetricsSampleInterval = %v, want 10m", got)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
