package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Callscribe server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPAddr      string
	DatabaseURL   string // PostgreSQL DSN for the application store
	EncryptionKey string // 32-byte hex-encoded key for AES-256-GCM credential encryption
	JWTSecret     string // hex-encoded 32-byte secret for API JWT signing
	SuperEmail    string // email identifying the platform super tenant
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
	CORSOrigins   string
	MaxBodyBytes  int64
	TrustProxy    bool

	MaxConcurrentProcessing int // simultaneous calls under transcription/analysis, hard cap 3

	CdrTickSeconds                 int
	ArchiveTickSeconds             int
	VoicemailDiscoveryTickSeconds  int
	VoicemailProcessingTickSeconds int
	ProcessingTickSeconds          int
	RetentionTickSeconds           int
	MetricsSampleMinutes           int
	MetricsRetentionDays           int

	FfmpegPath  string
	FfprobePath string

	// BackfillTimestamps, when set, runs the one-shot CDR timestamp
	// reconciliation with the given signed offset (e.g. "-5h") and exits.
	BackfillTimestamps string
}

// defaults
const (
	defaultHTTPAddr             = ":8080"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultMaxBodyBytes         = 1 << 20
	defaultMaxConcurrent        = 1
	defaultCdrTickSeconds       = 300
	defaultArchiveTickSeconds   = 300
	defaultVMDiscoverySeconds   = 60
	defaultVMProcessingSeconds  = 30
	defaultProcessingSeconds    = 15
	defaultRetentionSeconds     = 60
	defaultMetricsSampleMinutes = 10
	defaultMetricsRetentionDays = 30
	defaultFfmpegPath           = "ffmpeg"
	defaultFfprobePath          = "ffprobe"
)

// envPrefix is the prefix for all Callscribe environment variables.
const envPrefix = "CALLSCRIBE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callscribe", flag.ContinueOnError)

	fs.StringVar(&cfg.HTTPAddr, "http-addr", defaultHTTPAddr, "HTTP server bind address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection string for the application store")
	fs.StringVar(&cfg.EncryptionKey, "encryption-key", "", "hex-encoded 32-byte key for AES-256-GCM encryption of stored credentials")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.SuperEmail, "super-email", "", "email address identifying the platform super tenant")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", defaultMaxBodyBytes, "maximum request body size in bytes")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", false, "honor X-Forwarded-For / X-Real-IP from a reverse proxy")
	fs.IntVar(&cfg.MaxConcurrentProcessing, "max-concurrent-processing", defaultMaxConcurrent, "simultaneous calls under transcription/analysis (1-3)")
	fs.IntVar(&cfg.CdrTickSeconds, "cdr-tick-seconds", defaultCdrTickSeconds, "CDR discovery interval in seconds")
	fs.IntVar(&cfg.ArchiveTickSeconds, "archive-tick-seconds", defaultArchiveTickSeconds, "archive discovery interval in seconds")
	fs.IntVar(&cfg.VoicemailDiscoveryTickSeconds, "voicemail-discovery-tick-seconds", defaultVMDiscoverySeconds, "voicemail spool scan interval in seconds")
	fs.IntVar(&cfg.VoicemailProcessingTickSeconds, "voicemail-processing-tick-seconds", defaultVMProcessingSeconds, "voicemail processing interval in seconds")
	fs.IntVar(&cfg.ProcessingTickSeconds, "processing-tick-seconds", defaultProcessingSeconds, "call processing interval in seconds")
	fs.IntVar(&cfg.RetentionTickSeconds, "retention-tick-seconds", defaultRetentionSeconds, "retention check interval in seconds")
	fs.IntVar(&cfg.MetricsSampleMinutes, "metrics-sample-minutes", defaultMetricsSampleMinutes, "host metrics sampling interval in minutes (wall-clock aligned)")
	fs.IntVar(&cfg.MetricsRetentionDays, "metrics-retention-days", defaultMetricsRetentionDays, "days to keep host metrics samples")
	fs.StringVar(&cfg.FfmpegPath, "ffmpeg-path", defaultFfmpegPath, "path to the ffmpeg binary used for audio muting")
	fs.StringVar(&cfg.FfprobePath, "ffprobe-path", defaultFfprobePath, "path to the ffprobe binary used as a duration fallback")
	fs.StringVar(&cfg.BackfillTimestamps, "backfill-timestamps", "", "one-shot: shift historical CDR timestamps by this signed offset (e.g. -5h) and exit")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"http-addr":                         envPrefix + "HTTP_ADDR",
		"database-url":                      envPrefix + "DATABASE_URL",
		"encryption-key":                    envPrefix + "ENCRYPTION_KEY",
		"jwt-secret":                        envPrefix + "JWT_SECRET",
		"super-email":                       envPrefix + "SUPER_EMAIL",
		"log-level":                         envPrefix + "LOG_LEVEL",
		"log-format":                        envPrefix + "LOG_FORMAT",
		"cors-origins":                      envPrefix + "CORS_ORIGINS",
		"max-body-bytes":                    envPrefix + "MAX_BODY_BYTES",
		"trust-proxy":                       envPrefix + "TRUST_PROXY",
		"max-concurrent-processing":         envPrefix + "MAX_CONCURRENT_PROCESSING",
		"cdr-tick-seconds":                  envPrefix + "CDR_TICK_SECONDS",
		"archive-tick-seconds":              envPrefix + "ARCHIVE_TICK_SECONDS",
		"voicemail-discovery-tick-seconds":  envPrefix + "VOICEMAIL_DISCOVERY_TICK_SECONDS",
		"voicemail-processing-tick-seconds": envPrefix + "VOICEMAIL_PROCESSING_TICK_SECONDS",
		"processing-tick-seconds":           envPrefix + "PROCESSING_TICK_SECONDS",
		"retention-tick-seconds":            envPrefix + "RETENTION_TICK_SECONDS",
		"metrics-sample-minutes":            envPrefix + "METRICS_SAMPLE_MINUTES",
		"metrics-retention-days":            envPrefix + "METRICS_RETENTION_DAYS",
		"ffmpeg-path":                       envPrefix + "FFMPEG_PATH",
		"ffprobe-path":                      envPrefix + "FFPROBE_PATH",
		"backfill-timestamps":               envPrefix + "BACKFILL_TIMESTAMPS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-addr":
			cfg.HTTPAddr = val
		case "database-url":
			cfg.DatabaseURL = val
		case "encryption-key":
			cfg.EncryptionKey = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "super-email":
			cfg.SuperEmail = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "max-body-bytes":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.MaxBodyBytes = v
			}
		case "trust-proxy":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.TrustProxy = v
			}
		case "max-concurrent-processing":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxConcurrentProcessing = v
			}
		case "cdr-tick-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CdrTickSeconds = v
			}
		case "archive-tick-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ArchiveTickSeconds = v
			}
		case "voicemail-discovery-tick-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VoicemailDiscoveryTickSeconds = v
			}
		case "voicemail-processing-tick-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VoicemailProcessingTickSeconds = v
			}
		case "processing-tick-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ProcessingTickSeconds = v
			}
		case "retention-tick-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RetentionTickSeconds = v
			}
		case "metrics-sample-minutes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MetricsSampleMinutes = v
			}
		case "metrics-retention-days":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MetricsRetentionDays = v
			}
		case "ffmpeg-path":
			cfg.FfmpegPath = val
		case "ffprobe-path":
			cfg.FfprobePath = val
		case "backfill-timestamps":
			cfg.BackfillTimestamps = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http-addr must not be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption-key is required")
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if c.SuperEmail == "" {
		return fmt.Errorf("super-email is required")
	}
	if !strings.Contains(c.SuperEmail, "@") {
		return fmt.Errorf("super-email must be an email address, got %q", c.SuperEmail)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MaxConcurrentProcessing < 1 || c.MaxConcurrentProcessing > 3 {
		return fmt.Errorf("max-concurrent-processing must be between 1 and 3, got %d", c.MaxConcurrentProcessing)
	}
	if c.MaxBodyBytes < 1024 {
		return fmt.Errorf("max-body-bytes must be at least 1024, got %d", c.MaxBodyBytes)
	}

	ticks := map[string]int{
		"cdr-tick-seconds":                  c.CdrTickSeconds,
		"archive-tick-seconds":              c.ArchiveTickSeconds,
		"voicemail-discovery-tick-seconds":  c.VoicemailDiscoveryTickSeconds,
		"voicemail-processing-tick-seconds": c.VoicemailProcessingTickSeconds,
		"processing-tick-seconds":           c.ProcessingTickSeconds,
		"retention-tick-seconds":            c.RetentionTickSeconds,
	}
	for name, v := range ticks {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, v)
		}
	}
	if c.MetricsSampleMinutes < 1 || c.MetricsSampleMinutes > 60 {
		return fmt.Errorf("metrics-sample-minutes must be between 1 and 60, got %d", c.MetricsSampleMinutes)
	}
	if c.MetricsRetentionDays < 1 {
		return fmt.Errorf("metrics-retention-days must be at least 1, got %d", c.MetricsRetentionDays)
	}

	if c.BackfillTimestamps != "" {
		if _, err := time.ParseDuration(c.BackfillTimestamps); err != nil {
			return fmt.Errorf("backfill-timestamps must be a duration like -5h30m: %w", err)
		}
	}

	return nil
}

// EncryptionKeyBytes returns the decoded 32-byte credential encryption key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// BackfillOffset returns the parsed one-shot backfill offset, or zero when
// the mode is not requested. validate() guarantees the value parses.
func (c *Config) BackfillOffset() time.Duration {
	if c.BackfillTimestamps == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.BackfillTimestamps)
	return d
}

// CdrTick returns the CDR discovery interval.
func (c *Config) CdrTick() time.Duration {
	return time.Duration(c.CdrTickSeconds) * time.Second
}

// ArchiveTick returns the archive discovery interval.
func (c *Config) ArchiveTick() time.Duration {
	return time.Duration(c.ArchiveTickSeconds) * time.Second
}

// VoicemailDiscoveryTick returns the voicemail spool scan interval.
func (c *Config) VoicemailDiscoveryTick() time.Duration {
	return time.Duration(c.VoicemailDiscoveryTickSeconds) * time.Second
}

// VoicemailProcessingTick returns the voicemail processing interval.
func (c *Config) VoicemailProcessingTick() time.Duration {
	return time.Duration(c.VoicemailProcessingTickSeconds) * time.Second
}

// ProcessingTick returns the call processing interval.
func (c *Config) ProcessingTick() time.Duration {
	return time.Duration(c.ProcessingTickSeconds) * time.Second
}

// RetentionTick returns the retention check interval.
func (c *Config) RetentionTick() time.Duration {
	return time.Duration(c.RetentionTickSeconds) * time.Second
}

// MetricsSampleInterval returns the host sampling interval.
func (c *Config) MetricsSampleInterval() time.Duration {
	return time.Duration(c.MetricsSampleMinutes) * time.Minute
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
