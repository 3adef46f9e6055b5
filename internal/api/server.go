// Package api serves the JSON management API and the Twilio webhook
// endpoints over a chi router.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/callscribe/callscribe/internal/api/middleware"
	"github.com/callscribe/callscribe/internal/config"
	"github.com/callscribe/callscribe/internal/remotefs"
	"github.com/callscribe/callscribe/internal/secrets"
	"github.com/callscribe/callscribe/internal/sources/archive"
	"github.com/callscribe/callscribe/internal/sources/cdr"
	"github.com/callscribe/callscribe/internal/sources/twilio"
	"github.com/callscribe/callscribe/internal/sources/voicemail"
	"github.com/callscribe/callscribe/internal/store"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
	"github.com/callscribe/callscribe/internal/transcribe"
)

// TenantStore is the slice of the tenant repository the handlers use.
type TenantStore interface {
	Create(ctx context.Context, t *models.Tenant) error
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	GetByEmail(ctx context.Context, email string) (*models.Tenant, error)
	UpdateSettingsDoc(ctx context.Context, tenantID, domain string, merge func(existing []byte) ([]byte, error)) error
}

// CallStore is the slice of the call repository the handlers use.
type CallStore interface {
	List(ctx context.Context, f store.CallListFilter) ([]*models.Call, error)
	Count(ctx context.Context, f store.CallListFilter) (int64, error)
	GetByID(ctx context.Context, id string) (*models.Call, error)
	GetMetadata(ctx context.Context, callID string) (*models.CallMetadata, error)
	Upsert(ctx context.Context, c *models.Call) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	BulkDelete(ctx context.Context, tenantID string, ids []string) (int64, error)
	ResetForRetry(ctx context.Context, id string) (bool, error)
}

// VoicemailStore is the slice of the voicemail repository the handlers use.
type VoicemailStore interface {
	List(ctx context.Context, f store.VoicemailListFilter) ([]*models.VoicemailMessage, error)
	Count(ctx context.Context, f store.VoicemailListFilter) (int64, error)
	GetByID(ctx context.Context, id string) (*models.VoicemailMessage, error)
	MarkListened(ctx context.Context, id, folder, msgID, recordingPath, metadataPath string) error
}

// SampleStore reads host resource samples for the system endpoints.
type SampleStore interface {
	ListSince(ctx context.Context, since time.Time) ([]*models.SystemSample, error)
}

// SyncStateStore reads per-source scheduler state for the sync endpoints.
type SyncStateStore interface {
	ListByTenant(ctx context.Context, tenantID string) ([]*models.SyncState, error)
}

// SyncTrigger enqueues an immediate scheduler run for one sync source.
type SyncTrigger interface {
	Trigger(source, tenantID string) bool
}

// pbxSession is the slice of a remotefs session the handlers use. It
// embeds the voicemail scanner's view so voicemail.MoveToOld works
// against the same session.
type pbxSession interface {
	voicemail.RemoteFS
	DownloadToTemp(ctx context.Context, remotePath, dir string) (string, error)
	Close() error
}

type connectFunc func(ctx context.Context, cfg remotefs.Config) (pbxSession, error)

// twilioClient is the slice of the Twilio REST client the handlers use.
type twilioClient interface {
	DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error)
	TestConnect(ctx context.Context) (string, error)
}

// Deps carries the collaborators the server needs. Metrics is mounted
// verbatim at /metrics when set.
type Deps struct {
	Tenants    TenantStore
	Calls      CallStore
	Voicemails VoicemailStore
	Samples    SampleStore
	SyncStates SyncStateStore
	Encryptor  *secrets.Encryptor
	Syncs      SyncTrigger
	Metrics    http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	logger    *slog.Logger
	cfg       *config.Config
	deps      Deps
	limiter   *middleware.IPRateLimiter
	jwtSecret []byte

	// Seams swapped by tests.
	connect     connectFunc
	newTwilio   func(accountSid, authToken string) twilioClient
	testCdr     func(ctx context.Context, cfg tenantconf.FreePbxSettings, tz string) (int64, error)
	testArchive func(ctx context.Context, cfg tenantconf.FreePbxSettings) (int, error)
	testOpenAI  func(ctx context.Context, apiKey string) (int, error)
	testSSH     func(ctx context.Context, cfg remotefs.Config, path string) (remotefs.TestResult, error)
	now         func() time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}

	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("source", "api"),
		cfg:       cfg,
		deps:      deps,
		limiter:   middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig()),
		jwtSecret: secret,
		now:       time.Now,
	}

	s.connect = func(ctx context.Context, rc remotefs.Config) (pbxSession, error) {
		return remotefs.New(rc, logger).Connect(ctx)
	}
	s.newTwilio = func(accountSid, authToken string) twilioClient {
		return twilio.NewClient(accountSid, authToken)
	}
	s.testCdr = cdr.TestConnect
	s.testArchive = func(ctx context.Context, fb tenantconf.FreePbxSettings) (int, error) {
		return archive.New(logger, nil).TestConnect(ctx, fb)
	}
	s.testOpenAI = transcribe.TestConnect
	s.testSSH = func(ctx context.Context, rc remotefs.Config, path string) (remotefs.TestResult, error) {
		return remotefs.New(rc, logger).TestConnect(ctx, path)
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the server's background resources.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders())
	if origins := middleware.ParseCORSOrigins(s.cfg.CORSOrigins); len(origins) > 0 {
		r.Use(middleware.CORS(origins))
	}
	r.Use(s.maxBody)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	// Twilio webhooks authenticate by request signature, not bearer token.
	r.Route("/webhooks/twilio/{tenantID}", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Post("/voice", s.handleTwilioVoice)
		r.Post("/dial-complete", s.handleTwilioDialComplete)
		r.Post("/recording", s.handleTwilioRecording)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.jwtSecret))

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Post("/bulk-delete", s.handleBulkDeleteCalls)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Delete("/", s.handleDeleteCall)
				r.Post("/retry", s.handleRetryCall)
				r.Get("/audio", s.handleCallAudio)
			})
		})

		r.Route("/voicemails", func(r chi.Router) {
			r.Get("/", s.handleListVoicemails)
			r.Post("/{id}/listened", s.handleVoicemailListened)
		})

		r.Route("/tenants", func(r chi.Router) {
			r.Post("/", s.handleCreateTenant)
			r.Route("/{id}/config", func(r chi.Router) {
				r.Get("/", s.handleGetTenantConfig)
				r.Patch("/", s.handlePatchTenantConfig)
			})
		})

		r.Post("/test-connection", s.handleTestConnection)
		r.Get("/sync", s.handleSyncStatus)
		r.Post("/sync/{source}", s.handleTriggerSync)
		r.Get("/system/samples", s.handleSystemSamples)
	})
}

// maxBody caps request body reads at the configured byte limit.
func (s *Server) maxBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// handleHealthz returns basic health status. Unauthenticated.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sshConfig maps tenant PBX settings onto an SSH endpoint.
func sshConfig(s tenantconf.FreePbxSettings) remotefs.Config {
	return remotefs.Config{
		Host:       s.SSHHost,
		Port:       s.SSHPort,
		User:       s.SSHUser,
		Password:   s.SSHPassword,
		PrivateKey: s.SSHPrivateKey,
	}
}

// tenantScope resolves which tenant a collection request addresses: the
// caller's own unless an elevated role names another via ?tenant_id.
func tenantScope(r *http.Request, claims *middleware.Claims) (string, bool) {
	target := r.URL.Query().Get("tenant_id")
	if target == "" {
		return claims.TenantID, true
	}
	if !claims.CanActFor(target) {
		return "", false
	}
	return target, true
}
