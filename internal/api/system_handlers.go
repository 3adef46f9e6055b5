package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callscribe/callscribe/internal/api/middleware"
	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// maxSampleHours caps the sample window at the sampler's retention span.
const maxSampleHours = 30 * 24

type testConnectionRequest struct {
	Service  string         `json:"service"`
	TenantID string         `json:"tenant_id,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// testConnectionResponse reports a probe outcome. Which extra fields are
// set depends on the service probed.
type testConnectionResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	CdrRows      *int64 `json:"cdr_rows,omitempty"`
	Recordings   *int   `json:"recordings,omitempty"`
	Models       *int   `json:"models,omitempty"`
	BasePath     string `json:"base_path,omitempty"`
	PathExists   *bool  `json:"path_exists,omitempty"`
}

// overlaySettings layers submitted fields over the saved, decrypted
// settings, so a probe can omit credentials that are already stored.
func overlaySettings(patch map[string]any, cfg any) error {
	if len(patch) == 0 {
		return nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, cfg)
}

// writeTestFailure reports a failed probe. The outcome is the endpoint's
// payload, so an unreachable service still answers 200.
func (s *Server) writeTestFailure(w http.ResponseWriter, service string, err error) {
	s.logger.Warn("connection test failed", "service", service, "error", err)
	writeJSON(w, http.StatusOK, testConnectionResponse{OK: false, Error: apperr.Short(err, 200)})
}

// handleTestConnection probes one external service with candidate
// settings before the tenant saves them.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req testConnectionRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	tenantID := claims.TenantID
	if req.TenantID != "" {
		if !claims.CanActFor(req.TenantID) {
			writeError(w, http.StatusForbidden, "cannot test another tenant's connection")
			return
		}
		tenantID = req.TenantID
	}

	ctx := r.Context()
	tenant, err := s.deps.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		s.logger.Error("test connection: failed to load tenant", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tenant == nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	switch req.Service {
	case "twilio":
		tenantconf.DropEmptyCredentials(tenantconf.DomainTwilio, req.Settings)
		cfg, err := tenantconf.ParseTwilio(tenant.TwilioSettings, s.deps.Encryptor)
		if err != nil {
			s.writeDomainError(w, "test connection", err)
			return
		}
		if err := overlaySettings(req.Settings, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "settings must match the twilio document shape")
			return
		}
		name, err := s.newTwilio(cfg.AccountSid, cfg.AuthToken).TestConnect(ctx)
		if err != nil {
			s.writeTestFailure(w, req.Service, err)
			return
		}
		writeJSON(w, http.StatusOK, testConnectionResponse{OK: true, FriendlyName: name})

	case "mysql", "freepbx", "ssh":
		tenantconf.DropEmptyCredentials(tenantconf.DomainFreePbx, req.Settings)
		fb, err := tenantconf.ParseFreePbx(tenant.FreePbxSettings, s.deps.Encryptor)
		if err != nil {
			s.writeDomainError(w, "test connection", err)
			return
		}
		if err := overlaySettings(req.Settings, &fb); err != nil {
			writeError(w, http.StatusBadRequest, "settings must match the freepbx document shape")
			return
		}
		switch req.Service {
		case "mysql":
			rows, err := s.testCdr(ctx, fb, tenant.Timezone)
			if err != nil {
				s.writeTestFailure(w, req.Service, err)
				return
			}
			writeJSON(w, http.StatusOK, testConnectionResponse{OK: true, CdrRows: &rows})
		case "freepbx":
			n, err := s.testArchive(ctx, fb)
			if err != nil {
				s.writeTestFailure(w, req.Service, err)
				return
			}
			writeJSON(w, http.StatusOK, testConnectionResponse{OK: true, Recordings: &n})
		case "ssh":
			res, err := s.testSSH(ctx, sshConfig(fb), fb.SSHBasePath)
			if err != nil {
				s.writeTestFailure(w, req.Service, err)
				return
			}
			writeJSON(w, http.StatusOK, testConnectionResponse{
				OK:         res.OK,
				BasePath:   res.BasePath,
				PathExists: &res.PathExists,
			})
		}

	case "openai":
		tenantconf.DropEmptyCredentials(tenantconf.DomainOpenAI, req.Settings)
		oa, err := tenantconf.ParseOpenAI(tenant.OpenAISettings, s.deps.Encryptor)
		if err != nil {
			s.writeDomainError(w, "test connection", err)
			return
		}
		if err := overlaySettings(req.Settings, &oa); err != nil {
			writeError(w, http.StatusBadRequest, "settings must match the openai document shape")
			return
		}
		n, err := s.testOpenAI(ctx, oa.APIKey)
		if err != nil {
			s.writeTestFailure(w, req.Service, err)
			return
		}
		writeJSON(w, http.StatusOK, testConnectionResponse{OK: true, Models: &n})

	default:
		writeError(w, http.StatusUnprocessableEntity, `service must be one of "twilio", "freepbx", "openai", "ssh", "mysql"`)
	}
}

type syncStateResponse struct {
	TenantID   string  `json:"tenant_id"`
	Source     string  `json:"source"`
	LastRunAt  *string `json:"last_run_at,omitempty"`
	LastResult string  `json:"last_result,omitempty"`
	NextRunAt  *string `json:"next_run_at,omitempty"`
	InProgress bool    `json:"in_progress"`
	StartedAt  *string `json:"started_at,omitempty"`
}

// handleSyncStatus lists the scheduler state rows for one tenant.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	tenantID, ok := tenantScope(r, claims)
	if !ok {
		writeError(w, http.StatusForbidden, "cannot view another tenant's sync state")
		return
	}

	states, err := s.deps.SyncStates.ListByTenant(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("sync status: failed to list states", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]syncStateResponse, len(states))
	for i, st := range states {
		items[i] = syncStateResponse{
			TenantID:   st.TenantID,
			Source:     st.Source,
			LastRunAt:  fmtTimePtr(st.LastRunAt),
			LastResult: st.LastResult,
			NextRunAt:  fmtTimePtr(st.NextRunAt),
			InProgress: st.InProgress,
			StartedAt:  fmtTimePtr(st.StartedAt),
		}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleTriggerSync enqueues an immediate run of one sync source. An
// elevated caller may name a tenant, or omit it for a full pass.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	source := chi.URLParam(r, "source")

	target := r.URL.Query().Get("tenant_id")
	var tenantID string
	switch {
	case claims.Elevated():
		tenantID = target
	case target != "" && target != claims.TenantID:
		writeError(w, http.StatusForbidden, "cannot trigger a sync for another tenant")
		return
	default:
		tenantID = claims.TenantID
	}

	if !s.deps.Syncs.Trigger(source, tenantID) {
		writeError(w, http.StatusBadRequest, `source must be one of "cdr", "archive", "voicemail", "retention"`)
		return
	}

	s.logger.Info("sync triggered", "sync_source", source, "tenant", tenantID)
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "source": source})
}

type sampleResponse struct {
	RecordedAt    string  `json:"recorded_at"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// handleSystemSamples returns host resource samples for the dashboard
// chart. Host data is platform-wide, so only elevated roles see it.
func (s *Server) handleSystemSamples(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if !claims.Elevated() {
		writeError(w, http.StatusForbidden, "insufficient role")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	if hours > maxSampleHours {
		hours = maxSampleHours
	}

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	samples, err := s.deps.Samples.ListSince(r.Context(), since)
	if err != nil {
		s.logger.Error("system samples: failed to list", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]sampleResponse, len(samples))
	for i, sm := range samples {
		items[i] = sampleResponse{
			RecordedAt:    sm.RecordedAt.UTC().Format(time.RFC3339),
			CPUPercent:    sm.CPUPercent,
			MemoryPercent: sm.MemoryPercent,
			DiskPercent:   sm.DiskPercent,
		}
	}
	writeJSON(w, http.StatusOK, items)
}
