package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/callscribe/callscribe/internal/api/middleware"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// settingsDoc picks the raw settings document for one domain.
func settingsDoc(t *models.Tenant, domain string) []byte {
	switch domain {
	case tenantconf.DomainTwilio:
		return t.TwilioSettings
	case tenantconf.DomainFreePbx:
		return t.FreePbxSettings
	case tenantconf.DomainOpenAI:
		return t.OpenAISettings
	case tenantconf.DomainAlerts:
		return t.AlertSettings
	case tenantconf.DomainBilling:
		return t.BillingSettings
	}
	return nil
}

// configTenant resolves the addressed tenant for the config endpoints,
// enforcing the cross-tenant rule. Writes the error response itself.
func (s *Server) configTenant(w http.ResponseWriter, r *http.Request, op string) *models.Tenant {
	claims := middleware.ClaimsFromContext(r.Context())
	tenantID := chi.URLParam(r, "id")

	if !claims.CanActFor(tenantID) {
		writeError(w, http.StatusForbidden, "cannot access another tenant's configuration")
		return nil
	}

	tenant, err := s.deps.Tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		s.logger.Error(op+": failed to load tenant", "error", err, "tenant", tenantID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if tenant == nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return nil
	}
	return tenant
}

// projectConfig builds the credential-free view of every settings domain.
func projectConfig(t *models.Tenant) (map[string]any, error) {
	out := make(map[string]any, len(tenantconf.Domains()))
	for _, domain := range tenantconf.Domains() {
		proj, err := tenantconf.PublicProjection(domain, settingsDoc(t, domain))
		if err != nil {
			return nil, err
		}
		out[domain] = proj
	}
	return out, nil
}

// handleGetTenantConfig returns every settings domain with credentials
// replaced by has<Field> booleans.
func (s *Server) handleGetTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenant := s.configTenant(w, r, "get tenant config")
	if tenant == nil {
		return
	}

	out, err := projectConfig(tenant)
	if err != nil {
		s.logger.Error("get tenant config: failed to project settings", "error", err, "tenant", tenant.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// handlePatchTenantConfig merges partial settings documents, one domain
// at a time. Credentials arrive in plaintext and are encrypted before
// they touch the store; empty credential strings leave the stored value
// unchanged, explicit nulls delete it. Each domain merge runs under a
// row lock, and the merged document must validate before it is written.
func (s *Server) handlePatchTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenant := s.configTenant(w, r, "patch tenant config")
	if tenant == nil {
		return
	}

	var body map[string]json.RawMessage
	if errMsg := readJSON(r, &body); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "at least one settings domain is required")
		return
	}

	// Check shapes before touching anything so a typo cannot half-apply.
	patches := make(map[string]map[string]any, len(body))
	for domain, raw := range body {
		if !tenantconf.IsKnownDomain(domain) {
			writeError(w, http.StatusBadRequest, "unknown settings domain \""+domain+"\"")
			return
		}
		var patch map[string]any
		if err := json.Unmarshal(raw, &patch); err != nil || patch == nil {
			writeError(w, http.StatusBadRequest, domain+" patch must be a JSON object")
			return
		}
		patches[domain] = patch
	}

	for _, domain := range tenantconf.Domains() {
		patch, ok := patches[domain]
		if !ok {
			continue
		}

		tenantconf.DropEmptyCredentials(domain, patch)
		if err := tenantconf.EncryptPatchCredentials(domain, patch, s.deps.Encryptor); err != nil {
			s.logger.Error("patch tenant config: failed to encrypt credentials", "error", err, "tenant", tenant.ID, "domain", domain)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		patchDoc, err := json.Marshal(patch)
		if err != nil {
			s.logger.Error("patch tenant config: failed to encode patch", "error", err, "domain", domain)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		err = s.deps.Tenants.UpdateSettingsDoc(r.Context(), tenant.ID, domain, func(existing []byte) ([]byte, error) {
			merged, err := tenantconf.MergeDocument(existing, patchDoc)
			if err != nil {
				return nil, err
			}
			if err := tenantconf.ValidateDomain(domain, merged); err != nil {
				return nil, validationError{err}
			}
			return merged, nil
		})
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "tenant not found")
				return
			}
			var ve validationError
			if errors.As(err, &ve) {
				writeError(w, http.StatusUnprocessableEntity, ve.Error())
				return
			}
			s.logger.Error("patch tenant config: failed to update", "error", err, "tenant", tenant.ID, "domain", domain)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		s.logger.Info("tenant settings updated", "tenant", tenant.ID, "domain", domain)
	}

	updated, err := s.deps.Tenants.GetByID(r.Context(), tenant.ID)
	if err != nil || updated == nil {
		s.logger.Error("patch tenant config: failed to reload tenant", "error", err, "tenant", tenant.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out, err := projectConfig(updated)
	if err != nil {
		s.logger.Error("patch tenant config: failed to project settings", "error", err, "tenant", tenant.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, out)
}
