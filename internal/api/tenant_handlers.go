package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/callscribe/callscribe/internal/api/middleware"
	"github.com/callscribe/callscribe/internal/store/models"
)

// createTenantRequest is the body of POST /api/tenants. It mirrors the
// fields the identity provider hands over when a customer signs up.
type createTenantRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

// tenantResponse is the JSON response for a single tenant.
type tenantResponse struct {
	ID                   string `json:"id"`
	Email                string `json:"email"`
	Name                 string `json:"name"`
	Role                 string `json:"role"`
	Timezone             string `json:"timezone"`
	CanUseApp            bool   `json:"can_use_app"`
	CanUseFreepbxManager bool   `json:"can_use_freepbx_manager"`
	CreatedAt            string `json:"created_at"`
}

func toTenantResponse(t *models.Tenant) tenantResponse {
	return tenantResponse{
		ID:                   t.ID,
		Email:                t.Email,
		Name:                 t.Name,
		Role:                 t.Role,
		Timezone:             t.Timezone,
		CanUseApp:            t.CanUseApp,
		CanUseFreepbxManager: t.CanUseFreepbxManager,
		CreatedAt:            t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func validateCreateTenantRequest(req createTenantRequest) string {
	if req.Email == "" {
		return "email is required"
	}
	if errMsg := validateEmail("email", req.Email); errMsg != "" {
		return errMsg
	}
	if errMsg := validateRequiredStringLen("name", req.Name, maxNameLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateNoControlChars("name", req.Name); errMsg != "" {
		return errMsg
	}
	if errMsg := validateTimezone("timezone", req.Timezone); errMsg != "" {
		return errMsg
	}
	return ""
}

// handleCreateTenant provisions a tenant the way the identity provider's
// signup hook does: default capabilities, and the configured super email
// claims the platform role. Super-only.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims.Role != models.RoleSuper {
		writeError(w, http.StatusForbidden, "only the platform tenant may create tenants")
		return
	}

	var req createTenantRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateCreateTenantRequest(req); errMsg != "" {
		writeError(w, http.StatusUnprocessableEntity, errMsg)
		return
	}

	existing, err := s.deps.Tenants.GetByEmail(r.Context(), req.Email)
	if err != nil {
		s.logger.Error("create tenant: failed to check email", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a tenant with this email already exists")
		return
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	tenant := &models.Tenant{
		Email:     req.Email,
		Name:      req.Name,
		Role:      models.RoleUser,
		Timezone:  timezone,
		CanUseApp: true,
	}
	if strings.EqualFold(req.Email, s.cfg.SuperEmail) {
		tenant.Role = models.RoleSuper
		tenant.CanUseFreepbxManager = true
	}

	if err := s.deps.Tenants.Create(r.Context(), tenant); err != nil {
		s.logger.Error("create tenant: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("tenant created", "tenant", tenant.ID, "role", tenant.Role)

	writeJSON(w, http.StatusCreated, toTenantResponse(tenant))
}
