package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

func configFixture(t *testing.T, env *testEnv) *models.Tenant {
	t.Helper()
	doc, err := json.Marshal(map[string]any{
		"accountSid": "AC123",
		"authToken":  env.encrypt(t, "tok-secret"),
	})
	if err != nil {
		t.Fatalf("encoding settings: %v", err)
	}
	return env.tenants.add(&models.Tenant{
		ID:             "tn-1",
		Email:          "a@example.com",
		Role:           models.RoleUser,
		Timezone:       "UTC",
		TwilioSettings: doc,
	})
}

func TestGetTenantConfigProjectsCredentials(t *testing.T) {
	env := newTestEnv(t)
	configFixture(t, env)

	w := env.do(t, http.MethodGet, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	data := dataMap(t, w)
	for _, domain := range tenantconf.Domains() {
		if _, ok := data[domain]; !ok {
			t.Errorf("expected %s domain in projection", domain)
		}
	}

	tw, ok := data["twilio"].(map[string]any)
	if !ok {
		t.Fatalf("expected twilio object, got %T", data["twilio"])
	}
	if tw["accountSid"] != "AC123" {
		t.Errorf("expected accountSid passthrough, got %v", tw["accountSid"])
	}
	if tw["hasAuthToken"] != true {
		t.Errorf("expected hasAuthToken=true, got %v", tw["hasAuthToken"])
	}
	if _, leaked := tw["authToken"]; leaked {
		t.Error("auth token must not appear in the projection")
	}
}

func TestGetTenantConfigForeignForbidden(t *testing.T) {
	env := newTestEnv(t)
	configFixture(t, env)

	w := env.do(t, http.MethodGet, "/api/tenants/tn-1/config", env.token(t, "tn-2", models.RoleUser), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/tenants/tn-1/config", env.token(t, "tn-2", models.RoleManager), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetTenantConfigUnknownTenant(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/tenants/tn-9/config", env.token(t, "tn-0", models.RoleSuper), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg != "tenant not found" {
		t.Errorf("unexpected error message %q", msg)
	}
}

func TestPatchTenantConfigUnknownDomain(t *testing.T) {
	env := newTestEnv(t)
	configFixture(t, env)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{"smtp": map[string]any{"host": "x"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); msg != `unknown settings domain "smtp"` {
		t.Errorf("unexpected error message %q", msg)
	}
}

func TestPatchTenantConfigNonObjectDomain(t *testing.T) {
	env := newTestEnv(t)
	configFixture(t, env)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{"twilio": "on"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); msg != "twilio patch must be a JSON object" {
		t.Errorf("unexpected error message %q", msg)
	}
}

func TestPatchTenantConfigEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	configFixture(t, env)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); msg != "at least one settings domain is required" {
		t.Errorf("unexpected error message %q", msg)
	}
}

func TestPatchTenantConfigValidationError(t *testing.T) {
	env := newTestEnv(t)
	tn := configFixture(t, env)
	before := string(tn.TwilioSettings)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{"twilio": map[string]any{"ringSeconds": 3}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); msg != "ringSeconds must be between 5 and 600, got 3" {
		t.Errorf("unexpected error message %q", msg)
	}
	if string(tn.TwilioSettings) != before {
		t.Error("a rejected patch must not change the stored document")
	}
}

func TestPatchTenantConfigEncryptsCredentials(t *testing.T) {
	env := newTestEnv(t)
	tn := configFixture(t, env)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{"twilio": map[string]any{"authToken": "rotated-secret"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stored map[string]any
	if err := json.Unmarshal(tn.TwilioSettings, &stored); err != nil {
		t.Fatalf("decoding stored document: %v", err)
	}
	ct, _ := stored["authToken"].(string)
	if ct == "" || ct == "rotated-secret" {
		t.Fatalf("expected ciphertext in store, got %q", ct)
	}
	plain, err := env.enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypting stored token: %v", err)
	}
	if plain != "rotated-secret" {
		t.Errorf("expected stored token to decrypt to the new value, got %q", plain)
	}

	// The response is the projection, never the secret.
	tw := dataMap(t, w)["twilio"].(map[string]any)
	if tw["hasAuthToken"] != true {
		t.Errorf("expected hasAuthToken=true, got %v", tw["hasAuthToken"])
	}
}

func TestPatchTenantConfigEmptyCredentialKeepsStored(t *testing.T) {
	env := newTestEnv(t)
	tn := configFixture(t, env)

	var before map[string]any
	if err := json.Unmarshal(tn.TwilioSettings, &before); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}

	// Settings forms post untouched password fields as empty strings.
	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{"twilio": map[string]any{"accountSid": "AC999", "authToken": ""}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stored map[string]any
	if err := json.Unmarshal(tn.TwilioSettings, &stored); err != nil {
		t.Fatalf("decoding stored document: %v", err)
	}
	if stored["accountSid"] != "AC999" {
		t.Errorf("expected accountSid updated, got %v", stored["accountSid"])
	}
	if stored["authToken"] != before["authToken"] {
		t.Error("an empty credential must leave the stored secret unchanged")
	}
}

func TestPatchTenantConfigNullCredentialDeletes(t *testing.T) {
	env := newTestEnv(t)
	tn := configFixture(t, env)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{"twilio": map[string]any{"authToken": nil}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stored map[string]any
	if err := json.Unmarshal(tn.TwilioSettings, &stored); err != nil {
		t.Fatalf("decoding stored document: %v", err)
	}
	if _, present := stored["authToken"]; present {
		t.Error("expected null to delete the stored credential")
	}

	tw := dataMap(t, w)["twilio"].(map[string]any)
	if tw["hasAuthToken"] != false {
		t.Errorf("expected hasAuthToken=false, got %v", tw["hasAuthToken"])
	}
}

func TestPatchTenantConfigMultipleDomains(t *testing.T) {
	env := newTestEnv(t)
	tn := configFixture(t, env)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-1/config", env.token(t, "tn-1", models.RoleUser),
		map[string]any{
			"twilio": map[string]any{"forwardingEnabled": true, "forwardNumber": "+15550001111"},
			"alerts": map[string]any{"enabled": true, "email": "ops@example.com"},
		})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var tw map[string]any
	if err := json.Unmarshal(tn.TwilioSettings, &tw); err != nil {
		t.Fatalf("decoding twilio document: %v", err)
	}
	if tw["forwardNumber"] != "+15550001111" {
		t.Errorf("expected forward number stored, got %v", tw["forwardNumber"])
	}

	var al map[string]any
	if err := json.Unmarshal(tn.AlertSettings, &al); err != nil {
		t.Fatalf("decoding alerts document: %v", err)
	}
	if al["email"] != "ops@example.com" {
		t.Errorf("expected alert email stored, got %v", al["email"])
	}
}

func TestPatchTenantConfigUnknownTenant(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPatch, "/api/tenants/tn-9/config", env.token(t, "tn-0", models.RoleSuper),
		map[string]any{"twilio": map[string]any{"accountSid": "AC1"}})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
