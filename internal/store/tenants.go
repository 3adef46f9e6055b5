package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/callscribe/callscribe/internal/store/models"
)

// settingsColumns whitelists configurable JSONB document columns.
var settingsColumns = map[string]string{
	"twilio":  "twilio_settings",
	"freepbx": "freepbx_settings",
	"openai":  "openai_settings",
	"alerts":  "alert_settings",
	"billing": "billing_settings",
}

const tenantColumns = `id, email, name, role, timezone, can_use_app, can_use_freepbx_manager,
	twilio_settings, freepbx_settings, openai_settings, alert_settings, billing_settings,
	created_at, updated_at`

// TenantRepository handles tenant rows and their settings documents.
type TenantRepository struct {
	db *sql.DB
}

func NewTenantRepository(db *sql.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts a tenant. The caller decides the role; empty settings
// documents are stored as {} so readers never see NULL.
func (r *TenantRepository) Create(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, email, name, role, timezone, can_use_app, can_use_freepbx_manager,
			twilio_settings, freepbx_settings, openai_settings, alert_settings, billing_settings,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			COALESCE(NULLIF($8, '')::jsonb, '{}'),
			COALESCE(NULLIF($9, '')::jsonb, '{}'),
			COALESCE(NULLIF($10, '')::jsonb, '{}'),
			COALESCE(NULLIF($11, '')::jsonb, '{}'),
			COALESCE(NULLIF($12, '')::jsonb, '{}'),
			$13, $14)`,
		t.ID, t.Email, t.Name, t.Role, t.Timezone, t.CanUseApp, t.CanUseFreepbxManager,
		string(t.TwilioSettings), string(t.FreePbxSettings), string(t.OpenAISettings),
		string(t.AlertSettings), string(t.BillingSettings),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return r.scanOne(row)
}

func (r *TenantRepository) GetByEmail(ctx context.Context, email string) (*models.Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE lower(email) = lower($1)`, email)
	return r.scanOne(row)
}

// GetSuper returns the platform tenant, or nil when none exists yet.
func (r *TenantRepository) GetSuper(ctx context.Context) (*models.Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE role = $1 LIMIT 1`, models.RoleSuper)
	return r.scanOne(row)
}

func (r *TenantRepository) List(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// ListWithFreePbx returns tenants whose freepbx integration is switched
// on, the set the PBX schedulers iterate. Each tick still validates the
// host fields it needs; enabled=false is the single master switch.
func (r *TenantRepository) ListWithFreePbx(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants
		 WHERE (freepbx_settings->>'enabled')::boolean IS TRUE
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing freepbx tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (r *TenantRepository) Update(ctx context.Context, t *models.Tenant) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants
		SET email = $2, name = $3, role = $4, timezone = $5,
			can_use_app = $6, can_use_freepbx_manager = $7, updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Email, t.Name, t.Role, t.Timezone, t.CanUseApp, t.CanUseFreepbxManager)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the tenant; calls, voicemails and sync state cascade.
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	return nil
}

// GetSettingsDoc returns the raw JSON document for one settings domain.
func (r *TenantRepository) GetSettingsDoc(ctx context.Context, tenantID, domain string) ([]byte, error) {
	col, ok := settingsColumns[domain]
	if !ok {
		return nil, fmt.Errorf("unknown settings domain %q", domain)
	}
	var doc []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT `+col+` FROM tenants WHERE id = $1`, tenantID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s settings: %w", domain, err)
	}
	return doc, nil
}

// UpdateSettingsDoc rewrites one settings domain under a row lock. The
// merge callback receives the current document and returns the full
// replacement, so concurrent patches never lose fields.
func (r *TenantRepository) UpdateSettingsDoc(ctx context.Context, tenantID, domain string, merge func(existing []byte) ([]byte, error)) error {
	col, ok := settingsColumns[domain]
	if !ok {
		return fmt.Errorf("unknown settings domain %q", domain)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning settings update: %w", err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx,
		`SELECT `+col+` FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&existing)
	if err == sql.ErrNoRows {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("locking %s settings: %w", domain, err)
	}

	merged, err := merge(existing)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tenants SET `+col+` = $2::jsonb, updated_at = NOW() WHERE id = $1`,
		tenantID, string(merged))
	if err != nil {
		return fmt.Errorf("writing %s settings: %w", domain, err)
	}
	return tx.Commit()
}

func (r *TenantRepository) scanOne(row *sql.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(
		&t.ID, &t.Email, &t.Name, &t.Role, &t.Timezone, &t.CanUseApp, &t.CanUseFreepbxManager,
		&t.TwilioSettings, &t.FreePbxSettings, &t.OpenAISettings, &t.AlertSettings, &t.BillingSettings,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	return &t, nil
}

func (r *TenantRepository) scan(rows *sql.Rows) (*models.Tenant, error) {
	var t models.Tenant
	err := rows.Scan(
		&t.ID, &t.Email, &t.Name, &t.Role, &t.Timezone, &t.CanUseApp, &t.CanUseFreepbxManager,
		&t.TwilioSettings, &t.FreePbxSettings, &t.OpenAISettings, &t.AlertSettings, &t.BillingSettings,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	return &t, nil
}
