package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/callscribe/callscribe/internal/store/models"
)

// SyncStateRepository serializes scheduler runs per (tenant, source).
type SyncStateRepository struct {
	db *sql.DB
}

func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// ClaimRun marks a run in progress and reports whether this caller won.
// A claim held longer than twice the interval is treated as abandoned
// and preempted, so a crashed run cannot block the source forever.
func (r *SyncStateRepository) ClaimRun(ctx context.Context, tenantID, source string, interval time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_states (tenant_id, source, in_progress, started_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (tenant_id, source) DO UPDATE
		SET in_progress = TRUE, started_at = NOW()
		WHERE sync_states.in_progress = FALSE
			OR sync_states.started_at IS NULL
			OR sync_states.started_at < NOW() - make_interval(secs => $3)`,
		tenantID, source, 2*int64(interval.Seconds()))
	if err != nil {
		return false, fmt.Errorf("claiming sync run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishRun releases the claim and records the outcome. nextRunAt is
// optional and only used by sources that schedule themselves, like the
// daily retention sweep.
func (r *SyncStateRepository) FinishRun(ctx context.Context, tenantID, source, result string, nextRunAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_states
		SET in_progress = FALSE, last_run_at = NOW(), last_result = $3,
			next_run_at = COALESCE($4, next_run_at)
		WHERE tenant_id = $1 AND source = $2`,
		tenantID, source, result, nextRunAt)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	return nil
}

func (r *SyncStateRepository) Get(ctx context.Context, tenantID, source string) (*models.SyncState, error) {
	var s models.SyncState
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, source, last_run_at, last_result, next_run_at, in_progress, started_at
		FROM sync_states WHERE tenant_id = $1 AND source = $2`,
		tenantID, source,
	).Scan(&s.TenantID, &s.Source, &s.LastRunAt, &s.LastResult, &s.NextRunAt, &s.InProgress, &s.StartedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync state: %w", err)
	}
	return &s, nil
}

// ListByTenant returns all source states for one tenant, for the
// sync status endpoint.
func (r *SyncStateRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.SyncState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, source, last_run_at, last_result, next_run_at, in_progress, started_at
		FROM sync_states WHERE tenant_id = $1 ORDER BY source ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing sync states: %w", err)
	}
	defer rows.Close()

	var states []*models.SyncState
	for rows.Next() {
		var s models.SyncState
		if err := rows.Scan(&s.TenantID, &s.Source, &s.LastRunAt, &s.LastResult, &s.NextRunAt, &s.InProgress, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning sync state: %w", err)
		}
		states = append(states, &s)
	}
	return states, rows.Err()
}
