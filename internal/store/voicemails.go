package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/callscribe/callscribe/internal/store/models"
)

const voicemailColumns = `id, tenant_id, mailbox, context, folder, msg_id, pbx_identity,
	received_at, caller_id, duration_seconds, recording_path, metadata_path, last_seen_at,
	transcript, analysis, status, last_error, listened_at, created_at, updated_at`

// VoicemailListFilter narrows voicemail listings.
type VoicemailListFilter struct {
	TenantID string
	Mailbox  string
	Folder   string
	Status   string
	Limit    int
	Offset   int
}

// VoicemailRepository mirrors PBX voicemail spools into the database.
type VoicemailRepository struct {
	db *sql.DB
}

func NewVoicemailRepository(db *sql.DB) *VoicemailRepository {
	return &VoicemailRepository{db: db}
}

// Upsert inserts a discovered message or, when the stable identity
// already exists, refreshes the fields that change when the PBX renames
// or moves the files. Transcript and status survive moves.
func (r *VoicemailRepository) Upsert(ctx context.Context, m *models.VoicemailMessage) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	if m.LastSeenAt.IsZero() {
		m.LastSeenAt = time.Now().UTC()
	}

	var inserted bool
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO voicemail_messages (id, tenant_id, mailbox, context, folder, msg_id, pbx_identity,
			received_at, caller_id, duration_seconds, recording_path, metadata_path, last_seen_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, context, mailbox, pbx_identity) DO UPDATE SET
			folder = EXCLUDED.folder,
			msg_id = EXCLUDED.msg_id,
			recording_path = EXCLUDED.recording_path,
			metadata_path = EXCLUDED.metadata_path,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = NOW()
		RETURNING (xmax = 0)`,
		m.ID, m.TenantID, m.Mailbox, m.Context, m.Folder, m.MsgID, m.PbxIdentity,
		m.ReceivedAt, m.CallerID, m.DurationSeconds, m.RecordingPath, m.MetadataPath,
		m.LastSeenAt, m.Status,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upserting voicemail message: %w", err)
	}
	return inserted, nil
}

func (r *VoicemailRepository) GetByID(ctx context.Context, id string) (*models.VoicemailMessage, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+voicemailColumns+` FROM voicemail_messages WHERE id = $1`, id)
	m, err := scanVoicemail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning voicemail message: %w", err)
	}
	return m, nil
}

func (r *VoicemailRepository) List(ctx context.Context, f VoicemailListFilter) ([]*models.VoicemailMessage, error) {
	where, args := buildVoicemailWhere(f)
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+voicemailColumns+` FROM voicemail_messages`+where+
			fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing voicemail messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.VoicemailMessage
	for rows.Next() {
		m, err := scanVoicemail(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning voicemail message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Count returns the total matching a filter, for list pagination.
func (r *VoicemailRepository) Count(ctx context.Context, f VoicemailListFilter) (int64, error) {
	where, args := buildVoicemailWhere(f)
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM voicemail_messages`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting voicemail messages: %w", err)
	}
	return count, nil
}

func buildVoicemailWhere(f VoicemailListFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Mailbox != "" {
		add("mailbox = $%d", f.Mailbox)
	}
	if f.Folder != "" {
		add("folder = $%d", f.Folder)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ClaimNext atomically moves the oldest pending message to processing.
func (r *VoicemailRepository) ClaimNext(ctx context.Context) (*models.VoicemailMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE voicemail_messages SET status = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM voicemail_messages
			WHERE status = $2
			ORDER BY received_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+voicemailColumns,
		models.StatusProcessing, models.StatusPending)
	m, err := scanVoicemail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming voicemail message: %w", err)
	}
	return m, nil
}

func (r *VoicemailRepository) MarkCompleted(ctx context.Context, id, transcript, analysis string, durationSeconds int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE voicemail_messages
		SET status = $2, transcript = $3, analysis = $4, duration_seconds = $5,
			last_error = '', updated_at = NOW()
		WHERE id = $1`,
		id, models.StatusCompleted, transcript, analysis, durationSeconds)
	if err != nil {
		return fmt.Errorf("completing voicemail message: %w", err)
	}
	return nil
}

func (r *VoicemailRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE voicemail_messages SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`,
		id, models.StatusFailed, lastError)
	if err != nil {
		return fmt.Errorf("failing voicemail message: %w", err)
	}
	return nil
}

func (r *VoicemailRepository) ResetForRetry(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE voicemail_messages
		SET status = $2, last_error = '', updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, models.StatusPending, models.StatusFailed, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("requeueing voicemail message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkListened records playback and the message's new location after
// the spool move to Old.
func (r *VoicemailRepository) MarkListened(ctx context.Context, id, folder, msgID, recordingPath, metadataPath string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE voicemail_messages
		SET listened_at = COALESCE(listened_at, NOW()), folder = $2, msg_id = $3,
			recording_path = $4, metadata_path = $5, updated_at = NOW()
		WHERE id = $1`,
		id, folder, msgID, recordingPath, metadataPath)
	if err != nil {
		return fmt.Errorf("marking voicemail listened: %w", err)
	}
	return nil
}

// DeleteTombstones removes messages for a tenant context that a full
// spool scan no longer saw. Returns how many rows went away.
func (r *VoicemailRepository) DeleteTombstones(ctx context.Context, tenantID, context string, seenBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM voicemail_messages
		WHERE tenant_id = $1 AND context = $2 AND last_seen_at < $3`,
		tenantID, context, seenBefore)
	if err != nil {
		return 0, fmt.Errorf("deleting voicemail tombstones: %w", err)
	}
	return res.RowsAffected()
}

func (r *VoicemailRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM voicemail_messages WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting voicemail message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverStuck fails processing rows that outlived the cutoff.
func (r *VoicemailRepository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE voicemail_messages
		SET status = $1, last_error = 'processing timed out and was recovered', updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - make_interval(secs => $3)`,
		models.StatusFailed, models.StatusProcessing, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recovering stuck voicemail messages: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns queue depths for the collector.
func (r *VoicemailRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM voicemail_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting voicemail messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning voicemail count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanVoicemail(row rowScanner) (*models.VoicemailMessage, error) {
	var m models.VoicemailMessage
	err := row.Scan(
		&m.ID, &m.TenantID, &m.Mailbox, &m.Context, &m.Folder, &m.MsgID, &m.PbxIdentity,
		&m.ReceivedAt, &m.CallerID, &m.DurationSeconds, &m.RecordingPath, &m.MetadataPath, &m.LastSeenAt,
		&m.Transcript, &m.Analysis, &m.Status, &m.LastError, &m.ListenedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
