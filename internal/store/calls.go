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

const callColumns = `id, tenant_id, source, external_id, direction,
	caller_number, caller_name, callee_number, callee_name, duration_seconds,
	recording_ref, recording_deleted_at, recording_deleted_reason,
	transcript, analysis, status, last_error,
	redaction_status, redacted, redacted_segments, redacted_at,
	gpt_model, gpt_input_tokens, gpt_output_tokens, gpt_total_tokens,
	whisper_requests, whisper_requested_at,
	external_created_at, created_at, updated_at, processed_at, synced_at, source_metadata`

// CallListFilter narrows List and Count queries.
type CallListFilter struct {
	TenantID  string
	Search    string
	Direction string
	Status    string
	Source    string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// CallRepository handles ingested call rows and their analysis metadata.
type CallRepository struct {
	db *sql.DB
}

func NewCallRepository(db *sql.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Upsert inserts a discovered call, or refreshes synced_at when the
// (source, external_id) pair already exists. Returns whether a new row
// was created.
func (r *CallRepository) Upsert(ctx context.Context, c *models.Call) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.StatusPending
	}
	if c.RedactionStatus == "" {
		c.RedactionStatus = models.RedactionNotNeeded
	}
	if c.RedactedSegments == "" {
		c.RedactedSegments = "[]"
	}
	if c.SourceMetadata == "" {
		c.SourceMetadata = "{}"
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO calls (id, tenant_id, source, external_id, direction,
			caller_number, caller_name, callee_number, callee_name, duration_seconds,
			recording_ref, status, redaction_status, redacted_segments,
			external_created_at, source_metadata, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $16::jsonb, NOW())
		ON CONFLICT (source, external_id) DO NOTHING`,
		c.ID, c.TenantID, c.Source, c.ExternalID, c.Direction,
		c.CallerNumber, c.CallerName, c.CalleeNumber, c.CalleeName, c.DurationSeconds,
		c.RecordingRef, c.Status, c.RedactionStatus, c.RedactedSegments,
		c.ExternalCreatedAt, c.SourceMetadata)
	if err != nil {
		return false, fmt.Errorf("inserting call: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE calls SET synced_at = NOW() WHERE source = $1 AND external_id = $2`,
		c.Source, c.ExternalID)
	if err != nil {
		return false, fmt.Errorf("refreshing call sync time: %w", err)
	}
	return false, nil
}

func (r *CallRepository) GetByID(ctx context.Context, id string) (*models.Call, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return c, nil
}

// List returns calls newest first with optional filters.
func (r *CallRepository) List(ctx context.Context, f CallListFilter) ([]*models.Call, error) {
	where, args := buildCallWhere(f)
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	query := `SELECT ` + callColumns + ` FROM calls` + where +
		fmt.Sprintf(` ORDER BY external_created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []*models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Count returns the total matching a filter, for list pagination.
func (r *CallRepository) Count(ctx context.Context, f CallListFilter) (int64, error) {
	where, args := buildCallWhere(f)
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting calls: %w", err)
	}
	return count, nil
}

func buildCallWhere(f CallListFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.StartDate != nil {
		add("external_created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("external_created_at <= $%d", *f.EndDate)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			`(caller_number ILIKE $%d OR caller_name ILIKE $%d OR callee_number ILIKE $%d OR callee_name ILIKE $%d OR transcript ILIKE $%d)`,
			n, n, n, n, n))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ClaimNext atomically moves the oldest pending call to processing and
// returns it, or nil when the queue is empty. SKIP LOCKED keeps
// concurrent workers from claiming the same row.
func (r *CallRepository) ClaimNext(ctx context.Context) (*models.Call, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE calls SET status = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM calls
			WHERE status = $2
			ORDER BY external_created_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+callColumns,
		models.StatusProcessing, models.StatusPending)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming call: %w", err)
	}
	return c, nil
}

// MarkCompleted stores the transcript, raw analysis and usage counters
// and finishes the row.
func (r *CallRepository) MarkCompleted(ctx context.Context, c *models.Call) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET status = $2, transcript = $3, analysis = $4, duration_seconds = $5,
			gpt_model = $6, gpt_input_tokens = $7, gpt_output_tokens = $8, gpt_total_tokens = $9,
			last_error = '', processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		c.ID, models.StatusCompleted, c.Transcript, c.Analysis, c.DurationSeconds,
		c.GptModel, c.GptInputTokens, c.GptOutputTokens, c.GptTotalTokens)
	if err != nil {
		return fmt.Errorf("completing call: %w", err)
	}
	return nil
}

func (r *CallRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calls SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`,
		id, models.StatusFailed, lastError)
	if err != nil {
		return fmt.Errorf("failing call: %w", err)
	}
	return nil
}

// ResetForRetry requeues a failed or completed call. Returns false when
// the call does not exist or is pending/processing.
func (r *CallRepository) ResetForRetry(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET status = $2, last_error = '', updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, models.StatusPending, models.StatusFailed, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("requeueing call: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverStuck fails processing rows whose last update is older than
// the cutoff, so a crashed worker never wedges the queue.
func (r *CallRepository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET status = $1, last_error = 'processing timed out and was recovered', updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - make_interval(secs => $3)`,
		models.StatusFailed, models.StatusProcessing, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recovering stuck calls: %w", err)
	}
	return res.RowsAffected()
}

// IncrementWhisper bumps the transcription attempt counter. Called
// before the request goes out so abandoned attempts are still counted.
func (r *CallRepository) IncrementWhisper(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET whisper_requests = whisper_requests + 1, whisper_requested_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("counting whisper request: %w", err)
	}
	return nil
}

func (r *CallRepository) SetRedactionStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calls SET redaction_status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("setting redaction status: %w", err)
	}
	return nil
}

// FinishRedaction records the outcome of an audio mute pass.
func (r *CallRepository) FinishRedaction(ctx context.Context, id, status string, redacted bool, segments string) error {
	if segments == "" {
		segments = "[]"
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET redaction_status = $2, redacted = $3, redacted_segments = $4::jsonb,
			redacted_at = CASE WHEN $3 THEN NOW() ELSE redacted_at END,
			updated_at = NOW()
		WHERE id = $1`,
		id, status, redacted, segments)
	if err != nil {
		return fmt.Errorf("finishing redaction: %w", err)
	}
	return nil
}

// UpdateTranscript rewrites transcript text, used when sanitization
// changes the stored copy.
func (r *CallRepository) UpdateTranscript(ctx context.Context, id, transcript string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calls SET transcript = $2, updated_at = NOW() WHERE id = $1`,
		id, transcript)
	if err != nil {
		return fmt.Errorf("updating transcript: %w", err)
	}
	return nil
}

func (r *CallRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM calls WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting call: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BulkDelete removes a set of calls for one tenant and reports how many
// rows went away.
func (r *CallRepository) BulkDelete(ctx context.Context, tenantID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM calls WHERE tenant_id = $1 AND id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("bulk deleting calls: %w", err)
	}
	return res.RowsAffected()
}

// MarkRecordingDeleted records that the source audio no longer exists.
func (r *CallRepository) MarkRecordingDeleted(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET recording_deleted_at = NOW(), recording_deleted_reason = $2, updated_at = NOW()
		WHERE id = $1 AND recording_deleted_at IS NULL`,
		id, reason)
	if err != nil {
		return fmt.Errorf("marking recording deleted: %w", err)
	}
	return nil
}

// MarkRecordingsDeletedForDay flags every call whose recording lived
// under a swept day directory. Matches both the path form (2025/01/15)
// and the compact form embedded in filenames (20250115).
func (r *CallRepository) MarkRecordingsDeletedForDay(ctx context.Context, tenantID, slashDay, compactDay string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET recording_deleted_at = NOW(), recording_deleted_reason = $2, updated_at = NOW()
		WHERE tenant_id = $1 AND recording_deleted_at IS NULL
			AND source IN ($3, $4)
			AND (recording_ref LIKE '%' || $5 || '%' OR recording_ref LIKE '%' || $6 || '%')`,
		tenantID, models.DeletedReasonRetention,
		models.SourceFreePbxArchive, models.SourceFreePbxCdr,
		slashDay, compactDay)
	if err != nil {
		return 0, fmt.Errorf("marking swept recordings: %w", err)
	}
	return res.RowsAffected()
}

// MaxExternalCreatedAt returns the newest source timestamp already
// ingested, the incremental sync watermark.
func (r *CallRepository) MaxExternalCreatedAt(ctx context.Context, tenantID, source string) (*time.Time, error) {
	var ts sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(external_created_at) FROM calls
		WHERE tenant_id = $1 AND source = $2`,
		tenantID, source).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("reading sync watermark: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// ShiftExternalTimestamps moves external_created_at for every call of
// one source by a fixed offset. One-shot repair for rows ingested
// before timezone handling was fixed.
func (r *CallRepository) ShiftExternalTimestamps(ctx context.Context, source string, offset time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE calls
		SET external_created_at = external_created_at + make_interval(secs => $2), updated_at = NOW()
		WHERE source = $1`,
		source, int64(offset.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("shifting call timestamps: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns processing queue depths for the collector.
func (r *CallRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountBySource returns ingest totals for the collector.
func (r *CallRepository) CountBySource(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM calls GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scanning source count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// UsageTotals returns cumulative whisper request and GPT token counts.
func (r *CallRepository) UsageTotals(ctx context.Context) (whisperRequests, gptTokens int64, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(whisper_requests), 0), COALESCE(SUM(gpt_total_tokens), 0) FROM calls`,
	).Scan(&whisperRequests, &gptTokens)
	if err != nil {
		return 0, 0, fmt.Errorf("summing usage: %w", err)
	}
	return whisperRequests, gptTokens, nil
}

// SaveMetadata upserts the parsed analysis report for a call.
func (r *CallRepository) SaveMetadata(ctx context.Context, md *models.CallMetadata) error {
	if md.ActionItems == "" {
		md.ActionItems = "[]"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_metadata (call_id, summary, sentiment, action_items, urgent_topics, booking)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (call_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			sentiment = EXCLUDED.sentiment,
			action_items = EXCLUDED.action_items,
			urgent_topics = EXCLUDED.urgent_topics,
			booking = EXCLUDED.booking`,
		md.CallID, md.Summary, md.Sentiment, md.ActionItems, md.UrgentTopics, md.Booking)
	if err != nil {
		return fmt.Errorf("saving call metadata: %w", err)
	}
	return nil
}

func (r *CallRepository) GetMetadata(ctx context.Context, callID string) (*models.CallMetadata, error) {
	var md models.CallMetadata
	var items []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT call_id, summary, sentiment, action_items, urgent_topics, booking
		FROM call_metadata WHERE call_id = $1`, callID,
	).Scan(&md.CallID, &md.Summary, &md.Sentiment, &items, &md.UrgentTopics, &md.Booking)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call metadata: %w", err)
	}
	md.ActionItems = string(items)
	return &md, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*models.Call, error) {
	var c models.Call
	var segments []byte
	var sourceMeta []byte
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Source, &c.ExternalID, &c.Direction,
		&c.CallerNumber, &c.CallerName, &c.CalleeNumber, &c.CalleeName, &c.DurationSeconds,
		&c.RecordingRef, &c.RecordingDeletedAt, &c.RecordingDeletedReason,
		&c.Transcript, &c.Analysis, &c.Status, &c.LastError,
		&c.RedactionStatus, &c.Redacted, &segments, &c.RedactedAt,
		&c.GptModel, &c.GptInputTokens, &c.GptOutputTokens, &c.GptTotalTokens,
		&c.WhisperRequests, &c.WhisperRequestedAt,
		&c.ExternalCreatedAt, &c.CreatedAt, &c.UpdatedAt, &c.ProcessedAt, &c.SyncedAt, &sourceMeta)
	if err != nil {
		return nil, err
	}
	c.RedactedSegments = string(segments)
	c.SourceMetadata = string(sourceMeta)
	return &c, nil
}
