package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/callscribe/callscribe/internal/store/models"
)

// SampleRepository stores periodic host resource readings.
type SampleRepository struct {
	db *sql.DB
}

func NewSampleRepository(db *sql.DB) *SampleRepository {
	return &SampleRepository{db: db}
}

func (r *SampleRepository) Insert(ctx context.Context, recordedAt time.Time, cpu, memory, disk float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_metrics_samples (recorded_at, cpu_percent, memory_percent, disk_percent)
		VALUES ($1, $2, $3, $4)`,
		recordedAt, cpu, memory, disk)
	if err != nil {
		return fmt.Errorf("inserting system sample: %w", err)
	}
	return nil
}

// ListSince returns samples oldest first from the given time.
func (r *SampleRepository) ListSince(ctx context.Context, since time.Time) ([]*models.SystemSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, recorded_at, cpu_percent, memory_percent, disk_percent
		FROM system_metrics_samples
		WHERE recorded_at >= $1
		ORDER BY recorded_at ASC`,
		since)
	if err != nil {
		return nil, fmt.Errorf("listing system samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.SystemSample
	for rows.Next() {
		var s models.SystemSample
		if err := rows.Scan(&s.ID, &s.RecordedAt, &s.CPUPercent, &s.MemoryPercent, &s.DiskPercent); err != nil {
			return nil, fmt.Errorf("scanning system sample: %w", err)
		}
		samples = append(samples, &s)
	}
	return samples, rows.Err()
}

// Latest returns the newest sample, or nil when none exist.
func (r *SampleRepository) Latest(ctx context.Context) (*models.SystemSample, error) {
	var s models.SystemSample
	err := r.db.QueryRowContext(ctx, `
		SELECT id, recorded_at, cpu_percent, memory_percent, disk_percent
		FROM system_metrics_samples
		ORDER BY recorded_at DESC LIMIT 1`,
	).Scan(&s.ID, &s.RecordedAt, &s.CPUPercent, &s.MemoryPercent, &s.DiskPercent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning system sample: %w", err)
	}
	return &s, nil
}

// Prune drops samples past the retention window and returns how many
// rows went away.
func (r *SampleRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM system_metrics_samples WHERE recorded_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning system samples: %w", err)
	}
	return res.RowsAffected()
}
