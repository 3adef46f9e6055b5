// Package sampler records periodic host resource readings (CPU, memory,
// disk) for the system dashboard.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// cpuWindow is how long the CPU percent reading observes the host.
const cpuWindow = time.Second

// SampleStore is the slice of the sample repository the sampler writes
// to.
type SampleStore interface {
	Insert(ctx context.Context, recordedAt time.Time, cpu, memory, disk float64) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sampler reads host resource usage and persists one row per tick.
type Sampler struct {
	logger    *slog.Logger
	store     SampleStore
	diskPath  string
	retention time.Duration

	// reader seams for testing.
	readCPU    func(ctx context.Context) (float64, error)
	readMemory func(ctx context.Context) (float64, error)
	readDisk   func(ctx context.Context, path string) (float64, error)
}

// New creates a Sampler. diskPath is the mount whose usage is reported;
// empty means the root filesystem. retentionDays bounds how long samples
// are kept.
func New(logger *slog.Logger, store SampleStore, diskPath string, retentionDays int) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if diskPath == "" {
		diskPath = "/"
	}
	if retentionDays < 1 {
		retentionDays = 1
	}
	return &Sampler{
		logger:     logger.With("source", "sampler"),
		store:      store,
		diskPath:   diskPath,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		readCPU:    cpuPercent,
		readMemory: memoryPercent,
		readDisk:   diskPercent,
	}
}

// Sample takes one reading of all three gauges and inserts a row. The
// CPU reading observes the host for a second, so calls block that long.
func (s *Sampler) Sample(ctx context.Context) error {
	cpuPct, err := s.readCPU(ctx)
	if err != nil {
		return fmt.Errorf("reading cpu usage: %w", err)
	}
	memPct, err := s.readMemory(ctx)
	if err != nil {
		return fmt.Errorf("reading memory usage: %w", err)
	}
	diskPct, err := s.readDisk(ctx, s.diskPath)
	if err != nil {
		return fmt.Errorf("reading disk usage of %s: %w", s.diskPath, err)
	}

	recordedAt := time.Now().UTC().Truncate(time.Minute)
	if err := s.store.Insert(ctx, recordedAt, cpuPct, memPct, diskPct); err != nil {
		return err
	}
	s.logger.Debug("host sample recorded",
		"cpu", cpuPct, "memory", memPct, "disk", diskPct)
	return nil
}

// Prune drops samples past the retention window.
func (s *Sampler) Prune(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("pruned host samples", "removed", n, "older_than", cutoff)
	}
	return nil
}

func cpuPercent(ctx context.Context) (float64, error) {
	vals, err := cpu.PercentWithContext(ctx, cpuWindow, false)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("no cpu reading returned")
	}
	return vals[0], nil
}

func memoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func diskPercent(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}
