// Package scheduler owns the periodic work: source discovery per
// tenant, call and voicemail processing, retention sweeps, host
// sampling and PBX spool stats. Every (tenant, source) pair runs at
// most once concurrently, serialized through a sync_states claim; a
// tick that finds a run in progress is dropped, never queued.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/remotefs"
	"github.com/callscribe/callscribe/internal/secrets"
	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/sources/voicemail"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// stuckAfter is how long a row may sit in processing before recovery
// fails it. Long calls spend minutes in transcription, never this long.
const stuckAfter = 30 * time.Minute

// TenantLister enumerates the tenants the PBX loops iterate.
type TenantLister interface {
	ListWithFreePbx(ctx context.Context) ([]*models.Tenant, error)
}

// SyncStates serializes runs per (tenant, source).
type SyncStates interface {
	ClaimRun(ctx context.Context, tenantID, source string, interval time.Duration) (bool, error)
	FinishRun(ctx context.Context, tenantID, source, result string, nextRunAt *time.Time) error
	Get(ctx context.Context, tenantID, source string) (*models.SyncState, error)
}

// CallSync is the slice of the call repository the scheduler needs.
type CallSync interface {
	MaxExternalCreatedAt(ctx context.Context, tenantID, source string) (*time.Time, error)
	MarkRecordingsDeletedForDay(ctx context.Context, tenantID, slashDay, compactDay string) (int64, error)
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// VoicemailSync is the slice of the voicemail repository the scheduler needs.
type VoicemailSync interface {
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Processor drains the pending queues. Satisfied by pipeline.Engine.
type Processor interface {
	ProcessPendingCalls(ctx context.Context) (int, error)
	ProcessPendingVoicemails(ctx context.Context) (int, error)
}

// HostSampler records and prunes host metrics samples.
type HostSampler interface {
	Sample(ctx context.Context) error
	Prune(ctx context.Context) error
}

// Discoverer ingests new calls for one tenant. Satisfied by the CDR
// and archive sources.
type Discoverer interface {
	Discover(ctx context.Context, tenant *models.Tenant, cfg tenantconf.FreePbxSettings, since time.Time) (sources.Result, error)
}

// VoicemailDiscoverer scans one tenant's voicemail spool.
type VoicemailDiscoverer interface {
	Discover(ctx context.Context, fs voicemail.RemoteFS, tenant *models.Tenant, cfg tenantconf.FreePbxSettings) (sources.Result, error)
}

// pbxSession is the slice of a remotefs session the scheduler uses.
type pbxSession interface {
	voicemail.RemoteFS
	SweepOlderThanDay(ctx context.Context, base string, keepFrom time.Time, loc *time.Location) ([]time.Time, error)
	Stats(ctx context.Context, base string) (remotefs.Stats, error)
	Close() error
}

type connectFunc func(ctx context.Context, cfg remotefs.Config) (pbxSession, error)

// Deps wires the scheduler to the rest of the system.
type Deps struct {
	Tenants    TenantLister
	Calls      CallSync
	Voicemails VoicemailSync
	States     SyncStates
	Engine     Processor
	Sampler    HostSampler
	Cdr        Discoverer
	Archive    Discoverer
	Voicemail  VoicemailDiscoverer
	Encryptor  *secrets.Encryptor
}

// Intervals carries the tick cadences, taken from config.
type Intervals struct {
	Cdr                 time.Duration
	Archive             time.Duration
	VoicemailDiscovery  time.Duration
	VoicemailProcessing time.Duration
	Processing          time.Duration
	Retention           time.Duration
	Sample              time.Duration
}

// Scheduler runs one goroutine per ticker and fans work out per tenant.
type Scheduler struct {
	logger *slog.Logger
	deps   Deps
	iv     Intervals

	connect connectFunc
	now     func() time.Time
	wg      sync.WaitGroup

	// kicks carries manual sync requests into the loop goroutines, one
	// buffered channel per triggerable source. The channel value is the
	// tenant ID to sync, or "" for all tenants.
	kicks map[string]chan string
}

func New(logger *slog.Logger, deps Deps, iv Intervals) *Scheduler {
	s := &Scheduler{
		logger: logger.With("source", "scheduler"),
		deps:   deps,
		iv:     iv,
		now:    time.Now,
		kicks: map[string]chan string{
			models.SyncSourceCdr:       make(chan string, 8),
			models.SyncSourceArchive:   make(chan string, 8),
			models.SyncSourceVoicemail: make(chan string, 8),
			models.SyncSourceRetention: make(chan string, 8),
		},
	}
	s.connect = func(ctx context.Context, cfg remotefs.Config) (pbxSession, error) {
		return remotefs.New(cfg, logger).Connect(ctx)
	}
	return s
}

// Trigger enqueues an immediate run of one sync source. A non-empty
// tenantID narrows the run to that tenant and skips its cadence gate;
// an empty one runs a normal full pass. Trigger never blocks: when the
// queue is full the request is dropped, since a pending kick already
// covers it. Returns false for sources that cannot be triggered.
func (s *Scheduler) Trigger(source, tenantID string) bool {
	kick, ok := s.kicks[source]
	if !ok {
		return false
	}
	select {
	case kick <- tenantID:
	default:
		s.logger.Warn("manual sync dropped, queue full", "sync", source, "tenant", tenantID)
	}
	return true
}

// Run starts every loop and blocks until ctx is cancelled and all
// in-flight ticks have returned. The pipeline engine itself waits for
// its workers, so a drained Run means every claimed item reached a
// terminal state.
func (s *Scheduler) Run(ctx context.Context) {
	s.recoverStuck(ctx)

	s.spawn(ctx, s.iv.Processing, s.processCallsTick)
	s.spawn(ctx, s.iv.VoicemailProcessing, s.processVoicemailsTick)
	s.spawnSync(ctx, s.iv.Cdr, s.kicks[models.SyncSourceCdr], s.cdrTick)
	s.spawnSync(ctx, s.iv.Archive, s.kicks[models.SyncSourceArchive], s.archiveTick)
	s.spawnSync(ctx, s.iv.VoicemailDiscovery, s.kicks[models.SyncSourceVoicemail], s.voicemailTick)
	s.spawnSync(ctx, s.iv.Retention, s.kicks[models.SyncSourceRetention], s.retentionTick)
	s.spawnAligned(ctx, s.iv.Sample, s.sampleTick)
	s.spawn(ctx, s.iv.Sample, s.pbxStatsTick)

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// spawn runs fn on every tick until ctx is done. fn runs inline in the
// loop goroutine, so a slow pass delays only its own ticker and the
// ticker drops what it missed.
func (s *Scheduler) spawn(ctx context.Context, every time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// spawnSync is spawn for the triggerable sync loops. Ticker ticks run
// fn for every tenant; a kick runs it for the requested tenant right
// away, bypassing any per-tenant cadence gate.
func (s *Scheduler) spawnSync(ctx context.Context, every time.Duration, kick <-chan string, fn func(ctx context.Context, only string)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx, "")
			case tenantID := <-kick:
				fn(ctx, tenantID)
			}
		}
	}()
}

// spawnAligned is spawn with the first tick held until the next
// wall-clock multiple of every, so sample timestamps land on clean
// boundaries.
func (s *Scheduler) spawnAligned(ctx context.Context, every time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		first := time.NewTimer(time.Until(s.now().Truncate(every).Add(every)))
		defer first.Stop()
		select {
		case <-ctx.Done():
			return
		case <-first.C:
		}
		fn(ctx)

		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (s *Scheduler) recoverStuck(ctx context.Context) {
	if n, err := s.deps.Calls.RecoverStuck(ctx, stuckAfter); err != nil {
		s.logger.Error("stuck call recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("recovered stuck calls", "count", n)
	}
	if n, err := s.deps.Voicemails.RecoverStuck(ctx, stuckAfter); err != nil {
		s.logger.Error("stuck voicemail recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("recovered stuck voicemails", "count", n)
	}
}

func (s *Scheduler) processCallsTick(ctx context.Context) {
	if n, err := s.deps.Calls.RecoverStuck(ctx, stuckAfter); err != nil {
		s.logger.Error("stuck call recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("recovered stuck calls", "count", n)
	}
	if _, err := s.deps.Engine.ProcessPendingCalls(ctx); err != nil {
		s.logger.Error("call processing tick failed", "error", err)
	}
}

func (s *Scheduler) processVoicemailsTick(ctx context.Context) {
	if n, err := s.deps.Voicemails.RecoverStuck(ctx, stuckAfter); err != nil {
		s.logger.Error("stuck voicemail recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("recovered stuck voicemails", "count", n)
	}
	if _, err := s.deps.Engine.ProcessPendingVoicemails(ctx); err != nil {
		s.logger.Error("voicemail processing tick failed", "error", err)
	}
}

func (s *Scheduler) sampleTick(ctx context.Context) {
	if err := s.deps.Sampler.Sample(ctx); err != nil {
		s.logger.Error("host sample failed", "error", err)
	}
	if err := s.deps.Sampler.Prune(ctx); err != nil {
		s.logger.Error("host sample prune failed", "error", err)
	}
}

// pbxTenant pairs a tenant with its parsed freepbx settings.
type pbxTenant struct {
	tenant *models.Tenant
	cfg    tenantconf.FreePbxSettings
}

// pbxTenants lists the enabled freepbx tenants; ones whose settings
// document does not parse are skipped with a warning.
func (s *Scheduler) pbxTenants(ctx context.Context) []pbxTenant {
	tenants, err := s.deps.Tenants.ListWithFreePbx(ctx)
	if err != nil {
		s.logger.Error("listing pbx tenants failed", "error", err)
		return nil
	}
	out := make([]pbxTenant, 0, len(tenants))
	for _, t := range tenants {
		cfg, err := tenantconf.ParseFreePbx(t.FreePbxSettings, s.deps.Encryptor)
		if err != nil {
			s.logger.Warn("skipping tenant with bad freepbx settings", "tenant", t.ID, "error", err)
			continue
		}
		out = append(out, pbxTenant{tenant: t, cfg: cfg})
	}
	return out
}

// claimed serializes fn behind the (tenant, source) sync-state claim
// and records the outcome. A lost claim drops the tick. The finish
// write survives shutdown cancellation so no claim leaks.
func (s *Scheduler) claimed(ctx context.Context, tenantID, source string, interval time.Duration, fn func(ctx context.Context) (string, *time.Time, error)) {
	won, err := s.deps.States.ClaimRun(ctx, tenantID, source, interval)
	if err != nil {
		s.logger.Error("sync claim failed", "tenant", tenantID, "sync", source, "error", err)
		return
	}
	if !won {
		s.logger.Info("sync tick dropped", "tenant", tenantID, "sync", source, "reason", "in-progress")
		return
	}

	result, next, err := fn(ctx)
	if err != nil {
		s.logger.Error("sync run failed", "tenant", tenantID, "sync", source, "error", err)
		result = "error: " + apperr.Short(err, 200)
	}
	finish := context.WithoutCancel(ctx)
	if err := s.deps.States.FinishRun(finish, tenantID, source, result, next); err != nil {
		s.logger.Error("sync finish failed", "tenant", tenantID, "sync", source, "error", err)
	}
}

func (s *Scheduler) cdrTick(ctx context.Context, only string) {
	for _, tc := range s.pbxTenants(ctx) {
		if ctx.Err() != nil {
			return
		}
		if only != "" && tc.tenant.ID != only {
			continue
		}
		if tc.cfg.CdrHost == "" {
			continue
		}
		tenant, cfg := tc.tenant, tc.cfg
		s.claimed(ctx, tenant.ID, models.SyncSourceCdr, s.iv.Cdr, func(ctx context.Context) (string, *time.Time, error) {
			since, err := s.deps.Calls.MaxExternalCreatedAt(ctx, tenant.ID, models.SourceFreePbxCdr)
			if err != nil {
				return "", nil, err
			}
			res, err := s.deps.Cdr.Discover(ctx, tenant, cfg, deref(since))
			return res.String(), nil, err
		})
	}
}

func (s *Scheduler) archiveTick(ctx context.Context, only string) {
	for _, tc := range s.pbxTenants(ctx) {
		if ctx.Err() != nil {
			return
		}
		if only != "" && tc.tenant.ID != only {
			continue
		}
		if tc.cfg.RestHost == "" {
			continue
		}
		tenant, cfg := tc.tenant, tc.cfg
		s.claimed(ctx, tenant.ID, models.SyncSourceArchive, s.iv.Archive, func(ctx context.Context) (string, *time.Time, error) {
			since, err := s.deps.Calls.MaxExternalCreatedAt(ctx, tenant.ID, models.SourceFreePbxArchive)
			if err != nil {
				return "", nil, err
			}
			res, err := s.deps.Archive.Discover(ctx, tenant, cfg, deref(since))
			return res.String(), nil, err
		})
	}
}

// voicemailTick scans spools on each tenant's own cadence. The tick
// only checks who is due; next_run_at moves forward by the tenant's
// interval whether the scan worked or not, so a broken spool is retried
// on its schedule instead of every tick. A manual run skips the
// next_run_at gate but still reschedules it.
func (s *Scheduler) voicemailTick(ctx context.Context, only string) {
	for _, tc := range s.pbxTenants(ctx) {
		if ctx.Err() != nil {
			return
		}
		if only != "" && tc.tenant.ID != only {
			continue
		}
		if !tc.cfg.VoicemailEnabled || tc.cfg.SSHHost == "" {
			continue
		}
		tenant, cfg := tc.tenant, tc.cfg

		interval := time.Duration(cfg.VoicemailIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = time.Hour
		}
		if only == "" {
			state, err := s.deps.States.Get(ctx, tenant.ID, models.SyncSourceVoicemail)
			if err != nil {
				s.logger.Error("reading voicemail sync state failed", "tenant", tenant.ID, "error", err)
				continue
			}
			if state != nil && state.NextRunAt != nil && s.now().Before(*state.NextRunAt) {
				continue
			}
		}

		s.claimed(ctx, tenant.ID, models.SyncSourceVoicemail, interval, func(ctx context.Context) (string, *time.Time, error) {
			next := s.now().Add(interval)
			sess, err := s.connect(ctx, sshConfig(cfg))
			if err != nil {
				return "", &next, err
			}
			defer sess.Close()
			res, err := s.deps.Voicemail.Discover(ctx, sess, tenant, cfg)
			return res.String(), &next, err
		})
	}
}

// retentionTick checks minutely which tenants have passed their local
// run time. A successful sweep reschedules for tomorrow; a failed one
// leaves next_run_at in the past so the next minute retries. A manual
// run sweeps immediately regardless of the schedule.
func (s *Scheduler) retentionTick(ctx context.Context, only string) {
	for _, tc := range s.pbxTenants(ctx) {
		if ctx.Err() != nil {
			return
		}
		if only != "" && tc.tenant.ID != only {
			continue
		}
		if !tc.cfg.RetentionEnabled || tc.cfg.SSHHost == "" {
			continue
		}
		tenant, cfg := tc.tenant, tc.cfg

		hour, minute, err := cfg.RetentionRunTimeParts()
		if err != nil {
			s.logger.Warn("skipping tenant with bad retention run time", "tenant", tenant.ID, "error", err)
			continue
		}
		loc := tenant.Location()
		now := s.now().In(loc)

		if only == "" {
			state, err := s.deps.States.Get(ctx, tenant.ID, models.SyncSourceRetention)
			if err != nil {
				s.logger.Error("reading retention sync state failed", "tenant", tenant.ID, "error", err)
				continue
			}
			if !retentionDue(state, now, hour, minute) {
				continue
			}
		}

		s.claimed(ctx, tenant.ID, models.SyncSourceRetention, remotefs.SweepTimeout, func(ctx context.Context) (string, *time.Time, error) {
			keepFrom := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).
				AddDate(0, 0, -(cfg.RetentionDays - 1))

			sess, err := s.connect(ctx, sshConfig(cfg))
			if err != nil {
				return "", nil, err
			}
			defer sess.Close()

			swept, sweepErr := sess.SweepOlderThanDay(ctx, cfg.SSHBasePath, keepFrom, loc)
			var marked int64
			for _, day := range swept {
				n, err := s.deps.Calls.MarkRecordingsDeletedForDay(ctx, tenant.ID, remotefs.SlashDay(day), remotefs.CompactDay(day))
				if err != nil {
					s.logger.Error("marking swept recordings failed",
						"tenant", tenant.ID, "day", remotefs.SlashDay(day), "error", err)
					continue
				}
				marked += n
			}
			if sweepErr != nil {
				return "", nil, sweepErr
			}
			next := nextLocalRun(now, hour, minute)
			return fmt.Sprintf("swept=%d marked=%d", len(swept), marked), &next, nil
		})
	}
}

// retentionDue reports whether the tenant-local clock has reached the
// next scheduled sweep. Before the first run only today's HH:MM gates,
// so a fresh tenant sweeps the first evening it is configured.
func retentionDue(state *models.SyncState, now time.Time, hour, minute int) bool {
	if state != nil && state.NextRunAt != nil {
		return !now.Before(state.NextRunAt.In(now.Location()))
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	return !now.Before(today)
}

// nextLocalRun returns the first HH:MM after now in now's zone, as UTC.
func nextLocalRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.UTC()
}

// pbxStatsTick refreshes each tenant's recording spool summary into
// sync_states.last_result, where the sync status endpoint reads it.
func (s *Scheduler) pbxStatsTick(ctx context.Context) {
	for _, tc := range s.pbxTenants(ctx) {
		if ctx.Err() != nil {
			return
		}
		if tc.cfg.SSHHost == "" {
			continue
		}
		tenant, cfg := tc.tenant, tc.cfg
		s.claimed(ctx, tenant.ID, models.SyncSourcePbxMetrics, s.iv.Sample, func(ctx context.Context) (string, *time.Time, error) {
			sess, err := s.connect(ctx, sshConfig(cfg))
			if err != nil {
				return "", nil, err
			}
			defer sess.Close()

			st, err := sess.Stats(ctx, cfg.SSHBasePath)
			if err != nil {
				return "", nil, err
			}
			doc, err := json.Marshal(struct {
				FileCount  int64  `json:"fileCount"`
				TotalBytes int64  `json:"totalBytes"`
				FirstDay   string `json:"firstDay,omitempty"`
				LastDay    string `json:"lastDay,omitempty"`
			}{st.FileCount, st.TotalBytes, st.FirstDay, st.LastDay})
			return string(doc), nil, err
		})
	}
}

func sshConfig(s tenantconf.FreePbxSettings) remotefs.Config {
	return remotefs.Config{
		Host:       s.SSHHost,
		Port:       s.SSHPort,
		User:       s.SSHUser,
		Password:   s.SSHPassword,
		PrivateKey: s.SSHPrivateKey,
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
