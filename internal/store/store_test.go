package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/callscribe/callscribe/internal/store/models"
)

// testStore opens the database named by CALLSCRIBE_TEST_DATABASE_URL
// and skips the test when it is unset. Each call gets isolated data by
// using fresh tenant rows; tables are shared.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CALLSCRIBE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CALLSCRIBE_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTenant(t *testing.T, s *Store) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		Email:    fmt.Sprintf("t-%d@example.test", time.Now().UnixNano()),
		Name:     "Test Tenant",
		Role:     models.RoleUser,
		Timezone: "UTC",
	}
	if err := s.Tenants.Create(context.Background(), tenant); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { s.Tenants.Delete(context.Background(), tenant.ID) })
	return tenant
}

func TestOpenAndMigrate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tables := []string{
		"schema_migrations", "tenants", "calls", "call_metadata",
		"voicemail_messages", "system_metrics_samples", "sync_states",
	}
	for _, table := range tables {
		var exists bool
		err := s.DB().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&exists)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dsn := os.Getenv("CALLSCRIBE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CALLSCRIBE_TEST_DATABASE_URL not set")
	}
	// Open twice to verify migrations don't fail on re-run.
	s1, err := Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	s1.Close()

	s2, err := Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	s2.Close()
}

func TestCallUpsertDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	call := &models.Call{
		TenantID:          tenant.ID,
		Source:            models.SourceFreePbxCdr,
		ExternalID:        fmt.Sprintf("uniqueid-%d", time.Now().UnixNano()),
		CallerNumber:      "+15550001111",
		CalleeNumber:      "200",
		DurationSeconds:   42,
		RecordingRef:      "/var/spool/asterisk/monitor/2025/01/15/in-200.wav",
		ExternalCreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	inserted, err := s.Calls.Upsert(ctx, call)
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if !inserted {
		t.Fatal("first Upsert() should insert")
	}

	again := *call
	again.ID = ""
	inserted, err = s.Calls.Upsert(ctx, &again)
	if err != nil {
		t.Fatalf("second Upsert() error: %v", err)
	}
	if inserted {
		t.Error("second Upsert() should be a no-op")
	}

	got, err := s.Calls.GetByID(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("call not found after upsert")
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}

func TestCallClaimAndComplete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	call := &models.Call{
		TenantID:          tenant.ID,
		Source:            models.SourceTwilio,
		ExternalID:        fmt.Sprintf("RE%d", time.Now().UnixNano()),
		ExternalCreatedAt: time.Now().UTC(),
	}
	if _, err := s.Calls.Upsert(ctx, call); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	claimed, err := s.Calls.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if claimed == nil {
		t.Fatal("ClaimNext() returned nil with a pending call queued")
	}
	if claimed.Status != models.StatusProcessing {
		t.Errorf("claimed status = %q, want processing", claimed.Status)
	}

	claimed.Transcript = "hello world"
	claimed.Analysis = "1. Summary\ntest"
	claimed.GptModel = "gpt-4o-mini"
	claimed.GptTotalTokens = 10
	if err := s.Calls.MarkCompleted(ctx, claimed); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}

	got, err := s.Calls.GetByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at not set")
	}

	// Completed rows can be requeued.
	ok, err := s.Calls.ResetForRetry(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("ResetForRetry() error: %v", err)
	}
	if !ok {
		t.Error("ResetForRetry() = false for completed call")
	}

	got, _ = s.Calls.GetByID(ctx, claimed.ID)
	if got.Status != models.StatusPending {
		t.Errorf("status after retry = %q, want pending", got.Status)
	}

	// Pending rows cannot be requeued again.
	ok, err = s.Calls.ResetForRetry(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("ResetForRetry() error: %v", err)
	}
	if ok {
		t.Error("ResetForRetry() = true for pending call")
	}
}

func TestVoicemailUpsertRefreshesLocation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	identity := fmt.Sprintf("100|%d|23|\"Jane\" <+15550002222>", time.Now().Unix())
	msg := &models.VoicemailMessage{
		TenantID:      tenant.ID,
		Mailbox:       "100",
		Context:       "default",
		Folder:        "INBOX",
		MsgID:         "msg0000",
		PbxIdentity:   identity,
		ReceivedAt:    time.Now().UTC().Truncate(time.Second),
		CallerID:      `"Jane" <+15550002222>`,
		RecordingPath: "/var/spool/asterisk/voicemail/default/100/INBOX/msg0000.wav",
		MetadataPath:  "/var/spool/asterisk/voicemail/default/100/INBOX/msg0000.txt",
		LastSeenAt:    time.Now().UTC(),
	}

	inserted, err := s.Voicemails.Upsert(ctx, msg)
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if !inserted {
		t.Fatal("first Upsert() should insert")
	}

	// Same identity rediscovered in Old under a new slot.
	moved := *msg
	moved.ID = ""
	moved.Folder = "Old"
	moved.MsgID = "msg0003"
	moved.RecordingPath = "/var/spool/asterisk/voicemail/default/100/Old/msg0003.wav"
	moved.MetadataPath = "/var/spool/asterisk/voicemail/default/100/Old/msg0003.txt"
	moved.LastSeenAt = time.Now().UTC()

	inserted, err = s.Voicemails.Upsert(ctx, &moved)
	if err != nil {
		t.Fatalf("second Upsert() error: %v", err)
	}
	if inserted {
		t.Error("second Upsert() should update, not insert")
	}

	got, err := s.Voicemails.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Folder != "Old" || got.MsgID != "msg0003" {
		t.Errorf("location = %s/%s, want Old/msg0003", got.Folder, got.MsgID)
	}
}

func TestVoicemailTombstones(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	old := &models.VoicemailMessage{
		TenantID:    tenant.ID,
		Mailbox:     "101",
		Context:     "default",
		Folder:      "INBOX",
		MsgID:       "msg0000",
		PbxIdentity: fmt.Sprintf("101|%d|10|x", time.Now().UnixNano()),
		ReceivedAt:  time.Now().UTC(),
		LastSeenAt:  time.Now().UTC().Add(-time.Hour),
	}
	if _, err := s.Voicemails.Upsert(ctx, old); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	n, err := s.Voicemails.DeleteTombstones(ctx, tenant.ID, "default", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("DeleteTombstones() error: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteTombstones() = %d, want 1", n)
	}

	got, err := s.Voicemails.GetByID(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got != nil {
		t.Error("tombstoned message still present")
	}
}

func TestSyncStateClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	ok, err := s.SyncStates.ClaimRun(ctx, tenant.ID, models.SyncSourceCdr, time.Minute)
	if err != nil {
		t.Fatalf("ClaimRun() error: %v", err)
	}
	if !ok {
		t.Fatal("first ClaimRun() should win")
	}

	// Second claim while in progress loses.
	ok, err = s.SyncStates.ClaimRun(ctx, tenant.ID, models.SyncSourceCdr, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimRun() error: %v", err)
	}
	if ok {
		t.Error("second ClaimRun() should lose while in progress")
	}

	if err := s.SyncStates.FinishRun(ctx, tenant.ID, models.SyncSourceCdr, "synced 3 calls", nil); err != nil {
		t.Fatalf("FinishRun() error: %v", err)
	}

	state, err := s.SyncStates.Get(ctx, tenant.ID, models.SyncSourceCdr)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state == nil || state.InProgress {
		t.Fatal("state should exist and be released")
	}
	if state.LastResult != "synced 3 calls" {
		t.Errorf("last_result = %q", state.LastResult)
	}

	// Released state can be claimed again.
	ok, err = s.SyncStates.ClaimRun(ctx, tenant.ID, models.SyncSourceCdr, time.Minute)
	if err != nil {
		t.Fatalf("third ClaimRun() error: %v", err)
	}
	if !ok {
		t.Error("ClaimRun() after release should win")
	}
	s.SyncStates.FinishRun(ctx, tenant.ID, models.SyncSourceCdr, "", nil)
}

func TestSettingsDocMerge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := testTenant(t, s)

	err := s.Tenants.UpdateSettingsDoc(ctx, tenant.ID, "freepbx", func(existing []byte) ([]byte, error) {
		return []byte(`{"restHost":"pbx.example.test","restPort":8443}`), nil
	})
	if err != nil {
		t.Fatalf("UpdateSettingsDoc() error: %v", err)
	}

	doc, err := s.Tenants.GetSettingsDoc(ctx, tenant.ID, "freepbx")
	if err != nil {
		t.Fatalf("GetSettingsDoc() error: %v", err)
	}
	if string(doc) == "" || string(doc) == "{}" {
		t.Errorf("settings doc not written: %s", doc)
	}

	// Unknown domains are rejected.
	if _, err := s.Tenants.GetSettingsDoc(ctx, tenant.ID, "nope"); err == nil {
		t.Error("expected error for unknown domain")
	}
}

func TestSamplesPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recorded := time.Now().UTC().Add(-40 * 24 * time.Hour)
	if err := s.Samples.Insert(ctx, recorded, 10, 20, 30); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	n, err := s.Samples.Prune(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n < 1 {
		t.Errorf("Prune() = %d, want at least 1", n)
	}
}
