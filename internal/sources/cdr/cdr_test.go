package cdr

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

type fakeStore struct {
	upserts []*models.Call
	created map[string]bool // externalID -> Upsert result, default true
}

func (f *fakeStore) Upsert(ctx context.Context, c *models.Call) (bool, error) {
	f.upserts = append(f.upserts, c)
	if f.created != nil {
		if v, ok := f.created[c.ExternalID]; ok {
			return v, nil
		}
	}
	return true, nil
}

func testSource(store *fakeStore, rows []Row) (*Source, *string) {
	var gotSince string
	s := New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})), store)
	s.fetch = func(ctx context.Context, dsn, since string, limit int) ([]Row, error) {
		gotSince = since
		return rows, nil
	}
	return s, &gotSince
}

func testTenant() *models.Tenant {
	return &models.Tenant{ID: "t1", Timezone: "America/New_York"}
}

func permissiveFilters() tenantconf.CallFilters {
	return tenantconf.CallFilters{IncludeInbound: true, IncludeOutbound: true, IncludeInternal: true}
}

func ny(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestDiscoverPicksBestLegPerUniqueID(t *testing.T) {
	loc := ny(t)
	callDate := time.Date(2025, 1, 15, 10, 0, 0, 0, loc)

	// Ring group: three legs share a uniqueid, only one answered with
	// a recording.
	rows := []Row{
		{
			CallDate: callDate, Src: "+17175551212", Dst: "201",
			Channel: "PJSIP/trunk-out-00000011", DstChannel: "PJSIP/201-00000012",
			LastApp: "Dial", Disposition: "NO ANSWER", UniqueID: "1736941200.12", Sequence: 14,
		},
		{
			CallDate: callDate, Src: "+17175551212", Dst: "200", Cnum: "+17175551212", Cnam: "JOHN DOE",
			Channel: "PJSIP/trunk-out-00000011", DstChannel: "PJSIP/200-00000013",
			LastApp: "Dial", Disposition: "ANSWERED", BillSec: 35,
			RecordingFile: "external-200-+17175551212-20250115-100000-1736941200.12.wav",
			UniqueID:      "1736941200.12", Sequence: 15,
		},
		{
			CallDate: callDate, Src: "+17175551212", Dst: "202",
			Channel: "PJSIP/trunk-out-00000011", DstChannel: "PJSIP/202-00000014",
			LastApp: "Dial", Disposition: "NO ANSWER", UniqueID: "1736941200.12", Sequence: 16,
		},
	}

	store := &fakeStore{}
	s, _ := testSource(store, rows)
	cfg := tenantconf.FreePbxSettings{Filters: permissiveFilters()}

	res, err := s.Discover(context.Background(), testTenant(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(store.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(store.upserts))
	}

	call := store.upserts[0]
	if call.ExternalID != "1736941200.12" {
		t.Errorf("externalID = %q", call.ExternalID)
	}
	if call.Source != models.SourceFreePbxCdr {
		t.Errorf("source = %q", call.Source)
	}
	if call.Direction == nil || *call.Direction != sources.DirectionIn {
		t.Errorf("direction = %v, want in", call.Direction)
	}
	if call.CallerNumber != "+17175551212" || call.CalleeNumber != "200" {
		t.Errorf("parties = %q -> %q", call.CallerNumber, call.CalleeNumber)
	}
	if call.CallerName != "JOHN DOE" {
		t.Errorf("callerName = %q", call.CallerName)
	}
	if call.DurationSeconds != 35 {
		t.Errorf("duration = %d, want 35", call.DurationSeconds)
	}
	if !call.ExternalCreatedAt.Equal(callDate) || call.ExternalCreatedAt.Location() != time.UTC {
		t.Errorf("externalCreatedAt = %v, want %v in UTC", call.ExternalCreatedAt, callDate.UTC())
	}
	if !strings.Contains(call.SourceMetadata, `"uniqueid":"1736941200.12"`) {
		t.Errorf("sourceMetadata missing raw row: %s", call.SourceMetadata)
	}
	if res.Scanned != 3 || res.Inserted != 1 || res.Skipped != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestDiscoverRendersWatermarkInTenantZone(t *testing.T) {
	store := &fakeStore{}
	s, gotSince := testSource(store, nil)
	cfg := tenantconf.FreePbxSettings{Filters: permissiveFilters()}

	// 15:00 UTC is 10:00 in New York.
	since := time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC)
	if _, err := s.Discover(context.Background(), testTenant(), cfg, since); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if *gotSince != "2025-01-15 10:00:00" {
		t.Errorf("since = %q, want tenant-local rendering", *gotSince)
	}

	if _, err := s.Discover(context.Background(), testTenant(), cfg, time.Time{}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if *gotSince != "" {
		t.Errorf("zero since should fetch without watermark, got %q", *gotSince)
	}
}

func TestDiscoverSkipsUnrecordedAndFiltered(t *testing.T) {
	loc := ny(t)
	rows := []Row{
		{
			CallDate: time.Date(2025, 1, 15, 9, 0, 0, 0, loc), Src: "200", Dst: "+17175550000",
			Channel: "PJSIP/200-0000001", DstChannel: "PJSIP/trunk-0000002",
			LastApp: "Dial", Disposition: "ANSWERED", BillSec: 12, UniqueID: "a.1", Sequence: 1,
		},
		{
			CallDate: time.Date(2025, 1, 15, 9, 5, 0, 0, loc), Src: "+17175551212", Dst: "299", Cnum: "+17175551212",
			Channel: "PJSIP/trunk-0000003", DstChannel: "PJSIP/299-0000004",
			LastApp: "Dial", Disposition: "ANSWERED", BillSec: 40,
			RecordingFile: "external-299-+17175551212-20250115-090500-b.2.wav",
			UniqueID:      "b.2", Sequence: 2,
		},
		{
			CallDate: time.Date(2025, 1, 15, 9, 10, 0, 0, loc), Src: "+17175551213", Dst: "200", Cnum: "+17175551213",
			Channel: "PJSIP/trunk-0000005", DstChannel: "PJSIP/200-0000006",
			LastApp: "Dial", Disposition: "ANSWERED", BillSec: 60,
			RecordingFile: "external-200-+17175551213-20250115-091000-c.3.wav",
			UniqueID:      "c.3", Sequence: 3,
		},
	}

	store := &fakeStore{}
	s, _ := testSource(store, rows)
	cfg := tenantconf.FreePbxSettings{Filters: tenantconf.CallFilters{
		IncludeInbound:     true,
		IncludeOutbound:    true,
		IncludeInternal:    true,
		ExcludedInboundExt: []string{"299"},
	}}

	res, err := s.Discover(context.Background(), testTenant(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	// a.1 has no recording, b.2 lands on an excluded extension.
	if len(store.upserts) != 1 || store.upserts[0].ExternalID != "c.3" {
		t.Fatalf("upserts = %+v, want only c.3", store.upserts)
	}
	if res.Scanned != 3 || res.Inserted != 1 || res.Skipped != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestDiscoverHonorsRecordingOverrides(t *testing.T) {
	loc := ny(t)
	rows := []Row{{
		CallDate: time.Date(2025, 1, 15, 9, 0, 0, 0, loc), Src: "+17175551212", Dst: "200", Cnum: "+17175551212",
		Channel: "PJSIP/trunk-0000001", DstChannel: "PJSIP/200-0000002",
		LastApp: "Dial", Disposition: "ANSWERED", BillSec: 30,
		RecordingFile: "external-200-+17175551212-20250115-090000-d.4.wav",
		UniqueID:      "d.4", Sequence: 1,
	}}

	store := &fakeStore{}
	s, _ := testSource(store, rows)
	cfg := tenantconf.FreePbxSettings{
		Filters: permissiveFilters(),
		RecordingOverrides: map[string]tenantconf.RecordingOverride{
			"200": {InExternal: false, OutExternal: true},
		},
	}

	res, err := s.Discover(context.Background(), testTenant(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(store.upserts) != 0 {
		t.Fatalf("override should drop the call, upserted %+v", store.upserts)
	}
	if res.Inserted != 0 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestDiscoverCountsExistingAsSkipped(t *testing.T) {
	loc := ny(t)
	rows := []Row{{
		CallDate: time.Date(2025, 1, 15, 9, 0, 0, 0, loc), Src: "+17175551212", Dst: "200",
		Channel: "PJSIP/trunk-0000001", DstChannel: "PJSIP/200-0000002",
		LastApp: "Dial", Disposition: "ANSWERED", BillSec: 30,
		RecordingFile: "external-200-+17175551212-20250115-090000-e.5.wav",
		UniqueID:      "e.5", Sequence: 1,
	}}

	store := &fakeStore{created: map[string]bool{"e.5": false}}
	s, _ := testSource(store, rows)
	cfg := tenantconf.FreePbxSettings{Filters: permissiveFilters()}

	res, err := s.Discover(context.Background(), testTenant(), cfg, time.Time{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.Scanned != 1 || res.Inserted != 0 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestBetterTieBreaks(t *testing.T) {
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	a := Row{Disposition: "ANSWERED", BillSec: 30, Sequence: 5, CallDate: base}
	b := Row{Disposition: "ANSWERED", BillSec: 30, Sequence: 7, CallDate: base}
	if !better(a, b) {
		t.Error("lower sequence should win the tie")
	}
	if better(b, a) {
		t.Error("higher sequence should lose the tie")
	}

	c := b
	c.Sequence = 5
	c.CallDate = base.Add(-time.Minute)
	if !better(c, a) {
		t.Error("earlier calldate should win when score and sequence tie")
	}

	// billsec contributes at most 60 points, so a marathon unanswered
	// leg never beats an answered one.
	long := Row{Disposition: "NO ANSWER", BillSec: 7200}
	short := Row{Disposition: "ANSWERED", BillSec: 1}
	if better(long, short) {
		t.Error("answered must outrank any unanswered leg")
	}
}

func TestInferDirection(t *testing.T) {
	tests := []struct {
		name string
		leg  Row
		want string // "" means unclassified
	}{
		{
			name: "recording filename wins",
			leg: Row{
				RecordingFile: "external-200-+17175551212-20250115-100000-x.wav",
				Channel:       "PJSIP/200-0001", DstChannel: "PJSIP/201-0002",
			},
			want: sources.DirectionIn,
		},
		{
			name: "extension to trunk",
			leg:  Row{Channel: "PJSIP/200-0001", DstChannel: "PJSIP/flowroute-0002"},
			want: sources.DirectionOut,
		},
		{
			name: "trunk to extension",
			leg:  Row{Channel: "SIP/voipms-0001", DstChannel: "SIP/4002-0002"},
			want: sources.DirectionIn,
		},
		{
			name: "extension to extension",
			leg:  Row{Channel: "PJSIP/201-0001", DstChannel: "Local/202@from-internal-0002"},
			want: sources.DirectionInternal,
		},
		{
			name: "trunk to trunk stays unclassified",
			leg:  Row{Channel: "PJSIP/carrier-a-0001", DstChannel: "PJSIP/carrier-b-0002"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inferDirection(tt.leg, time.UTC)
			if tt.want == "" {
				if got != nil {
					t.Errorf("direction = %q, want unclassified", *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Errorf("direction = %v, want %q", got, tt.want)
			}
		})
	}
}

// TestFetchRowsLive exercises the real MySQL path against a CDR
// database named by CALLSCRIBE_TEST_CDR_DSN.
func TestFetchRowsLive(t *testing.T) {
	dsn := os.Getenv("CALLSCRIBE_TEST_CDR_DSN")
	if dsn == "" {
		t.Skip("CALLSCRIBE_TEST_CDR_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rows, err := fetchRows(ctx, dsn, "", 10)
	if err != nil {
		t.Fatalf("fetchRows: %v", err)
	}
	for _, r := range rows {
		if r.UniqueID == "" {
			t.Errorf("row without uniqueid: %+v", r)
		}
		if r.DstChannel == "" || r.LastApp != "Dial" {
			t.Errorf("row escaped the WHERE clause: %+v", r)
		}
	}
}
