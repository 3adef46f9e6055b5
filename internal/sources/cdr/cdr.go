// Package cdr polls the FreePBX CDR database for completed calls with
// recordings. Asterisk writes one row per dial leg; ring groups fan a
// single uniqueid across many legs, so discovery picks the best leg
// per uniqueid before handing candidates to the call store.
package cdr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// DefaultLimit caps the rows fetched per tick.
const DefaultLimit = 1000

// Row is one CDR record as Asterisk stores it. The JSON form is kept
// verbatim on the call as sourceMetadata.
type Row struct {
	CallDate      time.Time `json:"calldate"`
	Clid          string    `json:"clid"`
	Src           string    `json:"src"`
	Dst           string    `json:"dst"`
	Channel       string    `json:"channel"`
	DstChannel    string    `json:"dstchannel"`
	LastApp       string    `json:"lastapp"`
	Duration      int       `json:"duration"`
	BillSec       int       `json:"billsec"`
	Disposition   string    `json:"disposition"`
	RecordingFile string    `json:"recordingfile"`
	UniqueID      string    `json:"uniqueid"`
	LinkedID      string    `json:"linkedid"`
	Sequence      int       `json:"sequence"`
	Cnum          string    `json:"cnum"`
	Cnam          string    `json:"cnam"`
}

// CallStore is the slice of the call repository discovery needs.
type CallStore interface {
	Upsert(ctx context.Context, c *models.Call) (bool, error)
}

type fetchFunc func(ctx context.Context, dsn, since string, limit int) ([]Row, error)

// Source discovers calls from a tenant's CDR database.
type Source struct {
	logger *slog.Logger
	store  CallStore
	limit  int
	fetch  fetchFunc
}

func New(logger *slog.Logger, store CallStore) *Source {
	return &Source{
		logger: logger.With("source", models.SourceFreePbxCdr),
		store:  store,
		limit:  DefaultLimit,
		fetch:  fetchRows,
	}
}

// Discover fetches CDR rows newer than since, reduces them to one leg
// per uniqueid, applies the tenant's call filters and upserts the
// survivors. A zero since fetches without a watermark.
func (s *Source) Discover(ctx context.Context, tenant *models.Tenant, cfg tenantconf.FreePbxSettings, since time.Time) (sources.Result, error) {
	loc := tenant.Location()

	// CDR calldate is a naive local timestamp, so the watermark is
	// rendered in the tenant's zone before the SQL comparison.
	watermark := ""
	if !since.IsZero() {
		watermark = since.In(loc).Format("2006-01-02 15:04:05")
	}

	rows, err := s.fetch(ctx, cfg.CdrDSN(loc.String()), watermark, s.limit)
	if err != nil {
		return sources.Result{}, err
	}

	best := make(map[string]Row, len(rows))
	for _, row := range rows {
		cur, ok := best[row.UniqueID]
		if !ok || better(row, cur) {
			best[row.UniqueID] = row
		}
	}
	legs := make([]Row, 0, len(best))
	for _, leg := range best {
		legs = append(legs, leg)
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].CallDate.Before(legs[j].CallDate) })

	res := sources.Result{Scanned: len(rows)}
	for _, leg := range legs {
		if leg.RecordingFile == "" {
			continue
		}
		call, ok := s.candidate(tenant, cfg, leg, loc)
		if !ok {
			continue
		}
		created, err := s.store.Upsert(ctx, call)
		if err != nil {
			return res, err
		}
		if created {
			res.Inserted++
			s.logger.Info("cdr call discovered",
				"tenant", tenant.ID,
				"uniqueid", leg.UniqueID,
				"calldate", leg.CallDate)
		}
	}
	res.Skipped = res.Scanned - res.Inserted
	return res, nil
}

// candidate normalizes one leg into a call row, or reports false when
// the tenant's filters drop it.
func (s *Source) candidate(tenant *models.Tenant, cfg tenantconf.FreePbxSettings, leg Row, loc *time.Location) (*models.Call, bool) {
	direction := inferDirection(leg, loc)

	caller := leg.Cnum
	if caller == "" {
		caller = leg.Src
	}
	callee := leg.Dst

	if direction != nil {
		ext := caller
		if *direction == sources.DirectionIn {
			ext = callee
		}
		if !cfg.Filters.Allows(*direction, caller, callee) || !cfg.OverrideAllows(*direction, ext) {
			return nil, false
		}
	}

	meta, err := json.Marshal(leg)
	if err != nil {
		meta = []byte("{}")
	}
	return &models.Call{
		TenantID:          tenant.ID,
		Source:            models.SourceFreePbxCdr,
		ExternalID:        leg.UniqueID,
		Direction:         direction,
		CallerNumber:      caller,
		CallerName:        leg.Cnam,
		CalleeNumber:      callee,
		DurationSeconds:   leg.BillSec,
		RecordingRef:      leg.RecordingFile,
		ExternalCreatedAt: leg.CallDate.UTC(),
		SourceMetadata:    string(meta),
	}, true
}

// better reports whether a should replace b as the leg representing a
// uniqueid. Answered legs beat unanswered, recorded beat unrecorded,
// longer billsec (capped at a minute) beats shorter. Ties go to the
// lower sequence, then the earlier calldate.
func better(a, b Row) bool {
	sa, sb := legScore(a), legScore(b)
	if sa != sb {
		return sa > sb
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.CallDate.Before(b.CallDate)
}

func legScore(r Row) int {
	score := 0
	if strings.EqualFold(r.Disposition, "ANSWERED") {
		score += 1000
	}
	if r.RecordingFile != "" {
		score += 100
	}
	if r.BillSec < 60 {
		score += r.BillSec
	} else {
		score += 60
	}
	return score
}

// extLeg matches channels that terminate on a local extension, e.g.
// PJSIP/201-00000042 or Local/4002@from-queue.
var extLeg = regexp.MustCompile(`(?i)^(?:sip|pjsip|local)/(\d{2,6})[-@]`)

// inferDirection classifies a leg, preferring the recording filename
// and falling back to channel shapes. Legs that fit neither stay
// unclassified.
func inferDirection(leg Row, loc *time.Location) *string {
	if id, ok := sources.ParseRecordingName(leg.RecordingFile, loc); ok {
		return &id.Direction
	}

	srcExt := extLeg.MatchString(leg.Channel)
	dstExt := extLeg.MatchString(leg.DstChannel)
	var d string
	switch {
	case srcExt && dstExt:
		d = sources.DirectionInternal
	case srcExt:
		d = sources.DirectionOut
	case dstExt:
		d = sources.DirectionIn
	default:
		return nil
	}
	return &d
}

const selectColumns = "calldate, clid, src, dst, channel, dstchannel, lastapp, " +
	"duration, billsec, disposition, COALESCE(recordingfile, ''), uniqueid, " +
	"COALESCE(linkedid, ''), sequence, COALESCE(cnum, ''), COALESCE(cnam, '')"

func fetchRows(ctx context.Context, dsn, since string, limit int) ([]Row, error) {
	const op = "cdr.fetch"

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, apperr.Config(op, fmt.Sprintf("invalid CDR DSN: %v", err))
	}
	defer db.Close()

	query := "SELECT " + selectColumns + " FROM cdr WHERE dstchannel <> '' AND lastapp = 'Dial'"
	args := []any{}
	if since != "" {
		query += " AND calldate > ?"
		args = append(args, since)
	}
	query += " ORDER BY calldate DESC LIMIT ?"
	args = append(args, limit)

	dbRows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Transport(op, true, err)
	}
	defer dbRows.Close()

	var out []Row
	for dbRows.Next() {
		var r Row
		if err := dbRows.Scan(
			&r.CallDate, &r.Clid, &r.Src, &r.Dst, &r.Channel, &r.DstChannel,
			&r.LastApp, &r.Duration, &r.BillSec, &r.Disposition,
			&r.RecordingFile, &r.UniqueID, &r.LinkedID, &r.Sequence,
			&r.Cnum, &r.Cnam,
		); err != nil {
			return nil, apperr.Data(op, "scanning CDR row", err)
		}
		out = append(out, r)
	}
	if err := dbRows.Err(); err != nil {
		return nil, apperr.Transport(op, true, err)
	}
	return out, nil
}

// TestConnect opens the CDR database and counts its rows.
func TestConnect(ctx context.Context, cfg tenantconf.FreePbxSettings, tz string) (int64, error) {
	const op = "cdr.testConnect"

	db, err := sql.Open("mysql", cfg.CdrDSN(tz))
	if err != nil {
		return 0, apperr.Config(op, fmt.Sprintf("invalid CDR DSN: %v", err))
	}
	defer db.Close()

	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdr").Scan(&count); err != nil {
		return 0, apperr.Transport(op, true, err)
	}
	return count, nil
}
