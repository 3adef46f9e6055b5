// Package archive discovers calls by listing the FreePBX recording
// archive over its REST API. The archive only knows filenames, so
// identity comes from the recording name conventions and duration is
// left for the processing pipeline to measure.
package archive

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/icholy/digest"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

const (
	requestTimeout = 15 * time.Second
	maxBodyBytes   = 32 << 20
)

// entry is one recording as the PBX REST API reports it. The JSON form
// is kept on the call as sourceMetadata.
type entry struct {
	Name    string `json:"name"`
	Format  string `json:"format"`
	Created string `json:"created"`
}

type listing struct {
	Recordings []entry `json:"recordings"`
}

// CallStore is the slice of the call repository discovery needs.
type CallStore interface {
	Upsert(ctx context.Context, c *models.Call) (bool, error)
}

// Source discovers calls from a tenant's recording archive.
type Source struct {
	logger *slog.Logger
	store  CallStore
	client func(cfg tenantconf.FreePbxSettings) *http.Client
}

func New(logger *slog.Logger, store CallStore) *Source {
	return &Source{
		logger: logger.With("source", models.SourceFreePbxArchive),
		store:  store,
		client: restClient,
	}
}

// restClient builds an HTTP client with digest credentials for the PBX
// REST API. Self-signed PBX certificates are common, so verification
// follows the tenant's rejectUnauthorized setting.
func restClient(cfg tenantconf.FreePbxSettings) *http.Client {
	var inner http.RoundTripper
	if cfg.TLS && !cfg.RejectUnauthorized {
		inner = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &digest.Transport{
			Username:  cfg.RestUser,
			Password:  cfg.RestPassword,
			Transport: inner,
		},
	}
}

// Discover lists the archive and upserts recordings created after
// since. A zero since ingests the whole listing; the (source,
// externalId) upsert keeps re-scans idempotent.
func (s *Source) Discover(ctx context.Context, tenant *models.Tenant, cfg tenantconf.FreePbxSettings, since time.Time) (sources.Result, error) {
	entries, err := s.list(ctx, cfg)
	if err != nil {
		return sources.Result{}, err
	}

	loc := tenant.Location()
	type dated struct {
		entry
		createdAt time.Time
	}
	kept := make([]dated, 0, len(entries))
	for _, e := range entries {
		createdAt := createdTime(e, loc)
		if !since.IsZero() && !createdAt.After(since) {
			continue
		}
		kept = append(kept, dated{entry: e, createdAt: createdAt})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].createdAt.Before(kept[j].createdAt) })

	res := sources.Result{Scanned: len(entries)}
	for _, d := range kept {
		call := s.candidate(tenant, d.entry, d.createdAt, loc)
		created, err := s.store.Upsert(ctx, call)
		if err != nil {
			return res, err
		}
		if created {
			res.Inserted++
			s.logger.Info("archive recording discovered",
				"tenant", tenant.ID,
				"name", d.Name,
				"createdAt", d.createdAt)
		}
	}
	res.Skipped = res.Scanned - res.Inserted
	return res, nil
}

func (s *Source) candidate(tenant *models.Tenant, e entry, createdAt time.Time, loc *time.Location) *models.Call {
	call := &models.Call{
		TenantID:          tenant.ID,
		Source:            models.SourceFreePbxArchive,
		ExternalID:        e.Name,
		RecordingRef:      e.Name,
		ExternalCreatedAt: createdAt.UTC(),
	}
	if id, ok := sources.ParseRecordingName(e.Name, loc); ok {
		call.Direction = &id.Direction
		call.CallerNumber = id.CallerNumber
		call.CalleeNumber = id.CalleeNumber
	}
	if meta, err := json.Marshal(e); err == nil {
		call.SourceMetadata = string(meta)
	}
	return call
}

func (s *Source) list(ctx context.Context, cfg tenantconf.FreePbxSettings) ([]entry, error) {
	const op = "archive.list"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.RestBaseURL()+"/api/recordings", nil)
	if err != nil {
		return nil, apperr.Config(op, fmt.Sprintf("building archive request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client(cfg).Do(req)
	if err != nil {
		return nil, apperr.Transport(op, true, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.Auth(op, fmt.Sprintf("archive API rejected credentials (%d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.Transport(op, true, fmt.Errorf("archive API status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Transport(op, true, err)
	}
	var l listing
	if err := json.Unmarshal(body, &l); err != nil {
		return nil, apperr.Data(op, "decoding archive listing", err)
	}
	return l.Recordings, nil
}

// createdTime resolves an entry's creation instant: the created field
// as RFC3339, then as a naive PBX-local timestamp, then the timestamp
// embedded in the filename. Zero when none parse.
func createdTime(e entry, loc *time.Location) time.Time {
	if e.Created != "" {
		if t, err := time.Parse(time.RFC3339, e.Created); err == nil {
			return t
		}
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", e.Created, loc); err == nil {
			return t
		}
	}
	if id, ok := sources.ParseRecordingName(e.Name, loc); ok {
		return id.StartedAt
	}
	return time.Time{}
}

// TestConnect lists the archive and reports how many recordings it holds.
func (s *Source) TestConnect(ctx context.Context, cfg tenantconf.FreePbxSettings) (int, error) {
	entries, err := s.list(ctx, cfg)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
