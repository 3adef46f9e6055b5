package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callscribe/callscribe/internal/api/middleware"
	"github.com/callscribe/callscribe/internal/remotefs"
	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/store"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// maxBulkDeleteIDs caps one bulk-delete request.
const maxBulkDeleteIDs = 500

// callResponse is the JSON response for a single call. Recording
// references stay server-side; audio is streamed through the audio
// endpoint instead.
type callResponse struct {
	ID                     string                `json:"id"`
	TenantID               string                `json:"tenant_id"`
	Source                 string                `json:"source"`
	ExternalID             string                `json:"external_id"`
	Direction              *string               `json:"direction"`
	CallerNumber           string                `json:"caller_number"`
	CallerName             string                `json:"caller_name,omitempty"`
	CalleeNumber           string                `json:"callee_number"`
	CalleeName             string                `json:"callee_name,omitempty"`
	DurationSeconds        int                   `json:"duration_seconds"`
	HasRecording           bool                  `json:"has_recording"`
	RecordingDeletedAt     *string               `json:"recording_deleted_at,omitempty"`
	RecordingDeletedReason *string               `json:"recording_deleted_reason,omitempty"`
	Transcript             string                `json:"transcript,omitempty"`
	Analysis               string                `json:"analysis,omitempty"`
	Status                 string                `json:"status"`
	LastError              string                `json:"last_error,omitempty"`
	RedactionStatus        string                `json:"redaction_status"`
	Redacted               bool                  `json:"redacted"`
	GptModel               string                `json:"gpt_model,omitempty"`
	GptTotalTokens         int                   `json:"gpt_total_tokens,omitempty"`
	WhisperRequests        int                   `json:"whisper_requests,omitempty"`
	ExternalCreatedAt      string                `json:"external_created_at"`
	CreatedAt              string                `json:"created_at"`
	ProcessedAt            *string               `json:"processed_at,omitempty"`
	Metadata               *callMetadataResponse `json:"metadata,omitempty"`
}

// callMetadataResponse is the parsed analysis report on a completed call.
type callMetadataResponse struct {
	Summary      string   `json:"summary"`
	Sentiment    string   `json:"sentiment"`
	ActionItems  []string `json:"action_items"`
	UrgentTopics string   `json:"urgent_topics"`
	Booking      *string  `json:"booking"`
}

// toCallResponse converts a models.Call to the API response.
func toCallResponse(c *models.Call, md *models.CallMetadata) callResponse {
	resp := callResponse{
		ID:                     c.ID,
		TenantID:               c.TenantID,
		Source:                 c.Source,
		ExternalID:             c.ExternalID,
		Direction:              c.Direction,
		CallerNumber:           c.CallerNumber,
		CallerName:             c.CallerName,
		CalleeNumber:           c.CalleeNumber,
		CalleeName:             c.CalleeName,
		DurationSeconds:        c.DurationSeconds,
		HasRecording:           c.RecordingRef != "" && c.RecordingDeletedAt == nil,
		RecordingDeletedAt:     fmtTimePtr(c.RecordingDeletedAt),
		RecordingDeletedReason: c.RecordingDeletedReason,
		Transcript:             c.Transcript,
		Analysis:               c.Analysis,
		Status:                 c.Status,
		LastError:              c.LastError,
		RedactionStatus:        c.RedactionStatus,
		Redacted:               c.Redacted,
		GptModel:               c.GptModel,
		GptTotalTokens:         c.GptTotalTokens,
		WhisperRequests:        c.WhisperRequests,
		ExternalCreatedAt:      c.ExternalCreatedAt.UTC().Format(time.RFC3339),
		CreatedAt:              c.CreatedAt.UTC().Format(time.RFC3339),
		ProcessedAt:            fmtTimePtr(c.ProcessedAt),
	}
	if md != nil {
		m := callMetadataResponse{
			Summary:      md.Summary,
			Sentiment:    md.Sentiment,
			UrgentTopics: md.UrgentTopics,
			Booking:      md.Booking,
		}
		if md.ActionItems != "" {
			// Stored as a JSON array; a parse failure just drops the list.
			_ = json.Unmarshal([]byte(md.ActionItems), &m.ActionItems)
		}
		resp.Metadata = &m
	}
	return resp
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// parseDateBound parses an RFC 3339 timestamp or a YYYY-MM-DD date.
// Date-only end bounds stretch to the end of that UTC day.
func parseDateBound(field, value string, end bool) (*time.Time, string) {
	if value == "" {
		return nil, ""
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, ""
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, field + " must be an RFC 3339 timestamp or YYYY-MM-DD date"
	}
	if end {
		t = t.Add(24*time.Hour - time.Second)
	}
	return &t, ""
}

// handleListCalls returns calls with pagination and optional filters.
// Query params: limit, offset, search, direction, status, source,
// start_date, end_date, tenant_id (elevated roles only).
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	tenantID, ok := tenantScope(r, claims)
	if !ok {
		writeError(w, http.StatusForbidden, "cannot access another tenant's calls")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()

	direction := q.Get("direction")
	switch direction {
	case "", sources.DirectionIn, sources.DirectionOut, sources.DirectionInternal:
	default:
		writeError(w, http.StatusBadRequest, `direction must be "in", "out", or "internal"`)
		return
	}

	status := q.Get("status")
	switch status {
	case "", models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, `status must be "pending", "processing", "completed", or "failed"`)
		return
	}

	source := q.Get("source")
	switch source {
	case "", models.SourceTwilio, models.SourceFreePbxArchive, models.SourceFreePbxCdr:
	default:
		writeError(w, http.StatusBadRequest, "unknown call source")
		return
	}

	startDate, errMsg := parseDateBound("start_date", q.Get("start_date"), false)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	endDate, errMsg := parseDateBound("end_date", q.Get("end_date"), true)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	filter := store.CallListFilter{
		TenantID:  tenantID,
		Search:    q.Get("search"),
		Direction: direction,
		Status:    status,
		Source:    source,
		StartDate: startDate,
		EndDate:   endDate,
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}

	calls, err := s.deps.Calls.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	total, err := s.deps.Calls.Count(r.Context(), filter)
	if err != nil {
		s.logger.Error("list calls: failed to count", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(calls[i], nil)
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// lookupCall loads a call and enforces tenant visibility. Missing and
// foreign calls are both reported as not found.
func (s *Server) lookupCall(w http.ResponseWriter, r *http.Request) *models.Call {
	claims := middleware.ClaimsFromContext(r.Context())
	id := chi.URLParam(r, "id")

	call, err := s.deps.Calls.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get call: failed to query", "error", err, "call_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if call == nil || !claims.CanActFor(call.TenantID) {
		writeError(w, http.StatusNotFound, "call not found")
		return nil
	}
	return call
}

// handleGetCall returns a single call with its analysis metadata.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call := s.lookupCall(w, r)
	if call == nil {
		return
	}

	md, err := s.deps.Calls.GetMetadata(r.Context(), call.ID)
	if err != nil {
		s.logger.Error("get call: failed to load metadata", "error", err, "call_id", call.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(call, md))
}

// handleDeleteCall removes a call row. The remote recording is left in
// place; retention owns remote deletions.
func (s *Server) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	call := s.lookupCall(w, r)
	if call == nil {
		return
	}

	ok, err := s.deps.Calls.Delete(r.Context(), call.ID)
	if err != nil {
		s.logger.Error("delete call: failed to delete", "error", err, "call_id", call.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	s.logger.Info("call deleted", "call_id", call.ID, "tenant", call.TenantID)

	w.WriteHeader(http.StatusNoContent)
}

// bulkDeleteRequest is the body of POST /api/calls/bulk-delete.
type bulkDeleteRequest struct {
	IDs      []string `json:"ids"`
	TenantID string   `json:"tenant_id,omitempty"`
}

// handleBulkDeleteCalls removes many call rows of one tenant at once.
func (s *Server) handleBulkDeleteCalls(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req bulkDeleteRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if len(req.IDs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "ids must not be empty")
		return
	}
	if len(req.IDs) > maxBulkDeleteIDs {
		writeError(w, http.StatusUnprocessableEntity, "ids must not exceed 500 entries")
		return
	}

	tenantID := claims.TenantID
	if req.TenantID != "" {
		if !claims.CanActFor(req.TenantID) {
			writeError(w, http.StatusForbidden, "cannot delete another tenant's calls")
			return
		}
		tenantID = req.TenantID
	}

	deleted, err := s.deps.Calls.BulkDelete(r.Context(), tenantID, req.IDs)
	if err != nil {
		s.logger.Error("bulk delete calls: failed to delete", "error", err, "tenant", tenantID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("calls bulk deleted", "tenant", tenantID, "requested", len(req.IDs), "deleted", deleted)

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// handleRetryCall requeues a failed or completed call for processing.
func (s *Server) handleRetryCall(w http.ResponseWriter, r *http.Request) {
	call := s.lookupCall(w, r)
	if call == nil {
		return
	}

	ok, err := s.deps.Calls.ResetForRetry(r.Context(), call.ID)
	if err != nil {
		s.logger.Error("retry call: failed to requeue", "error", err, "call_id", call.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "call is already queued or processing")
		return
	}

	s.logger.Info("call requeued", "call_id", call.ID, "tenant", call.TenantID)

	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

// handleCallAudio streams the call recording, honoring Range requests.
// Twilio recordings come from the Twilio API; PBX recordings are pulled
// over SFTP into a temp file first.
func (s *Server) handleCallAudio(w http.ResponseWriter, r *http.Request) {
	call := s.lookupCall(w, r)
	if call == nil {
		return
	}

	if call.RecordingDeletedAt != nil {
		writeError(w, http.StatusGone, "recording deleted")
		return
	}
	if call.RecordingRef == "" {
		writeError(w, http.StatusNotFound, "call has no recording")
		return
	}

	tenant, err := s.deps.Tenants.GetByID(r.Context(), call.TenantID)
	if err != nil {
		s.logger.Error("call audio: failed to load tenant", "error", err, "tenant", call.TenantID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tenant == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	if call.Source == models.SourceTwilio {
		s.serveTwilioAudio(w, r, tenant, call)
		return
	}
	s.servePbxAudio(w, r, tenant, call)
}

func (s *Server) serveTwilioAudio(w http.ResponseWriter, r *http.Request, tenant *models.Tenant, call *models.Call) {
	cfg, err := tenantconf.ParseTwilio(tenant.TwilioSettings, s.deps.Encryptor)
	if err != nil {
		s.writeDomainError(w, "call audio", err)
		return
	}

	data, err := s.newTwilio(cfg.AccountSid, cfg.AuthToken).DownloadRecording(r.Context(), call.RecordingRef)
	if err != nil {
		s.writeDomainError(w, "call audio", err)
		return
	}

	name := call.ID + ".wav"
	w.Header().Set("Content-Disposition", `inline; filename="`+name+`"`)
	http.ServeContent(w, r, name, call.ExternalCreatedAt, bytes.NewReader(data))
}

func (s *Server) servePbxAudio(w http.ResponseWriter, r *http.Request, tenant *models.Tenant, call *models.Call) {
	fb, err := tenantconf.ParseFreePbx(tenant.FreePbxSettings, s.deps.Encryptor)
	if err != nil {
		s.writeDomainError(w, "call audio", err)
		return
	}

	remotePath, err := remotefs.ResolveRecordingPath(fb.SSHBasePath, call.RecordingRef)
	if err != nil {
		s.writeDomainError(w, "call audio", err)
		return
	}

	sess, err := s.connect(r.Context(), sshConfig(fb))
	if err != nil {
		s.writeDomainError(w, "call audio", err)
		return
	}
	defer sess.Close()

	local, err := sess.DownloadToTemp(r.Context(), remotePath, "")
	if err != nil {
		s.writeDomainError(w, "call audio", err)
		return
	}
	defer os.Remove(local)

	f, err := os.Open(local)
	if err != nil {
		s.logger.Error("call audio: failed to open download", "error", err, "call_id", call.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	name := filepath.Base(remotePath)
	w.Header().Set("Content-Disposition", `inline; filename="`+name+`"`)
	http.ServeContent(w, r, name, call.ExternalCreatedAt, f)
}
