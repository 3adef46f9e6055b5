package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callscribe/callscribe/internal/api/middleware"
	"github.com/callscribe/callscribe/internal/sources/voicemail"
	"github.com/callscribe/callscribe/internal/store"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// voicemailResponse is the JSON response for a single voicemail message.
type voicemailResponse struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	Mailbox         string  `json:"mailbox"`
	Context         string  `json:"context"`
	Folder          string  `json:"folder"`
	MsgID           string  `json:"msg_id"`
	ReceivedAt      string  `json:"received_at"`
	CallerID        string  `json:"caller_id"`
	DurationSeconds int     `json:"duration_seconds"`
	Transcript      string  `json:"transcript,omitempty"`
	Analysis        string  `json:"analysis,omitempty"`
	Status          string  `json:"status"`
	LastError       string  `json:"last_error,omitempty"`
	ListenedAt      *string `json:"listened_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// toVoicemailResponse converts a models.VoicemailMessage to the API response.
func toVoicemailResponse(m *models.VoicemailMessage) voicemailResponse {
	return voicemailResponse{
		ID:              m.ID,
		TenantID:        m.TenantID,
		Mailbox:         m.Mailbox,
		Context:         m.Context,
		Folder:          m.Folder,
		MsgID:           m.MsgID,
		ReceivedAt:      m.ReceivedAt.UTC().Format(time.RFC3339),
		CallerID:        m.CallerID,
		DurationSeconds: m.DurationSeconds,
		Transcript:      m.Transcript,
		Analysis:        m.Analysis,
		Status:          m.Status,
		LastError:       m.LastError,
		ListenedAt:      fmtTimePtr(m.ListenedAt),
		CreatedAt:       m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleListVoicemails returns voicemail messages with pagination.
// Query params: limit, offset, mailbox, folder, status, tenant_id
// (elevated roles only).
func (s *Server) handleListVoicemails(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	tenantID, ok := tenantScope(r, claims)
	if !ok {
		writeError(w, http.StatusForbidden, "cannot access another tenant's voicemail")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()

	status := q.Get("status")
	switch status {
	case "", models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, `status must be "pending", "processing", "completed", or "failed"`)
		return
	}

	filter := store.VoicemailListFilter{
		TenantID: tenantID,
		Mailbox:  q.Get("mailbox"),
		Folder:   q.Get("folder"),
		Status:   status,
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	}

	messages, err := s.deps.Voicemails.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list voicemails: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	total, err := s.deps.Voicemails.Count(r.Context(), filter)
	if err != nil {
		s.logger.Error("list voicemails: failed to count", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]voicemailResponse, len(messages))
	for i := range messages {
		items[i] = toVoicemailResponse(messages[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleVoicemailListened records playback of a message and moves its
// spool files from INBOX to Old so the PBX sees it as heard. Replays
// are no-ops: messages already in Old keep their slot and first
// listened_at.
func (s *Server) handleVoicemailListened(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	id := chi.URLParam(r, "id")

	m, err := s.deps.Voicemails.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("voicemail listened: failed to query", "error", err, "voicemail_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if m == nil || !claims.CanActFor(m.TenantID) {
		writeError(w, http.StatusNotFound, "voicemail not found")
		return
	}

	folder, msgID := m.Folder, m.MsgID
	recordingPath, metadataPath := m.RecordingPath, m.MetadataPath

	// Only messages still sitting in another folder need the spool move.
	if m.Folder != "Old" {
		tenant, err := s.deps.Tenants.GetByID(r.Context(), m.TenantID)
		if err != nil || tenant == nil {
			s.logger.Error("voicemail listened: failed to load tenant", "error", err, "tenant", m.TenantID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		fb, err := tenantconf.ParseFreePbx(tenant.FreePbxSettings, s.deps.Encryptor)
		if err != nil {
			s.writeDomainError(w, "voicemail listened", err)
			return
		}

		sess, err := s.connect(r.Context(), sshConfig(fb))
		if err != nil {
			s.writeDomainError(w, "voicemail listened", err)
			return
		}
		defer sess.Close()

		folder, msgID, recordingPath, metadataPath, err = voicemail.MoveToOld(r.Context(), sess, m)
		if err != nil {
			s.writeDomainError(w, "voicemail listened", err)
			return
		}
	}

	if err := s.deps.Voicemails.MarkListened(r.Context(), m.ID, folder, msgID, recordingPath, metadataPath); err != nil {
		s.logger.Error("voicemail listened: failed to persist", "error", err, "voicemail_id", m.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("voicemail marked listened", "voicemail_id", m.ID, "tenant", m.TenantID, "folder", folder)

	updated, err := s.deps.Voicemails.GetByID(r.Context(), m.ID)
	if err != nil || updated == nil {
		s.logger.Error("voicemail listened: failed to reload", "error", err, "voicemail_id", m.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toVoicemailResponse(updated))
}
