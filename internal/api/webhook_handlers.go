package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/callscribe/callscribe/internal/sources/twilio"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// writeTwiML serializes a TwiML document. Twilio treats anything that is
// not valid TwiML as a dead endpoint, so even failures answer with one.
func (s *Server) writeTwiML(w http.ResponseWriter, status int, resp twilio.Response) {
	body, err := twilio.Render(resp)
	if err != nil {
		s.logger.Error("webhook: failed to render twiml", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body) //nolint:errcheck
}

// webhookPath builds the relative action/callback URL for a webhook
// endpoint of one tenant. Twilio resolves it against the request URL.
func webhookPath(tenantID, leaf string) string {
	return "/webhooks/twilio/" + tenantID + "/" + leaf
}

// webhookSettings resolves the tenant context of a webhook and checks
// the request signature. The boolean reports whether the caller may
// proceed; on failure the TwiML error reply has already been written.
func (s *Server) webhookSettings(w http.ResponseWriter, r *http.Request) (tenantconf.TwilioSettings, string, bool) {
	tenantID := chi.URLParam(r, "tenantID")

	tenant, err := s.deps.Tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("twilio webhook: failed to load tenant", "error", err, "tenant", tenantID)
		s.writeTwiML(w, http.StatusOK, twilio.ErrorResponse())
		return tenantconf.TwilioSettings{}, "", false
	}
	if tenant == nil {
		s.logger.Warn("twilio webhook: unknown tenant", "tenant", tenantID)
		s.writeTwiML(w, http.StatusOK, twilio.ErrorResponse())
		return tenantconf.TwilioSettings{}, "", false
	}

	cfg, err := tenantconf.ParseTwilio(tenant.TwilioSettings, s.deps.Encryptor)
	if err != nil || cfg.AuthToken == "" {
		s.logger.Warn("twilio webhook: tenant has no usable twilio settings", "tenant", tenantID, "error", err)
		s.writeTwiML(w, http.StatusOK, twilio.ErrorResponse())
		return tenantconf.TwilioSettings{}, "", false
	}

	if err := r.ParseForm(); err != nil {
		s.logger.Warn("twilio webhook: unreadable form", "tenant", tenantID, "error", err)
		s.writeTwiML(w, http.StatusOK, twilio.ErrorResponse())
		return tenantconf.TwilioSettings{}, "", false
	}

	if !twilio.NewValidator(cfg.AuthToken).ValidateForm(r, s.publicURL(r)) {
		s.logger.Warn("twilio webhook: invalid signature", "tenant", tenantID, "path", r.URL.Path)
		s.writeTwiML(w, http.StatusForbidden, twilio.ErrorResponse())
		return tenantconf.TwilioSettings{}, "", false
	}

	return cfg, tenantID, true
}

// publicURL reconstructs the absolute URL Twilio signed. Behind a
// TLS-terminating proxy the forwarded proto names the outer scheme.
func (s *Server) publicURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if s.cfg.TrustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// handleTwilioVoice answers the initial call leg from tenant settings:
// forward, or greet and record.
func (s *Server) handleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	cfg, tenantID, ok := s.webhookSettings(w, r)
	if !ok {
		return
	}

	ev := twilio.ParseVoiceEvent(r)
	s.logger.Info("twilio voice webhook", "tenant", tenantID, "call_sid", ev.CallSid, "from", ev.From)

	resp := twilio.VoiceResponse(cfg, ev.CallSid,
		webhookPath(tenantID, "dial-complete"),
		webhookPath(tenantID, "recording"))
	s.writeTwiML(w, http.StatusOK, resp)
}

// handleTwilioDialComplete continues the call after a forwarding dial:
// completed dials hang up, missed ones fall back to voicemail.
func (s *Server) handleTwilioDialComplete(w http.ResponseWriter, r *http.Request) {
	cfg, tenantID, ok := s.webhookSettings(w, r)
	if !ok {
		return
	}

	dialStatus := r.FormValue("DialCallStatus")
	s.logger.Info("twilio dial complete webhook", "tenant", tenantID, "dial_status", dialStatus)

	resp := twilio.DialCompleteResponse(cfg, dialStatus,
		webhookPath(tenantID, "dial-complete"),
		webhookPath(tenantID, "recording"))
	s.writeTwiML(w, http.StatusOK, resp)
}

// handleTwilioRecording stores a completed recording as a pending call.
// Repeated callbacks for the same recording SID update in place.
func (s *Server) handleTwilioRecording(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.webhookSettings(w, r)
	if !ok {
		return
	}

	ev := twilio.ParseRecordingEvent(r)
	if !ev.Completed() {
		s.logger.Debug("twilio recording webhook: ignoring status", "tenant", tenantID, "status", ev.RecordingStatus)
		s.writeTwiML(w, http.StatusOK, twilio.Response{})
		return
	}
	if ev.RecordingSid == "" || ev.RecordingURL == "" {
		s.logger.Warn("twilio recording webhook: missing recording fields", "tenant", tenantID, "call_sid", ev.CallSid)
		s.writeTwiML(w, http.StatusOK, twilio.Response{})
		return
	}

	inserted, err := s.deps.Calls.Upsert(r.Context(), ev.Call(tenantID, s.now()))
	if err != nil {
		s.logger.Error("twilio recording webhook: failed to store call", "error", err, "tenant", tenantID, "recording_sid", ev.RecordingSid)
		s.writeTwiML(w, http.StatusOK, twilio.ErrorResponse())
		return
	}

	s.logger.Info("twilio recording stored", "tenant", tenantID, "recording_sid", ev.RecordingSid, "inserted", inserted)
	s.writeTwiML(w, http.StatusOK, twilio.Response{})
}
