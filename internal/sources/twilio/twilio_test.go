package twilio

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/store/models"
)

// signPayload computes the signature Twilio would send: HMAC-SHA1 over
// the URL plus the form's key/value pairs in key order.
func signPayload(authToken, publicURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := publicURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func formRequest(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/t1/voice", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := r.ParseForm(); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestValidateForm(t *testing.T) {
	const token = "auth-token-123"
	const publicURL = "https://cs.example/webhooks/twilio/t1/voice"

	form := url.Values{}
	form.Set("CallSid", "CA777")
	form.Set("From", "+17175551212")
	form.Set("To", "+15550001111")

	r := formRequest(t, form)
	r.Header.Set("X-Twilio-Signature", signPayload(token, publicURL, form))

	v := NewValidator(token)
	if !v.ValidateForm(r, publicURL) {
		t.Error("valid signature rejected")
	}
	if v.ValidateForm(r, "https://cs.example/other") {
		t.Error("signature for another URL accepted")
	}

	r.Header.Set("X-Twilio-Signature", signPayload("wrong-token", publicURL, form))
	if v.ValidateForm(r, publicURL) {
		t.Error("signature from the wrong token accepted")
	}

	r.Header.Del("X-Twilio-Signature")
	if v.ValidateForm(r, publicURL) {
		t.Error("missing signature accepted")
	}
}

func TestParseRecordingEventAndCall(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA777")
	form.Set("AccountSid", "AC000")
	form.Set("RecordingSid", "RE123")
	form.Set("RecordingUrl", "https://api.twilio.com/2010-04-01/Accounts/AC000/Recordings/RE123")
	form.Set("RecordingStatus", "completed")
	form.Set("RecordingDuration", "42")
	form.Set("RecordingStartTime", "Wed, 15 Jan 2025 10:00:30 +0000")
	form.Set("From", "+17175551212")
	form.Set("To", "+15550001111")

	e := ParseRecordingEvent(formRequest(t, form))
	if !e.Completed() {
		t.Error("completed event reported not completed")
	}
	if e.RecordingSid != "RE123" || e.RecordingDuration != 42 {
		t.Errorf("event = %+v", e)
	}

	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	call := e.Call("t1", now)
	if call.Source != models.SourceTwilio {
		t.Errorf("source = %q", call.Source)
	}
	if call.ExternalID != "RE123" {
		t.Errorf("externalID = %q", call.ExternalID)
	}
	if call.RecordingRef != e.RecordingURL {
		t.Errorf("recordingRef = %q", call.RecordingRef)
	}
	if call.Direction == nil || *call.Direction != sources.DirectionIn {
		t.Errorf("direction = %v", call.Direction)
	}
	if call.CallerNumber != "+17175551212" || call.CalleeNumber != "+15550001111" {
		t.Errorf("parties = %q -> %q", call.CallerNumber, call.CalleeNumber)
	}
	if call.DurationSeconds != 42 {
		t.Errorf("duration = %d", call.DurationSeconds)
	}
	want := time.Date(2025, 1, 15, 10, 0, 30, 0, time.UTC)
	if !call.ExternalCreatedAt.Equal(want) {
		t.Errorf("externalCreatedAt = %v, want %v", call.ExternalCreatedAt, want)
	}
	if !strings.Contains(call.SourceMetadata, `"recordingSid":"RE123"`) {
		t.Errorf("sourceMetadata = %s", call.SourceMetadata)
	}
}

func TestRecordingEventCallFallsBackToNow(t *testing.T) {
	e := RecordingEvent{RecordingSid: "RE9", RecordingURL: "https://example/RE9"}
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	call := e.Call("t1", now)
	if !call.ExternalCreatedAt.Equal(now) {
		t.Errorf("externalCreatedAt = %v, want %v", call.ExternalCreatedAt, now)
	}
}

func TestRecordingEventCompleted(t *testing.T) {
	for status, want := range map[string]bool{
		"":            true,
		"completed":   true,
		"in-progress": false,
		"absent":      false,
	} {
		e := RecordingEvent{RecordingStatus: status}
		if e.Completed() != want {
			t.Errorf("Completed(%q) = %v, want %v", status, e.Completed(), want)
		}
	}
}

func TestDownloadRecording(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAB}, 2048)
	var gotPath, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		w.Write(audio)
	}))
	defer srv.Close()

	c := NewClient("AC000", "token")
	got, err := c.DownloadRecording(context.Background(), srv.URL+"/Recordings/RE123")
	if err != nil {
		t.Fatalf("DownloadRecording: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("downloaded %d bytes, want %d", len(got), len(audio))
	}
	if gotPath != "/Recordings/RE123.wav" {
		t.Errorf("path = %q, want .wav suffix appended", gotPath)
	}
	if gotUser != "AC000" || gotPass != "token" {
		t.Errorf("basic auth = %q:%q", gotUser, gotPass)
	}
}

func TestDownloadRecordingKeepsExistingSuffix(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient("AC000", "token")
	if _, err := c.DownloadRecording(context.Background(), srv.URL+"/Recordings/RE123.wav"); err != nil {
		t.Fatalf("DownloadRecording: %v", err)
	}
	if gotPath != "/Recordings/RE123.wav" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestDownloadRecordingErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  apperr.Kind
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, apperr.KindAuth, false},
		{"not found", http.StatusNotFound, apperr.KindExternalAPI, false},
		{"rate limited", http.StatusTooManyRequests, apperr.KindExternalAPI, true},
		{"server error", http.StatusBadGateway, apperr.KindExternalAPI, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient("AC000", "token")
			_, err := c.DownloadRecording(context.Background(), srv.URL+"/Recordings/RE123")
			if apperr.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v: %v", apperr.KindOf(err), tt.wantKind, err)
			}
			if apperr.Retryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", apperr.Retryable(err), tt.retryable)
			}
		})
	}
}

func TestDownloadRecordingEnforcesCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x01}, MaxRecordingBytes+10))
	}))
	defer srv.Close()

	c := NewClient("AC000", "token")
	_, err := c.DownloadRecording(context.Background(), srv.URL+"/Recordings/RE123")
	if apperr.KindOf(err) != apperr.KindData {
		t.Fatalf("kind = %v, want data: %v", apperr.KindOf(err), err)
	}
	if apperr.Retryable(err) {
		t.Error("oversized recordings are not retryable")
	}
}
