// Package twilio turns Twilio voice webhooks into pending calls and
// wraps the pieces of the Twilio REST API the pipeline needs: signature
// validation, recording download and account verification.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	twiliorest "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twiliov2010 "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/store/models"
)

// MaxRecordingBytes caps recording downloads. Twilio voicemails are
// short; anything past this is a misconfigured dial recording we
// refuse to buffer.
const MaxRecordingBytes = 10 << 20

const downloadTimeout = 120 * time.Second

// Validator checks X-Twilio-Signature headers against a tenant's auth
// token.
type Validator struct {
	inner twilioclient.RequestValidator
}

func NewValidator(authToken string) *Validator {
	return &Validator{inner: twilioclient.NewRequestValidator(authToken)}
}

// ValidateForm verifies the signature over the public URL Twilio
// requested plus the POST form. The request's form must already be
// parsed. An absent header fails closed.
func (v *Validator) ValidateForm(r *http.Request, publicURL string) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return v.inner.Validate(publicURL, params, sig)
}

// VoiceEvent is the initial call leg webhook.
type VoiceEvent struct {
	CallSid    string `json:"callSid"`
	AccountSid string `json:"accountSid"`
	From       string `json:"from"`
	To         string `json:"to"`
	CallStatus string `json:"callStatus"`
}

func ParseVoiceEvent(r *http.Request) VoiceEvent {
	return VoiceEvent{
		CallSid:    r.FormValue("CallSid"),
		AccountSid: r.FormValue("AccountSid"),
		From:       r.FormValue("From"),
		To:         r.FormValue("To"),
		CallStatus: r.FormValue("CallStatus"),
	}
}

// RecordingEvent is the recording status callback. Duration and start
// time only arrive once the recording is completed.
type RecordingEvent struct {
	CallSid           string `json:"callSid"`
	AccountSid        string `json:"accountSid"`
	RecordingSid      string `json:"recordingSid"`
	RecordingURL      string `json:"recordingUrl"`
	RecordingStatus   string `json:"recordingStatus"`
	RecordingDuration int    `json:"recordingDuration"`
	StartTime         string `json:"recordingStartTime"`
	From              string `json:"from"`
	To                string `json:"to"`
}

func ParseRecordingEvent(r *http.Request) RecordingEvent {
	duration, _ := strconv.Atoi(r.FormValue("RecordingDuration"))
	return RecordingEvent{
		CallSid:           r.FormValue("CallSid"),
		AccountSid:        r.FormValue("AccountSid"),
		RecordingSid:      r.FormValue("RecordingSid"),
		RecordingURL:      r.FormValue("RecordingUrl"),
		RecordingStatus:   r.FormValue("RecordingStatus"),
		RecordingDuration: duration,
		StartTime:         r.FormValue("RecordingStartTime"),
		From:              r.FormValue("From"),
		To:                r.FormValue("To"),
	}
}

// Completed reports whether the recording is ready to fetch. Twilio
// also posts in-progress and absent events on the same URL.
func (e RecordingEvent) Completed() bool {
	return e.RecordingStatus == "" || e.RecordingStatus == "completed"
}

// Call builds the pending call row for a completed recording. Twilio
// legs are always inbound to the tenant's number.
func (e RecordingEvent) Call(tenantID string, now time.Time) *models.Call {
	direction := sources.DirectionIn
	createdAt := now.UTC()
	if t, err := time.Parse(time.RFC1123Z, e.StartTime); err == nil {
		createdAt = t.UTC()
	}
	call := &models.Call{
		TenantID:          tenantID,
		Source:            models.SourceTwilio,
		ExternalID:        e.RecordingSid,
		Direction:         &direction,
		CallerNumber:      e.From,
		CalleeNumber:      e.To,
		DurationSeconds:   e.RecordingDuration,
		RecordingRef:      e.RecordingURL,
		ExternalCreatedAt: createdAt,
	}
	if meta, err := json.Marshal(e); err == nil {
		call.SourceMetadata = string(meta)
	}
	return call
}

// Client calls the Twilio REST API on behalf of one tenant.
type Client struct {
	accountSid string
	authToken  string
	http       *http.Client
	rest       *twiliorest.RestClient
}

func NewClient(accountSid, authToken string) *Client {
	return &Client{
		accountSid: accountSid,
		authToken:  authToken,
		http:       &http.Client{Timeout: downloadTimeout},
		rest: twiliorest.NewRestClientWithParams(twiliorest.ClientParams{
			Username: accountSid,
			Password: authToken,
		}),
	}
}

// DownloadRecording fetches recording audio as WAV. The recordingRef
// stored from the webhook has no extension; Twilio picks the container
// from the suffix.
func (c *Client) DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	const op = "twilio.download"

	url := recordingURL
	if !strings.HasSuffix(url, ".wav") {
		url += ".wav"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Config(op, fmt.Sprintf("building recording request: %v", err))
	}
	req.SetBasicAuth(c.accountSid, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Transport(op, true, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.Auth(op, fmt.Sprintf("recording fetch rejected (%d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.ExternalAPI(op, resp.StatusCode, fmt.Errorf("recording fetch status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxRecordingBytes+1))
	if err != nil {
		return nil, apperr.Transport(op, true, err)
	}
	if len(body) > MaxRecordingBytes {
		return nil, apperr.Data(op, fmt.Sprintf("recording exceeds %d byte cap", MaxRecordingBytes), nil)
	}
	return body, nil
}

// DeleteRecording removes the recording from Twilio's storage.
func (c *Client) DeleteRecording(ctx context.Context, recordingSid string) error {
	const op = "twilio.deleteRecording"
	if err := c.rest.Api.DeleteRecording(recordingSid, &twiliov2010.DeleteRecordingParams{}); err != nil {
		return apperr.Transport(op, true, err)
	}
	return nil
}

// TestConnect verifies the credentials by fetching the account and
// returns its friendly name.
func (c *Client) TestConnect(ctx context.Context) (string, error) {
	const op = "twilio.testConnect"
	account, err := c.rest.Api.FetchAccount(c.accountSid)
	if err != nil {
		return "", apperr.Auth(op, fmt.Sprintf("fetching account: %v", err))
	}
	if account != nil && account.FriendlyName != nil {
		return *account.FriendlyName, nil
	}
	return "", nil
}
