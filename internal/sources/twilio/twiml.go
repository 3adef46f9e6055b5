package twilio

import (
	"encoding/xml"

	"github.com/callscribe/callscribe/internal/tenantconf"
)

// TwiML verb elements. Struct field order fixes document order: a
// greeting always precedes the record verb, and hangup comes last.
// Marshaling through encoding/xml keeps every attribute and utterance
// escaped no matter what lands in tenant config.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     []Say    `xml:"Say,omitempty"`
	Dial    *Dial    `xml:"Dial,omitempty"`
	Record  *Record  `xml:"Record,omitempty"`
	Hangup  *Hangup  `xml:"Hangup,omitempty"`
}

type Say struct {
	Text string `xml:",chardata"`
}

type Dial struct {
	Timeout                 int    `xml:"timeout,attr,omitempty"`
	CallerID                string `xml:"callerId,attr,omitempty"`
	Record                  string `xml:"record,attr,omitempty"`
	Action                  string `xml:"action,attr,omitempty"`
	RecordingStatusCallback string `xml:"recordingStatusCallback,attr,omitempty"`
	Number                  string `xml:",chardata"`
}

type Record struct {
	MaxLength               int    `xml:"maxLength,attr,omitempty"`
	FinishOnKey             string `xml:"finishOnKey,attr,omitempty"`
	PlayBeep                bool   `xml:"playBeep,attr"`
	Action                  string `xml:"action,attr,omitempty"`
	RecordingStatusCallback string `xml:"recordingStatusCallback,attr,omitempty"`
}

type Hangup struct{}

// Render serializes a response with the XML declaration Twilio expects.
func Render(resp Response) (string, error) {
	body, err := xml.Marshal(resp)
	if err != nil {
		return "", err
	}
	return xml.Header + string(body), nil
}

// VoiceResponse answers the initial call leg from tenant config alone.
// Forwarding to a configured number wins; otherwise the caller hears
// the greeting, optionally records a message, and the call ends.
// dialAction receives the dial outcome, recordingCallback the
// recording lifecycle events.
func VoiceResponse(cfg tenantconf.TwilioSettings, callSid, dialAction, recordingCallback string) Response {
	if cfg.ForwardingEnabled && cfg.ForwardNumber != "" {
		d := &Dial{
			Timeout:  cfg.RingSeconds,
			CallerID: callSid,
			Action:   dialAction,
			Number:   cfg.ForwardNumber,
		}
		if cfg.RecordEnabled {
			if attr := recordAttr(cfg.RecordMode); attr != "" {
				d.Record = attr
				d.RecordingStatusCallback = recordingCallback
			}
		}
		return Response{Dial: d}
	}
	return voicemailResponse(cfg, dialAction, recordingCallback)
}

// DialCompleteResponse handles the dial action callback. A completed
// dial just hangs up; busy, failed and unanswered dials fall back to
// voicemail. Callbacks without a dial status (a finished recording
// re-requesting its action) hang up so the document cannot loop.
func DialCompleteResponse(cfg tenantconf.TwilioSettings, dialStatus, recordAction, recordingCallback string) Response {
	switch dialStatus {
	case "completed", "answered":
		return Response{Hangup: &Hangup{}}
	case "busy", "no-answer", "failed", "canceled":
		return voicemailResponse(cfg, recordAction, recordingCallback)
	default:
		return Response{Hangup: &Hangup{}}
	}
}

// ErrorResponse is the reply for any webhook failure. Carriers treat a
// non-TwiML body as a dead endpoint, so errors still speak and hang up.
func ErrorResponse() Response {
	return Response{
		Say:    []Say{{Text: "An error occurred. Please try again later."}},
		Hangup: &Hangup{},
	}
}

// voicemailResponse greets and records. The record action matters: a
// record verb without one makes Twilio re-request the original
// document, which would greet the caller forever.
func voicemailResponse(cfg tenantconf.TwilioSettings, recordAction, recordingCallback string) Response {
	var resp Response
	if cfg.Greeting != "" {
		resp.Say = []Say{{Text: cfg.Greeting}}
	}
	if cfg.RecordEnabled {
		resp.Record = &Record{
			MaxLength:               cfg.MaxRecordSeconds,
			FinishOnKey:             cfg.FinishKey,
			PlayBeep:                cfg.Beep,
			Action:                  recordAction,
			RecordingStatusCallback: recordingCallback,
		}
	}
	resp.Hangup = &Hangup{}
	return resp
}

// recordAttr maps the configured record mode to the Dial record
// attribute. Unknown modes record nothing.
func recordAttr(mode string) string {
	switch mode {
	case "answer":
		return "record-from-answer"
	case "ring":
		return "record-from-ringing"
	default:
		return ""
	}
}
