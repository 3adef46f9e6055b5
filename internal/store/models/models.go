package models

import "time"

// Call sources.
const (
	SourceTwilio         = "twilio"
	SourceFreePbxArchive = "freepbxArchive"
	SourceFreePbxCdr     = "freepbxCdr"
)

// Call / voicemail processing statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Redaction statuses.
const (
	RedactionNotNeeded  = "notNeeded"
	RedactionProcessing = "processing"
	RedactionCompleted  = "completed"
	RedactionFailed     = "failed"
)

// Tenant roles.
const (
	RoleSuper   = "super"
	RoleManager = "manager"
	RoleUser    = "user"
)

// Recording deletion reasons.
const (
	DeletedReasonRetention = "retention"
	DeletedReasonManual    = "manual"
)

// Scheduler sources tracked in sync_states beyond the call sources.
const (
	SyncSourceCdr        = "cdr"
	SyncSourceArchive    = "archive"
	SyncSourceVoicemail  = "voicemail"
	SyncSourceRetention  = "retention"
	SyncSourcePbxMetrics = "pbxMetrics"
)

// Tenant owns all other records. Exactly one tenant carries the super
// role; its openai settings are the platform defaults.
type Tenant struct {
	ID                   string
	Email                string
	Name                 string
	Role                 string
	Timezone             string
	CanUseApp            bool
	CanUseFreepbxManager bool
	TwilioSettings       []byte // JSON document
	FreePbxSettings      []byte // JSON document
	OpenAISettings       []byte // JSON document
	AlertSettings        []byte // JSON document
	BillingSettings      []byte // JSON document
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Location resolves the tenant's IANA timezone, falling back to UTC.
func (t *Tenant) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// Call is one ingested recording from any source.
type Call struct {
	ID                     string
	TenantID               string
	Source                 string
	ExternalID             string
	Direction              *string // in, out, internal; nil when unclassified
	CallerNumber           string
	CallerName             string
	CalleeNumber           string
	CalleeName             string
	DurationSeconds        int
	RecordingRef           string
	RecordingDeletedAt     *time.Time
	RecordingDeletedReason *string
	Transcript             string
	Analysis               string
	Status                 string
	LastError              string
	RedactionStatus        string
	Redacted               bool
	RedactedSegments       string // JSON [{start,end,reason}]
	RedactedAt             *time.Time
	GptModel               string
	GptInputTokens         int
	GptOutputTokens        int
	GptTotalTokens         int
	WhisperRequests        int
	WhisperRequestedAt     *time.Time
	ExternalCreatedAt      time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ProcessedAt            *time.Time
	SyncedAt               time.Time
	SourceMetadata         string // JSON raw source row
}

// CallMetadata is the parsed analysis report, 1:1 with completed calls.
type CallMetadata struct {
	CallID       string
	Summary      string
	Sentiment    string
	ActionItems  string // JSON ordered list
	UrgentTopics string
	Booking      *string
}

// VoicemailMessage mirrors one message file pair in a PBX voicemail spool.
type VoicemailMessage struct {
	ID              string
	TenantID        string
	Mailbox         string
	Context         string
	Folder          string
	MsgID           string
	PbxIdentity     string
	ReceivedAt      time.Time
	CallerID        string
	DurationSeconds int
	RecordingPath   string
	MetadataPath    string
	LastSeenAt      time.Time
	Transcript      string
	Analysis        string
	Status          string
	LastError       string
	ListenedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SystemSample is one host resource reading.
type SystemSample struct {
	ID            int64
	RecordedAt    time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// SyncState tracks the per-(tenant, source) scheduler mutex and outcome.
type SyncState struct {
	TenantID   string
	Source     string
	LastRunAt  *time.Time
	LastResult string
	NextRunAt  *time.Time
	InProgress bool
	StartedAt  *time.Time
}
