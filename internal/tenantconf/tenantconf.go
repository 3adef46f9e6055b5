// Package tenantconf defines the typed per-tenant settings domains and the
// JSON document semantics behind them. Each domain (twilio, freepbx, openai,
// alerts, billing) persists as a JSON sidecar column on the tenant row; the
// in-process representation is a typed value with defaults applied on load.
// Credential fields are encrypted before they reach the store and are never
// exposed by the public projection.
package tenantconf

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/callscribe/callscribe/internal/secrets"
)

// Domain names for the per-tenant JSON settings columns.
const (
	DomainTwilio  = "twilio"
	DomainFreePbx = "freepbx"
	DomainOpenAI  = "openai"
	DomainAlerts  = "alerts"
	DomainBilling = "billing"
)

// credentialFields lists the keys per domain that hold secrets. Values are
// encrypted on write; the public projection replaces each with has<Field>.
var credentialFields = map[string][]string{
	DomainTwilio:  {"authToken"},
	DomainFreePbx: {"restPassword", "cdrPassword", "sshPassword", "sshPrivateKey"},
	DomainOpenAI:  {"apiKey"},
	DomainAlerts:  {"smtpPassword"},
}

// Domains lists every recognized settings domain.
func Domains() []string {
	return []string{DomainTwilio, DomainFreePbx, DomainOpenAI, DomainAlerts, DomainBilling}
}

// IsKnownDomain reports whether name is a recognized settings domain.
func IsKnownDomain(name string) bool {
	switch name {
	case DomainTwilio, DomainFreePbx, DomainOpenAI, DomainAlerts, DomainBilling:
		return true
	}
	return false
}

// TwilioSettings configures webhook handling for a tenant's Twilio number.
type TwilioSettings struct {
	AccountSid        string `json:"accountSid"`
	AuthToken         string `json:"authToken"` // plaintext in memory, encrypted at rest
	ForwardingEnabled bool   `json:"forwardingEnabled"`
	ForwardNumber     string `json:"forwardNumber"`
	RecordEnabled     bool   `json:"recordEnabled"`
	RingSeconds       int    `json:"ringSeconds"`
	Greeting          string `json:"greeting"`
	Beep              bool   `json:"beep"`
	MaxRecordSeconds  int    `json:"maxRecordSeconds"`
	FinishKey         string `json:"finishKey"`
	RecordMode        string `json:"recordMode"` // answer, ring, none
}

// defaultTwilio returns TwilioSettings with defaults applied.
func defaultTwilio() TwilioSettings {
	return TwilioSettings{
		RingSeconds:      30,
		Beep:             true,
		MaxRecordSeconds: 3600,
		FinishKey:        "#",
		RecordMode:       "answer",
		Greeting:         "Please leave a message after the tone.",
	}
}

// Validate checks the range constraints on twilio settings.
func (s TwilioSettings) Validate() error {
	if s.RingSeconds < 5 || s.RingSeconds > 600 {
		return fmt.Errorf("ringSeconds must be between 5 and 600, got %d", s.RingSeconds)
	}
	if s.MaxRecordSeconds < 60 || s.MaxRecordSeconds > 14400 {
		return fmt.Errorf("maxRecordSeconds must be between 60 and 14400, got %d", s.MaxRecordSeconds)
	}
	switch s.FinishKey {
	case "#", "*", "0", "1":
	default:
		return fmt.Errorf("finishKey must be one of #, *, 0, 1; got %q", s.FinishKey)
	}
	switch s.RecordMode {
	case "answer", "ring", "none":
	default:
		return fmt.Errorf("recordMode must be one of answer, ring, none; got %q", s.RecordMode)
	}
	return nil
}

// CallFilters controls which discovered CDR legs become calls.
type CallFilters struct {
	IncludeInbound      bool     `json:"includeInbound"`
	IncludeOutbound     bool     `json:"includeOutbound"`
	IncludeInternal     bool     `json:"includeInternal"`
	ExcludedInboundExt  []string `json:"excludedInboundExt"`
	ExcludedOutboundExt []string `json:"excludedOutboundExt"`
	ExcludedInternalExt []string `json:"excludedInternalExt"`
}

// Allows reports whether a call with the given direction and extensions
// passes the tenant's filters. Inbound exclusions match the receiving
// extension, outbound the originating one, internal either party.
func (f CallFilters) Allows(direction, callerExt, calleeExt string) bool {
	switch direction {
	case "in":
		if !f.IncludeInbound {
			return false
		}
		return !containsString(f.ExcludedInboundExt, calleeExt)
	case "out":
		if !f.IncludeOutbound {
			return false
		}
		return !containsString(f.ExcludedOutboundExt, callerExt)
	case "internal":
		if !f.IncludeInternal {
			return false
		}
		return !containsString(f.ExcludedInternalExt, callerExt) &&
			!containsString(f.ExcludedInternalExt, calleeExt)
	default:
		// Unclassified legs are kept; the operator can filter later.
		return true
	}
}

// RecordingOverride flags per-extension recording participation.
type RecordingOverride struct {
	InExternal  bool `json:"inExternal"`
	OutExternal bool `json:"outExternal"`
	InInternal  bool `json:"inInternal"`
	OutInternal bool `json:"outInternal"`
}

// FreePbxSettings configures the three FreePBX access paths: the REST
// archive, the CDR database, and the SSH/SFTP recording host.
type FreePbxSettings struct {
	Enabled            bool   `json:"enabled"`
	RestHost           string `json:"restHost"`
	RestPort           int    `json:"restPort"`
	RestUser           string `json:"restUser"`
	RestPassword       string `json:"restPassword"` // encrypted at rest
	TLS                bool   `json:"tls"`
	RejectUnauthorized bool   `json:"rejectUnauthorized"`

	CdrHost     string `json:"cdrHost"`
	CdrPort     int    `json:"cdrPort"`
	CdrUser     string `json:"cdrUser"`
	CdrPassword string `json:"cdrPassword"` // encrypted at rest
	CdrDatabase string `json:"cdrDatabase"`

	SSHHost       string `json:"sshHost"`
	SSHPort       int    `json:"sshPort"`
	SSHUser       string `json:"sshUser"`
	SSHPassword   string `json:"sshPassword"`   // encrypted at rest
	SSHPrivateKey string `json:"sshPrivateKey"` // encrypted at rest
	SSHBasePath   string `json:"sshBasePath"`

	RetentionEnabled bool   `json:"retentionEnabled"`
	RetentionDays    int    `json:"retentionDays"`
	RetentionRunTime string `json:"retentionRunTime"` // HH:MM tenant-local

	VoicemailEnabled         bool     `json:"voicemailEnabled"`
	VoicemailBasePath        string   `json:"voicemailBasePath"`
	VoicemailContext         string   `json:"voicemailContext"`
	VoicemailFolders         []string `json:"voicemailFolders"`
	VoicemailIntervalMinutes int      `json:"voicemailIntervalMinutes"`

	Filters            CallFilters                  `json:"filters"`
	RecordingOverrides map[string]RecordingOverride `json:"recordingOverrides"`
}

// defaultFreePbx returns FreePbxSettings with defaults applied.
func defaultFreePbx() FreePbxSettings {
	return FreePbxSettings{
		RestPort:                 443,
		TLS:                      true,
		RejectUnauthorized:       true,
		CdrPort:                  3306,
		CdrDatabase:              "asteriskcdrdb",
		SSHPort:                  22,
		SSHBasePath:              "/var/spool/asterisk/monitor",
		RetentionDays:            90,
		RetentionRunTime:         "02:00",
		VoicemailBasePath:        "/var/spool/asterisk/voicemail",
		VoicemailContext:         "default",
		VoicemailFolders:         []string{"INBOX", "Old"},
		VoicemailIntervalMinutes: 60,
		Filters: CallFilters{
			IncludeInbound:  true,
			IncludeOutbound: true,
			IncludeInternal: false,
		},
	}
}

// Validate checks the range constraints on freepbx settings.
func (s FreePbxSettings) Validate() error {
	if s.RetentionDays < 1 {
		return fmt.Errorf("retentionDays must be at least 1, got %d", s.RetentionDays)
	}
	if _, _, err := s.RetentionRunTimeParts(); err != nil {
		return err
	}
	if s.VoicemailIntervalMinutes < 1 || s.VoicemailIntervalMinutes > 1440 {
		return fmt.Errorf("voicemailIntervalMinutes must be between 1 and 1440, got %d", s.VoicemailIntervalMinutes)
	}
	if s.CdrPort < 1 || s.CdrPort > 65535 {
		return fmt.Errorf("cdrPort must be a port number, got %d", s.CdrPort)
	}
	if s.SSHPort < 1 || s.SSHPort > 65535 {
		return fmt.Errorf("sshPort must be a port number, got %d", s.SSHPort)
	}
	if s.RestPort < 1 || s.RestPort > 65535 {
		return fmt.Errorf("restPort must be a port number, got %d", s.RestPort)
	}
	return nil
}

// RetentionRunTimeParts parses the HH:MM retention run time.
func (s FreePbxSettings) RetentionRunTimeParts() (hour, minute int, err error) {
	parts := strings.SplitN(s.RetentionRunTime, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("retentionRunTime must be HH:MM, got %q", s.RetentionRunTime)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("retentionRunTime hour out of range in %q", s.RetentionRunTime)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("retentionRunTime minute out of range in %q", s.RetentionRunTime)
	}
	return hour, minute, nil
}

// CdrDSN builds the MySQL connection string for the PBX CDR database.
// Asterisk writes calldate as a naive local timestamp, so the driver
// must scan DATETIME columns in the tenant's zone for instants to come
// out right.
func (s FreePbxSettings) CdrDSN(tz string) string {
	cfgPairs := url.Values{}
	cfgPairs.Set("parseTime", "true")
	cfgPairs.Set("timeout", "10s")
	cfgPairs.Set("readTimeout", "15s")
	if tz != "" {
		cfgPairs.Set("loc", tz)
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?%s",
		s.CdrUser, s.CdrPassword,
		net.JoinHostPort(s.CdrHost, strconv.Itoa(s.CdrPort)),
		s.CdrDatabase, cfgPairs.Encode())
}

// RestBaseURL builds the PBX REST API base URL.
func (s FreePbxSettings) RestBaseURL() string {
	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(s.RestHost, strconv.Itoa(s.RestPort)))
}

// SSHAddr returns the host:port dial address for the recording host.
func (s FreePbxSettings) SSHAddr() string {
	return net.JoinHostPort(s.SSHHost, strconv.Itoa(s.SSHPort))
}

// VoicemailInterval returns the voicemail discovery interval.
func (s FreePbxSettings) VoicemailInterval() time.Duration {
	return time.Duration(s.VoicemailIntervalMinutes) * time.Minute
}

// OverrideAllows reports whether the per-extension recording override (if
// any) permits ingesting a call in the given direction. Extensions without
// an override are allowed.
func (s FreePbxSettings) OverrideAllows(direction, ext string) bool {
	ov, ok := s.RecordingOverrides[ext]
	if !ok {
		return true
	}
	switch direction {
	case "in":
		return ov.InExternal
	case "out":
		return ov.OutExternal
	case "internal":
		return ov.InInternal || ov.OutInternal
	default:
		return true
	}
}

// OpenAISettings configures transcription and analysis models. The API key
// is honored only on the platform super tenant.
type OpenAISettings struct {
	Enabled        bool   `json:"enabled"`
	APIKey         string `json:"apiKey"` // encrypted at rest
	WhisperModel   string `json:"whisperModel"`
	GptModel       string `json:"gptModel"`
	AnalysisPrompt string `json:"analysisPrompt"`
}

// defaultOpenAI returns OpenAISettings with defaults applied.
func defaultOpenAI() OpenAISettings {
	return OpenAISettings{
		Enabled:      true,
		WhisperModel: "whisper-1",
		GptModel:     "gpt-4o-mini",
	}
}

// AlertSettings configures urgent-topic email notification.
type AlertSettings struct {
	Enabled        bool   `json:"enabled"`
	Email          string `json:"email"`
	OnUrgentTopics bool   `json:"onUrgentTopics"`

	SMTPHost     string `json:"smtpHost"`
	SMTPPort     string `json:"smtpPort"`
	SMTPFrom     string `json:"smtpFrom"`
	SMTPUsername string `json:"smtpUsername"`
	SMTPPassword string `json:"smtpPassword"` // encrypted at rest
	SMTPTLS      string `json:"smtpTls"`      // none, starttls, tls
}

// defaultAlerts returns AlertSettings with defaults applied.
func defaultAlerts() AlertSettings {
	return AlertSettings{OnUrgentTopics: true, SMTPPort: "587", SMTPTLS: "starttls"}
}

// ParseTwilio decodes a twilio settings document, applying defaults for
// absent keys and decrypting credentials with enc (nil skips decryption).
func ParseTwilio(doc []byte, enc *secrets.Encryptor) (TwilioSettings, error) {
	s := defaultTwilio()
	if err := unmarshalDoc(doc, &s); err != nil {
		return s, fmt.Errorf("parsing twilio settings: %w", err)
	}
	if enc != nil && s.AuthToken != "" {
		token, err := enc.Decrypt(s.AuthToken)
		if err != nil {
			return s, fmt.Errorf("decrypting twilio auth token: %w", err)
		}
		s.AuthToken = token
	}
	return s, nil
}

// ParseFreePbx decodes a freepbx settings document with defaults and
// decrypted credentials.
func ParseFreePbx(doc []byte, enc *secrets.Encryptor) (FreePbxSettings, error) {
	s := defaultFreePbx()
	if err := unmarshalDoc(doc, &s); err != nil {
		return s, fmt.Errorf("parsing freepbx settings: %w", err)
	}
	if enc != nil {
		for _, field := range []*string{&s.RestPassword, &s.CdrPassword, &s.SSHPassword, &s.SSHPrivateKey} {
			if *field == "" {
				continue
			}
			plain, err := enc.Decrypt(*field)
			if err != nil {
				return s, fmt.Errorf("decrypting freepbx credential: %w", err)
			}
			*field = plain
		}
	}
	return s, nil
}

// ParseOpenAI decodes an openai settings document with defaults and a
// decrypted API key.
func ParseOpenAI(doc []byte, enc *secrets.Encryptor) (OpenAISettings, error) {
	s := defaultOpenAI()
	if err := unmarshalDoc(doc, &s); err != nil {
		return s, fmt.Errorf("parsing openai settings: %w", err)
	}
	if enc != nil && s.APIKey != "" {
		key, err := enc.Decrypt(s.APIKey)
		if err != nil {
			return s, fmt.Errorf("decrypting openai api key: %w", err)
		}
		s.APIKey = key
	}
	return s, nil
}

// ParseAlerts decodes an alerts settings document with defaults and a
// decrypted SMTP password.
func ParseAlerts(doc []byte, enc *secrets.Encryptor) (AlertSettings, error) {
	s := defaultAlerts()
	if err := unmarshalDoc(doc, &s); err != nil {
		return s, fmt.Errorf("parsing alert settings: %w", err)
	}
	if enc != nil && s.SMTPPassword != "" {
		pw, err := enc.Decrypt(s.SMTPPassword)
		if err != nil {
			return s, fmt.Errorf("decrypting smtp password: %w", err)
		}
		s.SMTPPassword = pw
	}
	return s, nil
}

func unmarshalDoc(doc []byte, v any) error {
	if len(doc) == 0 || string(doc) == "null" {
		return nil
	}
	return json.Unmarshal(doc, v)
}

// MergeDocument applies a partial JSON patch to an existing settings
// document. Objects merge recursively, scalars and arrays replace, and an
// explicit null deletes the key. The result is the persistence form.
func MergeDocument(existing, patch []byte) ([]byte, error) {
	base := map[string]any{}
	if len(existing) > 0 && string(existing) != "null" {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, fmt.Errorf("parsing existing document: %w", err)
		}
	}

	var p any
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("parsing patch: %w", err)
	}
	pm, ok := p.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("patch must be a JSON object")
	}

	merged := mergeMaps(base, pm)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding merged document: %w", err)
	}
	return out, nil
}

func mergeMaps(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = mergeMaps(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}

// EncryptPatchCredentials encrypts any credential fields present in a patch
// for the given domain, in place. Operators submit plaintext; the store only
// ever sees ciphertext.
func EncryptPatchCredentials(domain string, patch map[string]any, enc *secrets.Encryptor) error {
	for _, field := range credentialFields[domain] {
		raw, ok := patch[field]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%s.%s must be a string", domain, field)
		}
		ct, err := enc.Encrypt(s)
		if err != nil {
			return fmt.Errorf("encrypting %s.%s: %w", domain, field, err)
		}
		patch[field] = ct
	}
	return nil
}

// DropEmptyCredentials removes credential fields whose patch value is the
// empty string, in place. Forms submit untouched password inputs as "";
// dropping them keeps the stored secret. Explicit null still deletes.
func DropEmptyCredentials(domain string, patch map[string]any) {
	for _, field := range credentialFields[domain] {
		if s, ok := patch[field].(string); ok && s == "" {
			delete(patch, field)
		}
	}
}

// PublicProjection strips credential fields from a settings document and
// adds has<Field> booleans in their place. The projection never exposes
// plaintext or ciphertext.
func PublicProjection(domain string, doc []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(doc) > 0 && string(doc) != "null" {
		if err := json.Unmarshal(doc, &out); err != nil {
			return nil, fmt.Errorf("parsing %s document: %w", domain, err)
		}
	}
	for _, field := range credentialFields[domain] {
		v, present := out[field]
		delete(out, field)
		s, _ := v.(string)
		out["has"+titleCase(field)] = present && s != ""
	}
	return out, nil
}

// ValidateDomain parses and validates a merged document for domains with
// range constraints. Unknown domains and billing pass through untouched.
func ValidateDomain(domain string, doc []byte) error {
	switch domain {
	case DomainTwilio:
		s, err := ParseTwilio(doc, nil)
		if err != nil {
			return err
		}
		return s.Validate()
	case DomainFreePbx:
		s, err := ParseFreePbx(doc, nil)
		if err != nil {
			return err
		}
		return s.Validate()
	case DomainOpenAI:
		_, err := ParseOpenAI(doc, nil)
		return err
	case DomainAlerts:
		_, err := ParseAlerts(doc, nil)
		return err
	default:
		return nil
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
