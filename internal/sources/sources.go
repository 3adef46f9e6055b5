// Package sources holds the call discovery implementations that feed
// the processing queue: FreePBX CDR polling, FreePBX archive listing,
// Twilio webhooks, and voicemail spool scans. Sources normalize what
// they find into store rows; the scheduler decides when they run.
package sources

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Call directions.
const (
	DirectionIn       = "in"
	DirectionOut      = "out"
	DirectionInternal = "internal"
)

// Result summarizes one discovery pass for sync_states.last_result.
type Result struct {
	Scanned  int
	Inserted int
	Skipped  int
}

func (r Result) String() string {
	return fmt.Sprintf("scanned=%d inserted=%d skipped=%d", r.Scanned, r.Inserted, r.Skipped)
}

// Identity is what a FreePBX recording filename reveals about a call.
type Identity struct {
	Direction    string
	CallerNumber string
	CalleeNumber string
	StartedAt    time.Time // zero when the name carries no timestamp
}

var (
	dayToken  = regexp.MustCompile(`^\d{8}$`)
	timeToken = regexp.MustCompile(`^\d{6}$`)
)

// ParseRecordingName extracts direction, parties and start time from
// FreePBX recording names such as
// external-200-+17175551212-20250115-100000-1736941200.12.wav.
// The prefix fixes the direction: external is an inbound call landing
// on an extension, out is an extension dialing outside, internal is
// extension to extension. Unrecognized prefixes report ok=false.
func ParseRecordingName(name string, loc *time.Location) (Identity, bool) {
	base := path.Base(name)
	base = strings.TrimSuffix(base, path.Ext(base))
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return Identity{}, false
	}

	var id Identity
	switch strings.ToLower(parts[0]) {
	case "external":
		id.Direction = DirectionIn
	case "out":
		id.Direction = DirectionOut
	case "internal":
		id.Direction = DirectionInternal
	default:
		return Identity{}, false
	}

	// Everything between the prefix and the YYYYMMDD-HHMMSS tokens
	// names the parties. Caller IDs may themselves contain dashes.
	fields := parts[1:]
	for i := 1; i+1 < len(parts); i++ {
		if dayToken.MatchString(parts[i]) && timeToken.MatchString(parts[i+1]) {
			fields = parts[1:i]
			if loc == nil {
				loc = time.UTC
			}
			if ts, err := time.ParseInLocation("20060102150405", parts[i]+parts[i+1], loc); err == nil {
				id.StartedAt = ts
			}
			break
		}
	}

	if len(fields) >= 2 {
		first, rest := fields[0], strings.Join(fields[1:], "-")
		switch id.Direction {
		case DirectionIn, DirectionOut:
			id.CalleeNumber, id.CallerNumber = first, rest
		case DirectionInternal:
			id.CallerNumber, id.CalleeNumber = first, rest
		}
	}
	return id, true
}
