package remotefs

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Asterisk call recordings embed the call date in the filename, e.g.
// external-2001-+15550001111-20250115-103000-1736935800.123.wav, while
// the files live under basePath/YYYY/MM/DD/.
var dateToken = regexp.MustCompile(`(?:^|-)(20\d{6})-`)

// ResolveRecordingPath turns a CDR recordingfile value into a full
// spool path. References that already carry directories are trusted
// as-is (joined under base when relative).
func ResolveRecordingPath(base, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty recording reference")
	}
	if strings.Contains(ref, "/") {
		if path.IsAbs(ref) {
			return path.Clean(ref), nil
		}
		return path.Join(base, ref), nil
	}

	m := dateToken.FindStringSubmatch(ref)
	if m == nil {
		return "", fmt.Errorf("no date token in recording file %q", ref)
	}
	d := m[1]
	return path.Join(base, d[0:4], d[4:6], d[6:8], ref), nil
}

// DayPath is base/YYYY/MM/DD for a recording day.
func DayPath(base string, day time.Time) string {
	return path.Join(base, day.Format("2006"), day.Format("01"), day.Format("02"))
}

// SlashDay and CompactDay are the two spellings of a recording day that
// appear in stored recording references.
func SlashDay(day time.Time) string   { return day.Format("2006/01/02") }
func CompactDay(day time.Time) string { return day.Format("20060102") }
