package remotefs

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/callscribe/callscribe/internal/apperr"
)

// SweepTimeout bounds a whole retention pass over one tenant's spool.
const SweepTimeout = 10 * time.Minute

var (
	yearDir   = regexp.MustCompile(`^\d{4}$`)
	twoDigits = regexp.MustCompile(`^\d{2}$`)
)

// SweepOlderThanDay deletes every base/YYYY/MM/DD directory whose
// calendar day in loc is strictly before keepFrom, oldest first, and
// returns the swept days. Day boundaries follow the tenant's zone
// because the spool layout does. Re-running after a partial failure
// picks up where the last pass stopped.
func (s *Session) SweepOlderThanDay(ctx context.Context, base string, keepFrom time.Time, loc *time.Location) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, SweepTimeout)
	defer cancel()

	if loc == nil {
		loc = time.UTC
	}
	keep := time.Date(keepFrom.In(loc).Year(), keepFrom.In(loc).Month(), keepFrom.In(loc).Day(), 0, 0, 0, 0, loc)

	days, err := s.listDays(ctx, base, loc)
	if err != nil {
		return nil, err
	}

	var swept []time.Time
	for _, day := range days {
		if !day.Before(keep) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if _, err := s.SweepDayDir(ctx, base, day); err != nil {
			return swept, err
		}
		swept = append(swept, day)
		s.logger.Info("retention swept day", "base", base, "day", SlashDay(day))
	}
	return swept, nil
}

// listDays walks the base/YYYY/MM/DD layout and returns the days
// present, ascending. Entries that do not look like date directories
// (lost+found, stray files) are ignored.
func (s *Session) listDays(ctx context.Context, base string, loc *time.Location) ([]time.Time, error) {
	years, err := s.conn.ReadDir(base)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, classify("remotefs.sweep", base, err)
	}

	var days []time.Time
	for _, y := range years {
		if !y.IsDir() || !yearDir.MatchString(y.Name()) {
			continue
		}
		months, err := s.conn.ReadDir(path.Join(base, y.Name()))
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, classify("remotefs.sweep", path.Join(base, y.Name()), err)
		}
		for _, m := range months {
			if !m.IsDir() || !twoDigits.MatchString(m.Name()) {
				continue
			}
			dayEntries, err := s.conn.ReadDir(path.Join(base, y.Name(), m.Name()))
			if err != nil {
				if isNotExist(err) {
					continue
				}
				return nil, classify("remotefs.sweep", path.Join(base, y.Name(), m.Name()), err)
			}
			for _, d := range dayEntries {
				if !d.IsDir() || !twoDigits.MatchString(d.Name()) {
					continue
				}
				day, err := time.ParseInLocation("2006/01/02", y.Name()+"/"+m.Name()+"/"+d.Name(), loc)
				if err != nil {
					continue
				}
				days = append(days, day)
			}
		}
		if err := ctx.Err(); err != nil {
			return days, err
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// Stats summarizes a recording spool.
type Stats struct {
	FileCount  int64
	TotalBytes int64
	FirstDay   string // YYYY/MM/DD, empty when no day directories exist
	LastDay    string
}

// Stats gathers spool size and day range in one shell round trip; an
// SFTP walk over tens of thousands of recordings would take minutes.
func (s *Session) Stats(ctx context.Context, base string) (Stats, error) {
	const op = "remotefs.stats"

	if strings.Contains(base, "'") {
		return Stats{}, apperr.Config(op, fmt.Sprintf("base path %q must not contain quotes", base))
	}
	cmd := fmt.Sprintf(
		"[ -d '%[1]s' ] || exit 0; "+
			"find '%[1]s' -type f -printf '%%s\\n' | awk 'BEGIN{n=0;b=0}{n+=1;b+=$1}END{print n, b}'; "+
			"find '%[1]s' -mindepth 3 -maxdepth 3 -type d -printf '%%P\\n' | sort | sed -n '1p;$p'",
		base)

	out, err := s.RunCommand(ctx, cmd)
	if err != nil {
		return Stats{}, err
	}

	lines := splitLines(out)
	if len(lines) == 0 {
		// Base path absent: an empty spool, not an error.
		return Stats{}, nil
	}

	var st Stats
	totals := strings.Fields(lines[0])
	if len(totals) != 2 {
		return Stats{}, apperr.Data(op, fmt.Sprintf("unexpected stats output %q", lines[0]), nil)
	}
	if st.FileCount, err = strconv.ParseInt(totals[0], 10, 64); err != nil {
		return Stats{}, apperr.Data(op, fmt.Sprintf("bad file count %q", totals[0]), err)
	}
	if st.TotalBytes, err = strconv.ParseInt(totals[1], 10, 64); err != nil {
		return Stats{}, apperr.Data(op, fmt.Sprintf("bad byte total %q", totals[1]), err)
	}

	if len(lines) > 1 {
		st.FirstDay = lines[1]
		st.LastDay = lines[len(lines)-1]
	}
	return st, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
