// Package record owns the on-disk CSV records that hold the rolling window of
// observed malicious IPs: the live "today" record, the "previous" snapshot,
// the day's raw scan and the once-per-day output snapshot.
package record

import (
	"strings"
	"time"
)

// DateLayout is the on-disk date format of every record row.
const DateLayout = "2006-01-02"

// Header is the first row of every record file.
var Header = []string{"Date", "IP Address"}

// Entry is one dated observation of an IP.
type Entry struct {
	Date time.Time
	IP   string
}

// Window is an ordered sequence of entries. The same IP may appear on several
// days; sets of IPs are projections of a window, not the window itself.
type Window []Entry

// IPs returns the distinct IPs of the window in first-seen order.
func (w Window) IPs() []string {
	seen := make(map[string]struct{}, len(w))
	out := make([]string, 0, len(w))
	for _, e := range w {
		if _, ok := seen[e.IP]; ok {
			continue
		}
		seen[e.IP] = struct{}{}
		out = append(out, e.IP)
	}
	return out
}

// Day truncates t to midnight in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// FormatDate renders t with DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a record date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
}

func (e Entry) row() []string {
	return []string{FormatDate(e.Date), e.IP}
}
