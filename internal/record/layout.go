package record

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind names one of the four records.
type Kind int

const (
	KindToday Kind = iota
	KindPrevious
	KindRawScan
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindToday:
		return "today"
	case KindPrevious:
		return "previous"
	case KindRawScan:
		return "raw_scan"
	case KindOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Layout maps record kinds to file paths. Patterns may contain {date}, which
// expands to the YYYY-MM-DD form of the date the path is built for.
type Layout struct {
	InputDir       string
	OutputDir      string
	TodayFile      string
	PreviousFile   string
	RawScanPattern string
	OutputPattern  string
}

// Path returns the file path of kind for date.
func (l Layout) Path(kind Kind, date time.Time) string {
	switch kind {
	case KindToday:
		return filepath.Join(l.InputDir, expand(l.TodayFile, date))
	case KindPrevious:
		return filepath.Join(l.InputDir, expand(l.PreviousFile, date))
	case KindRawScan:
		return filepath.Join(l.InputDir, expand(l.RawScanPattern, date))
	case KindOutput:
		return filepath.Join(l.OutputDir, expand(l.OutputPattern, date))
	default:
		panic(fmt.Sprintf("record: unknown kind %d", kind))
	}
}

func expand(pattern string, date time.Time) string {
	return strings.ReplaceAll(pattern, "{date}", FormatDate(date))
}
