// Package intel collects C2 server IPs from the Criminal IP banner search API
// and turns them into the day's raw scan record.
package intel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"c2block/sync-service/internal/record"
)

// DatePlaceholder in a query is replaced by the day before the run date.
const DatePlaceholder = "{% now_date %}"

// ErrNoQueries is returned when the query file defines nothing to search.
var ErrNoQueries = errors.New("query file contains no queries")

// Queries maps a C2 family name to its search queries.
type Queries map[string][]string

// Names returns the family names in sorted order.
func (q Queries) Names() []string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the total number of queries.
func (q Queries) Len() int {
	n := 0
	for _, list := range q {
		n += len(list)
	}
	return n
}

type queryFile struct {
	Data map[string][]string `json:"data"`
}

// LoadQueries reads the query file and expands the date placeholder for a
// run on runDate.
func LoadQueries(path string, runDate time.Time) (Queries, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}
	return ParseQueries(b, runDate)
}

// ParseQueries is LoadQueries on an in-memory document.
func ParseQueries(b []byte, runDate time.Time) (Queries, error) {
	var f queryFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse query file: %w", err)
	}

	yesterday := record.FormatDate(record.Day(runDate).AddDate(0, 0, -1))
	q := make(Queries, len(f.Data))
	for name, list := range f.Data {
		expanded := make([]string, 0, len(list))
		for _, s := range list {
			s = strings.TrimSpace(strings.ReplaceAll(s, DatePlaceholder, yesterday))
			if s == "" {
				continue
			}
			expanded = append(expanded, s)
		}
		if len(expanded) > 0 {
			q[name] = expanded
		}
	}
	if q.Len() == 0 {
		return nil, ErrNoQueries
	}
	return q, nil
}
