package record

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Options tunes Store behaviour.
type Options struct {
	// WriteEmptyOutput makes WriteOutputOnce create a header-only snapshot
	// when there are no new IPs, so "no new IPs" is distinguishable from
	// "not yet run".
	WriteEmptyOutput bool
}

// Store reads and writes the records of a single run date. It assumes
// exclusive access to its directories for the duration of a run.
type Store struct {
	layout Layout
	date   time.Time
	opts   Options
}

// NewStore creates a store whose today/previous/raw-scan paths are resolved
// for date.
func NewStore(layout Layout, date time.Time, opts Options) *Store {
	return &Store{layout: layout, date: Day(date), opts: opts}
}

// Date returns the run date of the store.
func (s *Store) Date() time.Time { return s.date }

// Path returns the path of kind for the store's run date.
func (s *Store) Path(kind Kind) string {
	return s.layout.Path(kind, s.date)
}

// Exists reports whether the record of kind is present on disk.
func (s *Store) Exists(kind Kind) (bool, error) {
	return exists(s.Path(kind))
}

// ReadWindow loads a record as a window. A missing file is an empty window.
// Short rows and rows with unparsable dates are skipped with a warning.
func (s *Store) ReadWindow(kind Kind) (Window, error) {
	path := s.Path(kind)
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}

	w := make(Window, 0, len(rows))
	for _, row := range rows {
		date, err := ParseDate(row[0], s.date.Location())
		if err != nil {
			log.Warn().
				Str("record", kind.String()).
				Strs("row", row).
				Msg("invalid date format in row, skipping")
			continue
		}
		w = append(w, Entry{Date: date, IP: row[1]})
	}
	return w, nil
}

// ReadIPs returns the distinct IPs of a record in file order. The date column
// is not validated; a missing file yields no IPs.
func (s *Store) ReadIPs(kind Kind) ([]string, error) {
	rows, err := readRows(s.Path(kind))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	ips := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row[1]]; ok {
			continue
		}
		seen[row[1]] = struct{}{}
		ips = append(ips, row[1])
	}
	return ips, nil
}

// WriteWindow replaces the record of kind with w.
func (s *Store) WriteWindow(kind Kind, w Window) error {
	rows := make([][]string, 0, len(w)+1)
	rows = append(rows, Header)
	for _, e := range w {
		rows = append(rows, e.row())
	}
	if err := writeAtomic(s.Path(kind), rows); err != nil {
		return fmt.Errorf("write %s record: %w", kind, err)
	}
	return nil
}

// CopyVerbatim copies every well-formed row of from into to, keeping the
// original date strings. It returns the number of rows copied.
func (s *Store) CopyVerbatim(from, to Kind) (int, error) {
	rows, err := readRows(s.Path(from))
	if err != nil {
		return 0, err
	}
	out := make([][]string, 0, len(rows)+1)
	out = append(out, Header)
	out = append(out, rows...)
	if err := writeAtomic(s.Path(to), out); err != nil {
		return 0, fmt.Errorf("copy %s record to %s: %w", from, to, err)
	}
	return len(rows), nil
}

// AppendIPs adds every IP of ips not yet in the record of kind, stamped with
// the store's date. Existing rows are kept as they are, including dates that
// do not parse. It returns the number of rows in the record and the number
// added.
func (s *Store) AppendIPs(kind Kind, ips []string) (total, added int, err error) {
	rows, err := readRows(s.Path(kind))
	if err != nil {
		return 0, 0, err
	}
	seen := make(map[string]struct{}, len(rows)+len(ips))
	for _, row := range rows {
		seen[row[1]] = struct{}{}
	}

	out := make([][]string, 0, len(rows)+len(ips)+1)
	out = append(out, Header)
	out = append(out, rows...)
	for _, ip := range ips {
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, Entry{Date: s.date, IP: ip}.row())
		added++
	}
	if err := writeAtomic(s.Path(kind), out); err != nil {
		return 0, 0, fmt.Errorf("write %s record: %w", kind, err)
	}
	return len(out) - 1, added, nil
}

// WriteOutputOnce writes the output snapshot for date. An existing snapshot
// is never touched. It reports whether a file was written.
func (s *Store) WriteOutputOnce(date time.Time, ips []string) (bool, error) {
	date = Day(date)
	path := s.layout.Path(KindOutput, date)

	ok, err := exists(path)
	if err != nil {
		return false, err
	}
	if ok {
		log.Info().Str("path", path).Msg("output snapshot for today already exists")
		return false, nil
	}
	if len(ips) == 0 && !s.opts.WriteEmptyOutput {
		log.Info().Str("path", path).Msg("no new IPs, output snapshot not written")
		return false, nil
	}

	sorted := append([]string(nil), ips...)
	sort.Strings(sorted)

	rows := make([][]string, 0, len(sorted)+1)
	rows = append(rows, Header)
	for _, ip := range sorted {
		rows = append(rows, Entry{Date: date, IP: ip}.row())
	}
	if err := writeAtomic(path, rows); err != nil {
		return false, fmt.Errorf("write output snapshot: %w", err)
	}
	log.Info().Str("path", path).Int("entries", len(sorted)).Msg("created output snapshot")
	return true, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// readRows returns the trimmed first two columns of every data row. The
// first line is skipped when it is a header. Rows with fewer than two columns
// or an empty IP are dropped.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	header := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		first := header
		header = false
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				log.Warn().Str("path", path).Err(err).Msg("malformed row, skipping")
				continue
			}
			return rows, fmt.Errorf("read %s: %w", path, err)
		}
		if first && isHeader(rec) {
			continue
		}
		if len(rec) < 2 {
			log.Warn().Str("path", path).Strs("row", rec).Msg("short row, skipping")
			continue
		}
		date, ip := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if ip == "" {
			continue
		}
		rows = append(rows, []string{date, ip})
	}
	return rows, nil
}

// isHeader reports whether the first row of a record is a header rather than
// an observation. Files written by hand sometimes lose the header line.
func isHeader(rec []string) bool {
	if len(rec) < 2 {
		return true
	}
	_, err := netip.ParseAddr(strings.TrimSpace(rec[1]))
	return err != nil
}

// writeAtomic writes rows to a temp file in the target directory and renames
// it over path, so readers only ever see a complete record.
func writeAtomic(path string, rows [][]string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	if err = w.WriteAll(rows); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
