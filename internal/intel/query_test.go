package intel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runDate = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func TestLoadQueries_ExpandsYesterday(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data": {
			"cobalt_strike": ["tag: cobalt_strike_beacon scan_dtime: {% now_date %}", "  "],
			"metasploit": ["product: Metasploit"],
			"empty": []
		}
	}`), 0o644))

	q, err := LoadQueries(path, runDate)
	require.NoError(t, err)

	assert.Equal(t, []string{"cobalt_strike", "metasploit"}, q.Names())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"tag: cobalt_strike_beacon scan_dtime: 2025-03-09"}, q["cobalt_strike"])
}

func TestParseQueries_Errors(t *testing.T) {
	_, err := ParseQueries([]byte(`{"data":{}}`), runDate)
	assert.ErrorIs(t, err, ErrNoQueries)

	_, err = ParseQueries([]byte(`not json`), runDate)
	assert.Error(t, err)

	_, err = LoadQueries(filepath.Join(t.TempDir(), "missing.json"), runDate)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
