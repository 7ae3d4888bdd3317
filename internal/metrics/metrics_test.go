package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	MustRegister()
	MustRegister() // idempotent

	RunsTotal.WithLabelValues("bootstrap", "ok").Inc()
	ReconciledIPs.WithLabelValues("new").Set(3)

	path := filepath.Join(t.TempDir(), "c2block.prom")
	require.NoError(t, WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `c2block_runs_total{mode="bootstrap",result="ok"}`)
	assert.Contains(t, string(b), `c2block_reconciled_ips{class="new"} 3`)
}

func TestPush(t *testing.T) {
	MustRegister()
	FeedIPs.Set(42)

	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, Push(context.Background(), srv.URL, "c2block"))
	assert.True(t, strings.HasPrefix(gotPath, "/metrics/job/c2block"), gotPath)
	assert.NotEmpty(t, gotBody)
}

func TestPush_GatewayError(t *testing.T) {
	MustRegister()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := Push(context.Background(), srv.URL, "c2block")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push metrics")
}
