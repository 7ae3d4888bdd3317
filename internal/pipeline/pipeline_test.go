package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"c2block/sync-service/internal/config"
	"c2block/sync-service/internal/intel"
	"c2block/sync-service/internal/reconcile"
	"c2block/sync-service/internal/record"
	"c2block/sync-service/internal/rotation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

type stubFeed struct {
	ips     reconcile.IPSet
	err     error
	queries intel.Queries
}

func (f *stubFeed) Collect(_ context.Context, q intel.Queries) (reconcile.IPSet, error) {
	f.queries = q
	return f.ips, f.err
}

type recordingFirewall struct {
	added, removed []string
	policy         int
	err            error
}

func (r *recordingFirewall) AddIP(_ context.Context, ip string) error {
	r.added = append(r.added, ip)
	return r.err
}

func (r *recordingFirewall) RemoveIP(_ context.Context, ip string) error {
	r.removed = append(r.removed, ip)
	return r.err
}

func (r *recordingFirewall) EnsurePolicy(context.Context) error {
	r.policy++
	return nil
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
records:
  input_dir: ` + filepath.Join(dir, "input") + `
  output_dir: ` + filepath.Join(dir, "output") + `
feed:
  query_file: ` + filepath.Join(dir, "queries.json") + `
metrics:
  textfile: ` + filepath.Join(dir, "c2block.prom") + `
`))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Feed.QueryFile,
		[]byte(`{"data":{"cobalt_strike":["tag: cobalt_strike scan_dtime: {% now_date %}"]}}`), 0o644))
	return cfg
}

func newTestPipeline(cfg *config.Config, date time.Time, feed Feed, fw *recordingFirewall) *Pipeline {
	p := &Pipeline{
		Store:         NewStore(cfg, date),
		RetentionDays: cfg.Records.RetentionDays,
		QueryFile:     cfg.Feed.QueryFile,
		Feed:          feed,
		Metrics:       cfg.Metrics,
	}
	if fw != nil {
		p.Firewall = fw
	}
	return p
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRun_BootstrapThenSteady(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	feed := &stubFeed{ips: reconcile.NewIPSet("1.2.3.4", "5.6.7.8")}
	fw := &recordingFirewall{}
	p := newTestPipeline(cfg, day0, feed, fw)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Collected)
	assert.Equal(t, rotation.ModeBootstrap, res.Outcome.Mode)
	assert.Equal(t, []string{"tag: cobalt_strike scan_dtime: 2025-03-09"}, feed.queries["cobalt_strike"])
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, fw.added)
	assert.Empty(t, fw.removed)
	assert.Equal(t, 1, fw.policy)
	assert.True(t, res.OutputWritten)
	assert.Equal(t, "Date,IP Address\n2025-03-10,1.2.3.4\n2025-03-10,5.6.7.8\n",
		readFile(t, filepath.Join(dir, "output", "detect_IP_2025-03-10.csv")))
	assert.Equal(t, "Date,IP Address\n2025-03-10,1.2.3.4\n2025-03-10,5.6.7.8\n",
		readFile(t, filepath.Join(dir, "input", "detect_IP_2025-03-10.csv")))
	assert.Contains(t, readFile(t, cfg.Metrics.Textfile), "c2block_runs_total")

	// eight days later only 9.9.9.9 is seen: both seeded IPs age out
	day8 := day0.AddDate(0, 0, 8)
	feed = &stubFeed{ips: reconcile.NewIPSet("9.9.9.9")}
	fw = &recordingFirewall{}
	p = newTestPipeline(cfg, day8, feed, fw)

	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rotation.ModeFirstRotation, res.Outcome.Mode)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, fw.removed)
	assert.Equal(t, []string{"9.9.9.9"}, fw.added)
	assert.Equal(t, "Date,IP Address\n2025-03-18,9.9.9.9\n",
		readFile(t, filepath.Join(dir, "input", "today_ip_addresses.csv")))
}

func TestRun_DryRunWritesNoRecords(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	feed := &stubFeed{ips: reconcile.NewIPSet("5.6.7.8")}
	fw := &recordingFirewall{}
	p := newTestPipeline(cfg, day0, feed, fw)
	p.DryRun = true

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Sync)
	assert.Empty(t, fw.added)
	assert.False(t, res.OutputWritten)
	assert.Equal(t, reconcile.NewIPSet("5.6.7.8"), res.Outcome.New)

	for _, kind := range []record.Kind{record.KindToday, record.KindPrevious, record.KindOutput} {
		ok, err := p.Store.Exists(kind)
		require.NoError(t, err)
		assert.False(t, ok, kind.String())
	}

	// the real run still sees the previewed IPs as new
	p = newTestPipeline(cfg, day0, feed, fw)
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.NewIPSet("5.6.7.8"), res.Outcome.New)
	assert.Equal(t, []string{"5.6.7.8"}, fw.added)
	assert.True(t, res.OutputWritten)
}

func TestRun_FeedFailureUsesRawScanOnDisk(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	store := NewStore(cfg, day0)
	require.NoError(t, store.WriteWindow(record.KindRawScan, record.Window{{Date: day0, IP: "7.7.7.7"}}))

	boom := errors.New("feed down")
	fw := &recordingFirewall{}
	p := newTestPipeline(cfg, day0, &stubFeed{err: boom}, fw)

	res, err := p.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"7.7.7.7"}, fw.added)
	assert.True(t, res.OutputWritten)
}

func TestRun_FirewallFailureReported(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	fw := &recordingFirewall{err: errors.New("commit failed")}
	p := newTestPipeline(cfg, day0, &stubFeed{ips: reconcile.NewIPSet("1.2.3.4")}, fw)

	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "firewall sync")
	require.NotNil(t, res.Sync)
	assert.Len(t, res.Sync.Failed, 1)
	assert.True(t, res.OutputWritten, "snapshot still records the day's new IPs")
	assert.Zero(t, res.Outcome.WindowSize, "rejected IP is not kept in the window")
}

func TestRun_FailedAddRetriedNextRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	feed := &stubFeed{ips: reconcile.NewIPSet("1.2.3.4")}

	p := newTestPipeline(cfg, day0, feed, &recordingFirewall{err: errors.New("commit failed")})
	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, reconcile.NewIPSet("1.2.3.4"), res.Sync.NotAdded)
	assert.Zero(t, res.Outcome.WindowSize)
	assert.Equal(t, "Date,IP Address\n",
		readFile(t, filepath.Join(dir, "input", "today_ip_addresses.csv")))

	fw := &recordingFirewall{}
	p = newTestPipeline(cfg, day0.AddDate(0, 0, 1), feed, fw)
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.NewIPSet("1.2.3.4"), res.Outcome.New)
	assert.Equal(t, []string{"1.2.3.4"}, fw.added)
	assert.Equal(t, "Date,IP Address\n2025-03-11,1.2.3.4\n",
		readFile(t, filepath.Join(dir, "input", "today_ip_addresses.csv")))
}

func TestRun_FailedRemoveRetriedNextRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	store := NewStore(cfg, day0)
	require.NoError(t, store.WriteWindow(record.KindPrevious, nil))
	require.NoError(t, store.WriteWindow(record.KindToday, record.Window{
		{Date: day0.AddDate(0, 0, -10), IP: "9.9.9.9"},
	}))
	feed := &stubFeed{ips: reconcile.NewIPSet()}

	fw := &recordingFirewall{err: errors.New("locked")}
	p := newTestPipeline(cfg, day0, feed, fw)
	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"9.9.9.9"}, fw.removed)
	assert.Equal(t, reconcile.NewIPSet("9.9.9.9"), res.Sync.NotRemoved)
	assert.Equal(t, "Date,IP Address\n2025-02-28,9.9.9.9\n",
		readFile(t, filepath.Join(dir, "input", "today_ip_addresses.csv")))

	fw = &recordingFirewall{}
	p = newTestPipeline(cfg, day0.AddDate(0, 0, 1), feed, fw)
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.NewIPSet("9.9.9.9"), res.Outcome.Expired)
	assert.Equal(t, []string{"9.9.9.9"}, fw.removed)
	assert.Equal(t, "Date,IP Address\n",
		readFile(t, filepath.Join(dir, "input", "today_ip_addresses.csv")))
}

func TestRun_WithoutFeedReconcilesOnly(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	store := NewStore(cfg, day0)
	require.NoError(t, store.WriteWindow(record.KindRawScan, record.Window{{Date: day0, IP: "3.3.3.3"}}))

	p := newTestPipeline(cfg, day0, nil, nil)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.NewIPSet("3.3.3.3"), res.Outcome.New)
	assert.Nil(t, res.Sync)

	_, err = p.Collect(context.Background())
	assert.Error(t, err)
}

func TestNew_WiresFromConfig(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Allowlist.Entries = []string{"10.0.0.0/8"}

	p, err := New(cfg, day0, Options{})
	require.NoError(t, err)
	assert.NotNil(t, p.Breakers)
	assert.Nil(t, p.Feed)
	assert.Nil(t, p.Firewall)
	require.NotNil(t, p.Allow)

	cfg.Feed.APIKey = ""
	_, err = New(cfg, day0, Options{Collect: true})
	assert.Error(t, err)

	cfg.Feed.APIKey = "k"
	p, err = New(cfg, day0, Options{Collect: true, Sync: true, DryRun: true})
	require.NoError(t, err)
	assert.NotNil(t, p.Feed)
	assert.Nil(t, p.Firewall, "dry run never builds a firewall client")

	_, err = New(cfg, day0, Options{Sync: true})
	assert.Error(t, err, "firewall credentials missing")
}
