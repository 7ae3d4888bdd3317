package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds every c2block collector. The sync runs as a short-lived
// job, so metrics leave the process through a textfile or a pushgateway
// rather than a scrape endpoint.
var Registry = prometheus.NewRegistry()

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2block_runs_total",
			Help: "Sync runs by rotation mode and result",
		},
		[]string{"mode", "result"},
	)
	RunDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "c2block_run_duration_seconds",
			Help: "Wall time of the last run",
		},
	)
	LastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "c2block_last_success_timestamp_seconds",
			Help: "Unix time of the last run that completed without error",
		},
	)
	WindowIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "c2block_window_entries",
			Help: "Entries in the today record after rotation",
		},
	)
	ReconciledIPs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "c2block_reconciled_ips",
			Help: "IPs classified by the last run (new/expired/allowlisted)",
		},
		[]string{"class"},
	)
	FeedQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2block_feed_queries_total",
			Help: "Threat feed search requests by result",
		},
		[]string{"result"},
	)
	FeedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "c2block_feed_ips",
			Help: "Distinct IPs collected from the threat feed in the last run",
		},
	)
	FirewallOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2block_firewall_operations_total",
			Help: "Firewall RPC operations by kind and result",
		},
		[]string{"op", "result"},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "c2block_circuit_state",
			Help: "Circuit breaker state per backend (0=closed 1=open 2=half-open)",
		},
		[]string{"backend"},
	)
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2block_circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "c2block_build_info",
			Help: "Build info gauge, always 1",
		},
		[]string{"version"},
	)
)

var registerOnce sync.Once

func MustRegister() {
	registerOnce.Do(func() {
		Registry.MustRegister(RunsTotal, RunDuration, LastSuccess, WindowIPs, ReconciledIPs,
			FeedQueries, FeedIPs, FirewallOps, CircuitState, CircuitTransitions, BuildInfo)
	})
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the registry to a pushgateway under job, grouped by host.
func Push(ctx context.Context, url, job string) error {
	host, _ := os.Hostname()
	p := push.New(url, job).Gatherer(Registry)
	if host != "" {
		p = p.Grouping("instance", host)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
