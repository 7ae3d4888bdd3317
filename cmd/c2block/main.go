package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"c2block/sync-service/internal/config"
	"c2block/sync-service/internal/logging"
	"c2block/sync-service/internal/metrics"
	"c2block/sync-service/internal/pipeline"
	"c2block/sync-service/internal/record"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	configPath string
	dryRun     bool
	runDate    string
	purgeYes   bool

	cfg       *config.Config
	logCloser io.Closer
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "c2block",
	Short: "Keep a Juniper SRX deny set in sync with Criminal IP C2 detections",
	Long: `c2block queries the Criminal IP banner search for C2 servers, keeps a rolling
window of observed IPs on disk and pushes additions and expirations to the
firewall's deny address-set.

Examples:
  # daily job
  c2block run --config /etc/c2block/config.yaml

  # see what today's run would change without touching the firewall
  c2block run --dry-run`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect, rotate the window, sync the firewall and write the daily snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, pipeline.Options{Collect: true, Sync: true, DryRun: dryRun})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rotate the window from the raw scan already on disk",
	Long: `Rotate the window from the raw scan already on disk and print the new and
expired IPs. The firewall is only touched with --sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		push, _ := cmd.Flags().GetBool("sync")
		return runPipeline(cmd, pipeline.Options{Sync: push, DryRun: dryRun})
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Query the threat feed and write the day's raw scan record",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := resolveDate()
		if err != nil {
			return err
		}
		p, err := pipeline.New(cfg, date, pipeline.Options{Collect: true})
		if err != nil {
			return err
		}
		n, err := p.Collect(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "collected %d IPs into %s\n", n, p.Store.Path(record.KindRawScan))
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every managed address object from the firewall",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !purgeYes {
			return errors.New("purge removes every address object with the configured prefix; pass --yes to confirm")
		}
		fw, err := pipeline.NewFirewall(cfg, pipeline.NewBreakers(cfg))
		if err != nil {
			return err
		}
		n, err := fw.Purge(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d address objects\n", n)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (overrides C2BLOCK_CONFIG env var)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show what would change without writing records or touching the firewall")
	rootCmd.PersistentFlags().StringVar(&runDate, "date", "", "run date as YYYY-MM-DD (default today)")
	reconcileCmd.Flags().Bool("sync", false, "push the result to the firewall")
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "confirm the purge")

	rootCmd.AddCommand(runCmd, reconcileCmd, collectCmd, purgeCmd, versionCmd)
}

// setup loads the config and the logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	// config path: flag > env var > ./config.yaml > ./config.example.yaml
	path := configPath
	if path == "" {
		path = os.Getenv("C2BLOCK_CONFIG")
	}
	if path == "" {
		path = "./config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "./config.example.yaml"
		}
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logCloser, err = logging.Setup(cfg.Logging, time.Now())
	if err != nil {
		return err
	}
	metrics.MustRegister()
	metrics.BuildInfo.WithLabelValues(version).Set(1)

	log.Info().
		Str("config_path", path).
		Str("command", cmd.Name()).
		Str("log_level", cfg.Logging.Level).
		Str("input_dir", cfg.Records.InputDir).
		Str("output_dir", cfg.Records.OutputDir).
		Int("retention_days", cfg.Records.RetentionDays).
		Bool("dry_run", dryRun).
		Msg("configuration loaded")
	log.Info().
		Str("firewall", cfg.Firewall.Host).
		Str("address_set", cfg.Firewall.AddressSet).
		Str("policy", cfg.Firewall.PolicyName).
		Str("policy_action", cfg.Firewall.PolicyAction).
		Int("allowlist_entries", len(cfg.Allowlist.Entries)).
		Msg("firewall configuration")
	return nil
}

func resolveDate() (time.Time, error) {
	if runDate == "" {
		return time.Now(), nil
	}
	d, err := record.ParseDate(runDate, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date: %w", err)
	}
	return d, nil
}

func runPipeline(cmd *cobra.Command, opts pipeline.Options) error {
	date, err := resolveDate()
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, date, opts)
	if err != nil {
		return err
	}
	res, err := p.Run(cmd.Context())
	if res.Outcome.New != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s (%s): %d new, %d expired, window %d\n",
			res.RunID, res.Outcome.Mode, res.Outcome.New.Len(), res.Outcome.Expired.Len(), res.Outcome.WindowSize)
		for _, ip := range res.Outcome.Expired.Sorted() {
			fmt.Fprintf(out, "- %s\n", ip)
		}
		for _, ip := range res.Outcome.New.Sorted() {
			fmt.Fprintf(out, "+ %s\n", ip)
		}
	}
	return err
}
