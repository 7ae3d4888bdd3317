package pipeline

import (
	"fmt"
	"time"

	"c2block/sync-service/internal/allowlist"
	"c2block/sync-service/internal/circuitbreaker"
	"c2block/sync-service/internal/config"
	"c2block/sync-service/internal/firewall"
	"c2block/sync-service/internal/intel"
	"c2block/sync-service/internal/record"

	"github.com/rs/zerolog/log"
)

// Backend names used for circuit breakers and logs.
const (
	BackendFeed     = "criminalip"
	BackendFirewall = "firewall"
)

// Options selects which collaborators New wires in.
type Options struct {
	Collect bool // query the threat feed
	Sync    bool // push to the firewall
	DryRun  bool
}

// NewStore builds the record store for date from cfg.
func NewStore(cfg *config.Config, date time.Time) *record.Store {
	return record.NewStore(record.Layout{
		InputDir:       cfg.Records.InputDir,
		OutputDir:      cfg.Records.OutputDir,
		TodayFile:      cfg.Records.TodayFile,
		PreviousFile:   cfg.Records.PreviousFile,
		RawScanPattern: cfg.Records.RawScanPattern,
		OutputPattern:  cfg.Records.OutputPattern,
	}, date, record.Options{WriteEmptyOutput: cfg.Output.WriteEmpty == nil || *cfg.Output.WriteEmpty})
}

// NewBreakers builds the breaker manager shared by the feed and firewall
// clients.
func NewBreakers(cfg *config.Config) *circuitbreaker.Manager {
	return circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.BreakerTimeout(),
	})
}

// NewFirewall builds the Junos client from cfg.
func NewFirewall(cfg *config.Config, breakers *circuitbreaker.Manager) (*firewall.JunosClient, error) {
	if err := cfg.ValidateFirewall(); err != nil {
		return nil, err
	}
	return firewall.NewJunosClient(firewall.JunosOptions{
		Scheme:        cfg.Firewall.Scheme,
		Host:          cfg.Firewall.Host,
		Port:          cfg.Firewall.Port,
		User:          cfg.Firewall.User,
		Password:      cfg.Firewall.Password,
		Timeout:       cfg.FirewallTimeout(),
		MaxRPS:        cfg.Firewall.MaxRPS,
		AddressBook:   cfg.Firewall.AddressBook,
		AddressPrefix: cfg.Firewall.AddressPrefix,
		AddressSet:    cfg.Firewall.AddressSet,
		PolicyName:    cfg.Firewall.PolicyName,
		PolicyAction:  cfg.Firewall.PolicyAction,
		FromZone:      cfg.Firewall.FromZone,
		ToZone:        cfg.Firewall.ToZone,
	}, breakers.Get(BackendFirewall)), nil
}

// New wires a pipeline for a run on date.
func New(cfg *config.Config, date time.Time, opts Options) (*Pipeline, error) {
	allow, err := allowlist.New(cfg.Allowlist.Entries, cfg.Allowlist.File)
	if err != nil {
		return nil, fmt.Errorf("load allowlist: %w", err)
	}
	log.Info().
		Int("prefixes", allow.Size()).
		Str("file", cfg.Allowlist.File).
		Msg("allowlist loaded")
	breakers := NewBreakers(cfg)

	p := &Pipeline{
		Store:         NewStore(cfg, date),
		RetentionDays: cfg.Records.RetentionDays,
		Allow:         allow,
		QueryFile:     cfg.Feed.QueryFile,
		DryRun:        opts.DryRun,
		Metrics:       cfg.Metrics,
		Breakers:      breakers,
	}

	if opts.Collect {
		if err := cfg.ValidateFeed(); err != nil {
			return nil, err
		}
		client := intel.NewCriminalIPClient(cfg.Feed.BaseURL, cfg.Feed.APIKey, cfg.FeedTimeout(), breakers.Get(BackendFeed))
		p.Feed = intel.NewCollector(client, cfg.Feed.MaxPages)
	}

	if opts.Sync && !opts.DryRun {
		fw, err := NewFirewall(cfg, breakers)
		if err != nil {
			return nil, err
		}
		p.Firewall = fw
	}
	return p, nil
}
