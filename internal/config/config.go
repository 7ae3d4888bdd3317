package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RecordsCfg struct {
	InputDir       string `yaml:"input_dir"`
	OutputDir      string `yaml:"output_dir"`
	TodayFile      string `yaml:"today_file"`
	PreviousFile   string `yaml:"previous_file"`
	RawScanPattern string `yaml:"raw_scan_pattern"` // {date} expands to YYYY-MM-DD
	OutputPattern  string `yaml:"output_pattern"`
	RetentionDays  int    `yaml:"retention_days"`
}

type OutputCfg struct {
	// WriteEmpty writes a header-only snapshot when a run finds no new IPs.
	WriteEmpty *bool `yaml:"write_empty"`
}

type FeedCfg struct {
	BaseURL   string `yaml:"base_url"`
	QueryFile string `yaml:"query_file"`
	APIKey    string `yaml:"-"` // CRIMINALIP_API_KEY
	TimeoutMs int    `yaml:"timeout_ms"`
	MaxPages  int    `yaml:"max_pages"`
}

type FirewallCfg struct {
	Host          string  `yaml:"host"`
	Port          int     `yaml:"port"`
	Scheme        string  `yaml:"scheme"` // http | https
	User          string  `yaml:"-"`      // FIREWALL_USER
	Password      string  `yaml:"-"`      // FIREWALL_PASSWORD
	TimeoutMs     int     `yaml:"timeout_ms"`
	MaxRPS        float64 `yaml:"max_rps"`
	AddressBook   string  `yaml:"address_book"`
	AddressPrefix string  `yaml:"address_prefix"`
	AddressSet    string  `yaml:"address_set"`
	PolicyName    string  `yaml:"policy_name"`
	PolicyAction  string  `yaml:"policy_action"` // deny | permit
	FromZone      string  `yaml:"from_zone"`
	ToZone        string  `yaml:"to_zone"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

type AllowlistCfg struct {
	Entries []string `yaml:"entries"`
	File    string   `yaml:"file"`
}

type LoggingCfg struct {
	Level      string `yaml:"level"` // debug|info|warn|error
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsCfg struct {
	Textfile       string `yaml:"textfile"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type Config struct {
	Records   RecordsCfg   `yaml:"records"`
	Output    OutputCfg    `yaml:"output"`
	Feed      FeedCfg      `yaml:"feed"`
	Firewall  FirewallCfg  `yaml:"firewall"`
	Breaker   BreakerCfg   `yaml:"circuit_breaker"`
	Allowlist AllowlistCfg `yaml:"allowlist"`
	Logging   LoggingCfg   `yaml:"logging"`
	Metrics   MetricsCfg   `yaml:"metrics"`
}

// Load reads the YAML config at path, fills defaults and pulls secrets from
// the environment. A .env file next to the working directory is honoured.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse is Load without the file read.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// .env is optional; real environment variables win over it
	_ = godotenv.Load()
	cfg.Feed.APIKey = os.Getenv("CRIMINALIP_API_KEY")
	cfg.Firewall.User = os.Getenv("FIREWALL_USER")
	cfg.Firewall.Password = os.Getenv("FIREWALL_PASSWORD")

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Records.InputDir == "" {
		c.Records.InputDir = "./api/input"
	}
	if c.Records.OutputDir == "" {
		c.Records.OutputDir = "./api/output"
	}
	if c.Records.TodayFile == "" {
		c.Records.TodayFile = "today_ip_addresses.csv"
	}
	if c.Records.PreviousFile == "" {
		c.Records.PreviousFile = "previous_ip_addresses.csv"
	}
	if c.Records.RawScanPattern == "" {
		c.Records.RawScanPattern = "detect_IP_{date}.csv"
	}
	if c.Records.OutputPattern == "" {
		c.Records.OutputPattern = "detect_IP_{date}.csv"
	}
	if c.Records.RetentionDays == 0 {
		c.Records.RetentionDays = 7
	}
	if c.Output.WriteEmpty == nil {
		v := true
		c.Output.WriteEmpty = &v
	}
	if c.Feed.BaseURL == "" {
		c.Feed.BaseURL = "https://api.criminalip.io/"
	}
	if !strings.HasSuffix(c.Feed.BaseURL, "/") {
		c.Feed.BaseURL += "/"
	}
	if c.Feed.QueryFile == "" {
		c.Feed.QueryFile = "./cip_c2_detect_query.json"
	}
	if c.Feed.TimeoutMs == 0 {
		c.Feed.TimeoutMs = 30000
	}
	if c.Feed.MaxPages == 0 {
		c.Feed.MaxPages = 10
	}
	if c.Firewall.Scheme == "" {
		c.Firewall.Scheme = "http"
	}
	if c.Firewall.TimeoutMs == 0 {
		c.Firewall.TimeoutMs = 15000
	}
	if c.Firewall.MaxRPS == 0 {
		c.Firewall.MaxRPS = 5
	}
	if c.Firewall.AddressBook == "" {
		c.Firewall.AddressBook = "global"
	}
	if c.Firewall.AddressPrefix == "" {
		c.Firewall.AddressPrefix = "c2-ip-"
	}
	if c.Firewall.AddressSet == "" {
		c.Firewall.AddressSet = "c2-deny-set"
	}
	if c.Firewall.PolicyName == "" {
		c.Firewall.PolicyName = "deny-to-c2-set"
	}
	if c.Firewall.PolicyAction == "" {
		c.Firewall.PolicyAction = "deny"
	}
	if c.Firewall.FromZone == "" {
		c.Firewall.FromZone = "trust"
	}
	if c.Firewall.ToZone == "" {
		c.Firewall.ToZone = "untrust"
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 1
	}
	if c.Breaker.TimeoutSec == 0 {
		c.Breaker.TimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "./log"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 7
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "c2block"
	}
}

func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.Feed.TimeoutMs) * time.Millisecond
}

func (c *Config) FirewallTimeout() time.Duration {
	return time.Duration(c.Firewall.TimeoutMs) * time.Millisecond
}

func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutSec) * time.Second
}

// Validate checks settings needed by every command. Credentials are checked
// by the commands that talk to the feed or the firewall.
func (c *Config) Validate() error {
	if c.Records.RetentionDays < 1 {
		return errors.New("records.retention_days must be >= 1")
	}
	if !strings.Contains(c.Records.OutputPattern, "{date}") {
		return errors.New("records.output_pattern must contain {date}")
	}
	if c.Feed.MaxPages < 1 {
		return errors.New("feed.max_pages must be >= 1")
	}
	switch c.Firewall.PolicyAction {
	case "deny", "permit":
	default:
		return errors.New("firewall.policy_action must be 'deny' or 'permit'")
	}
	switch c.Firewall.Scheme {
	case "http", "https":
	default:
		return errors.New("firewall.scheme must be 'http' or 'https'")
	}
	if c.Firewall.Port < 0 || c.Firewall.Port > 65535 {
		return errors.New("firewall.port must be in [0,65535]")
	}
	if c.Firewall.MaxRPS < 0 {
		return errors.New("firewall.max_rps must be >= 0")
	}
	for _, e := range c.Allowlist.Entries {
		if _, err := netip.ParsePrefix(e); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(e); err != nil {
			return fmt.Errorf("allowlist entry %q is not an IP or CIDR", e)
		}
	}
	return nil
}

// ValidateFeed reports whether the feed can be queried.
func (c *Config) ValidateFeed() error {
	if c.Feed.APIKey == "" {
		return errors.New("CRIMINALIP_API_KEY is not set")
	}
	return nil
}

// ValidateFirewall reports whether the firewall can be reached.
func (c *Config) ValidateFirewall() error {
	if c.Firewall.Host == "" {
		return errors.New("firewall.host required")
	}
	if c.Firewall.Port == 0 {
		return errors.New("firewall.port required")
	}
	if c.Firewall.User == "" || c.Firewall.Password == "" {
		return errors.New("FIREWALL_USER and FIREWALL_PASSWORD must be set")
	}
	return nil
}
