// Package config defines all configuration for the execution robot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ROBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Robot      RobotConfig      `mapstructure:"robot"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Journal    JournalConfig    `mapstructure:"journal"`
	KillSwitch KillSwitchConfig `mapstructure:"kill_switch"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RobotConfig identifies what this engine process trades.
// One engine process runs one stream on one execution instrument per
// trading day; the journal and incident directories assume that
// single-writer model.
type RobotConfig struct {
	Stream              string `mapstructure:"stream"`               // e.g. "NY1"
	TradingDate         string `mapstructure:"trading_date"`         // "2006-01-02"; empty = today (UTC)
	CanonicalInstrument string `mapstructure:"canonical_instrument"` // e.g. "ES"
	ExecutionInstrument string `mapstructure:"execution_instrument"` // e.g. "MES"
	ContractMultiplier  string `mapstructure:"contract_multiplier"`  // dollars per point, e.g. "5"
	Source              string `mapstructure:"source"`               // policy source tag
}

// BrokerConfig tunes the simulation broker and the adapter's safety
// timings.
//
//   - Account: simulation account identifier used in snapshots.
//   - ProtectiveRetries / ProtectiveBackoff: bounded retry for stop and
//     target placement after an entry fill.
//   - WatchdogTimeout: how long a filled entry may sit without both
//     protective legs acknowledged before the fail-closed path runs.
//   - MismatchLogInterval: per-instrument throttle on instrument-mismatch
//     block logging.
type BrokerConfig struct {
	Account             string        `mapstructure:"account"`
	ProtectiveRetries   int           `mapstructure:"protective_retries"`
	ProtectiveBackoff   time.Duration `mapstructure:"protective_backoff"`
	WatchdogTimeout     time.Duration `mapstructure:"watchdog_timeout"`
	MismatchLogInterval time.Duration `mapstructure:"mismatch_log_interval"`
}

// ScheduleConfig is the static schedule view the risk gate consults.
// Sessions map a session name to its allowed slot-end times
// (Chicago-local "HH:MM"). Armed reflects whether the stream may trade;
// a stand-down clears it until manual re-arming.
type ScheduleConfig struct {
	Sessions map[string][]string `mapstructure:"sessions"`
	Armed    bool                `mapstructure:"armed"`
}

// JournalConfig sets where execution journals and incident records are
// persisted.
type JournalConfig struct {
	DataDir     string `mapstructure:"data_dir"`     // journal directory, default data/execution_journals
	IncidentDir string `mapstructure:"incident_dir"` // incident directory, default data/execution_incidents
}

// KillSwitchConfig locates the process-wide kill-switch file.
type KillSwitchConfig struct {
	Path     string        `mapstructure:"path"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NotifyConfig points priority-tiered operator notifications at a webhook.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// APIConfig controls the operational event-stream server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ROBOT_WEBHOOK_URL, ROBOT_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ROBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("ROBOT_WEBHOOK_URL"); url != "" {
		cfg.Notify.WebhookURL = url
	}
	if os.Getenv("ROBOT_DRY_RUN") == "true" || os.Getenv("ROBOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Robot.TradingDate == "" {
		c.Robot.TradingDate = time.Now().UTC().Format("2006-01-02")
	}
	if c.Broker.ProtectiveRetries == 0 {
		c.Broker.ProtectiveRetries = 3
	}
	if c.Broker.ProtectiveBackoff == 0 {
		c.Broker.ProtectiveBackoff = 100 * time.Millisecond
	}
	if c.Broker.WatchdogTimeout == 0 {
		c.Broker.WatchdogTimeout = 10 * time.Second
	}
	if c.Broker.MismatchLogInterval == 0 {
		c.Broker.MismatchLogInterval = time.Minute
	}
	if c.KillSwitch.Path == "" {
		c.KillSwitch.Path = "configs/robot/kill_switch.json"
	}
	if c.KillSwitch.CacheTTL == 0 {
		c.KillSwitch.CacheTTL = 5 * time.Second
	}
	if c.Journal.DataDir == "" {
		c.Journal.DataDir = "data/execution_journals"
	}
	if c.Journal.IncidentDir == "" {
		c.Journal.IncidentDir = "data/execution_incidents"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 5 * time.Second
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Robot.Stream == "" {
		return fmt.Errorf("robot.stream is required")
	}
	if c.Robot.CanonicalInstrument == "" {
		return fmt.Errorf("robot.canonical_instrument is required")
	}
	if c.Robot.ExecutionInstrument == "" {
		return fmt.Errorf("robot.execution_instrument is required")
	}
	if _, err := time.Parse("2006-01-02", c.Robot.TradingDate); err != nil {
		return fmt.Errorf("robot.trading_date must be YYYY-MM-DD: %w", err)
	}
	if c.Broker.Account == "" {
		return fmt.Errorf("broker.account is required")
	}
	if len(c.Schedule.Sessions) == 0 {
		return fmt.Errorf("schedule.sessions must name at least one session")
	}
	for session, slots := range c.Schedule.Sessions {
		for _, slot := range slots {
			if _, err := time.Parse("15:04", slot); err != nil {
				return fmt.Errorf("schedule.sessions[%s]: bad slot %q (want HH:MM)", session, slot)
			}
		}
	}
	if c.Notify.WebhookURL == "" && !c.DryRun {
		return fmt.Errorf("notify.webhook_url is required outside dry-run (set ROBOT_WEBHOOK_URL)")
	}
	return nil
}
