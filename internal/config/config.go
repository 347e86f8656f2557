package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"disputable-values-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Monitor   MonitorConfig             `mapstructure:"monitor"`
	Chains    map[string]ChainConfig    `mapstructure:"chains"`
	Feeds     FeedsConfig               `mapstructure:"feeds"`
	Reference ReferenceConfig           `mapstructure:"reference"`
	Alerting  AlertingConfig            `mapstructure:"alerting"`
	Disputer  DisputerConfig            `mapstructure:"disputer"`
	Reporters ReportersConfig           `mapstructure:"reporters"`
	Contracts ContractMonitorConfig     `mapstructure:"contract_monitor"`
	Export    ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MonitorConfig governs the polling loop.
type MonitorConfig struct {
	Wait                time.Duration `mapstructure:"wait"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	AllValues           bool          `mapstructure:"all_values"`
	DisplaySize         int           `mapstructure:"display_size"`
	DisplayCSV          string        `mapstructure:"display_csv"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
}

// ChainConfig describes one watched EVM network.
type ChainConfig struct {
	RPCURL      string `mapstructure:"rpc_url"`
	ExplorerURL string `mapstructure:"explorer_url"`
	// Contract addresses on this chain. Empty entries are skipped when polling.
	Oracle     string `mapstructure:"oracle"`
	Oracle360  string `mapstructure:"oracle_360"`
	Governance string `mapstructure:"governance"`
	Token      string `mapstructure:"token"`
}

// FeedsConfig points at the per-cycle reloadable feed policy files.
type FeedsConfig struct {
	MonitoredPath  string `mapstructure:"monitored_path"`
	ManagedPath    string `mapstructure:"managed_path"`
	DisputeAllPath string `mapstructure:"dispute_all_path"`
}

// ReferenceConfig covers the external reference price source.
type ReferenceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert channels and their credentials.
type AlertingConfig struct {
	Channels []string     `mapstructure:"channels"`
	Twilio   TwilioConfig `mapstructure:"twilio"`
	Email    EmailConfig  `mapstructure:"email"`
	Slack    SlackConfig  `mapstructure:"slack"`
}

// TwilioConfig 描述 SMS 告警参数。
type TwilioConfig struct {
	AccountSID string   `mapstructure:"account_sid"`
	AuthToken  string   `mapstructure:"auth_token"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
	APIBase    string   `mapstructure:"api_base"`
	Mock       bool     `mapstructure:"mock"`
}

// EmailConfig covers SMTP delivery for member and team distribution lists.
type EmailConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	From           string   `mapstructure:"from"`
	Recipients     []string `mapstructure:"recipients"`
	TeamRecipients []string `mapstructure:"team_recipients"`
	Mock           bool     `mapstructure:"mock"`
}

// SlackConfig holds the severity-tiered webhook endpoints.
type SlackConfig struct {
	WebhookHigh string `mapstructure:"webhook_high"`
	WebhookMid  string `mapstructure:"webhook_mid"`
	WebhookLow  string `mapstructure:"webhook_low"`
	Mock        bool   `mapstructure:"mock"`
}

// DisputerConfig controls on-chain dispute/removal submission.
type DisputerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Account       string `mapstructure:"account"`
	PrivateKey    string `mapstructure:"private_key"`
	GasMultiplier int    `mapstructure:"gas_multiplier"`
}

// ReportersConfig tracks reporter liveness and balances.
// Intervals and balance thresholds are zipped positionally with Addresses.
type ReportersConfig struct {
	Addresses         []string `mapstructure:"addresses"`
	ReportIntervals   []int    `mapstructure:"report_intervals"`
	BalanceThresholds []int64  `mapstructure:"balance_thresholds"`
	// GasBalanceThreshold is the native-coin floor (in whole coins) below
	// which a reporter account is flagged as unable to pay for gas.
	GasBalanceThreshold float64       `mapstructure:"gas_balance_threshold"`
	TimeMargin          time.Duration `mapstructure:"time_margin"`
	Silence             SilenceConfig `mapstructure:"silence"`
}

// SilenceConfig tunes the "all reporters stopped" state machine.
type SilenceConfig struct {
	PriceChangePct float64       `mapstructure:"price_change_pct"`
	TimeLimit      time.Duration `mapstructure:"time_limit"`
	AlertAfter     time.Duration `mapstructure:"alert_after"`
}

// ContractMonitorConfig drives the reverted-transaction sweeper.
type ContractMonitorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ChainID    uint64        `mapstructure:"chain_id"`
	Addresses  []string      `mapstructure:"addresses"`
	StartBlock uint64        `mapstructure:"start_block"`
	Interval   time.Duration `mapstructure:"interval"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ReporterProfile is one reporter address with its zipped settings resolved.
type ReporterProfile struct {
	Address          string
	ReportInterval   time.Duration
	BalanceThreshold int64
}

const (
	defaultReportInterval   = 30 * time.Minute
	defaultBalanceThreshold = int64(200)
)

// Profiles zips addresses with intervals and thresholds. Length mismatches fall
// back to safe defaults and are reported as warnings instead of failing.
func (r ReportersConfig) Profiles() ([]ReporterProfile, []string) {
	var warnings []string

	intervals := r.ReportIntervals
	if len(intervals) != len(r.Addresses) {
		if len(r.Addresses) > 0 {
			warnings = append(warnings, fmt.Sprintf(
				"report_intervals not aligned with addresses, defaulting to %s for each reporter", defaultReportInterval))
		}
		intervals = nil
	}

	thresholds := r.BalanceThresholds
	if len(thresholds) != len(r.Addresses) {
		if len(r.Addresses) > 0 {
			warnings = append(warnings, fmt.Sprintf(
				"balance_thresholds not aligned with addresses, defaulting to %d tokens for each reporter", defaultBalanceThreshold))
		}
		thresholds = nil
	}

	profiles := make([]ReporterProfile, 0, len(r.Addresses))
	for i, addr := range r.Addresses {
		profile := ReporterProfile{
			Address:          strings.TrimSpace(addr),
			ReportInterval:   defaultReportInterval,
			BalanceThreshold: defaultBalanceThreshold,
		}
		if intervals != nil {
			profile.ReportInterval = time.Duration(intervals[i]) * time.Second
		}
		if thresholds != nil {
			profile.BalanceThreshold = thresholds[i]
		}
		profiles = append(profiles, profile)
	}
	return profiles, warnings
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dvm")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "log.txt")

	v.SetDefault("monitor.wait", "30s")
	v.SetDefault("monitor.startup_delay", "0s")
	v.SetDefault("monitor.confidence_threshold", 0.1)
	v.SetDefault("monitor.all_values", false)
	v.SetDefault("monitor.display_size", 10)
	v.SetDefault("monitor.display_csv", "table.csv")
	v.SetDefault("monitor.request_timeout", "10s")

	v.SetDefault("feeds.monitored_path", "disputer-config.yaml")
	v.SetDefault("feeds.managed_path", "managed-feeds.yaml")
	v.SetDefault("feeds.dispute_all_path", "disputer-config.yaml")

	v.SetDefault("reference.request_timeout", "10s")
	v.SetDefault("reference.user_agent", "dvm/1.0")

	v.SetDefault("alerting.channels", []string{})
	v.SetDefault("alerting.twilio.api_base", "https://api.twilio.com")

	v.SetDefault("disputer.enabled", false)
	v.SetDefault("disputer.gas_multiplier", 1)

	v.SetDefault("reporters.gas_balance_threshold", 0.1)
	v.SetDefault("reporters.time_margin", "60s")
	v.SetDefault("reporters.silence.price_change_pct", 1.0)
	v.SetDefault("reporters.silence.time_limit", "1h")
	v.SetDefault("reporters.silence.alert_after", "30m")

	v.SetDefault("contract_monitor.enabled", false)
	v.SetDefault("contract_monitor.interval", "30s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
// Only unrecoverable startup conditions fail here; per-cycle issues are
// handled by the monitor loop.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	for id, chain := range c.Chains {
		if chain.RPCURL == "" {
			return fmt.Errorf("chains.%s.rpc_url 必须配置", id)
		}
	}
	if c.Monitor.Wait <= 0 {
		return fmt.Errorf("monitor.wait must be greater than zero")
	}
	if c.Monitor.DisplaySize <= 0 {
		return fmt.Errorf("monitor.display_size must be greater than zero")
	}
	if c.Feeds.MonitoredPath == "" {
		return fmt.Errorf("feeds.monitored_path is required")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	for _, channel := range c.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "sms":
			if !c.Alerting.Twilio.Mock {
				if c.Alerting.Twilio.AccountSID == "" || c.Alerting.Twilio.AuthToken == "" {
					return fmt.Errorf("alerting.twilio credentials 必须配置")
				}
				if c.Alerting.Twilio.From == "" || len(c.Alerting.Twilio.Recipients) == 0 {
					return fmt.Errorf("alerting.twilio.from and recipients are required")
				}
			}
		case "email":
			if !c.Alerting.Email.Mock {
				if c.Alerting.Email.Host == "" || c.Alerting.Email.From == "" {
					return fmt.Errorf("alerting.email.host and from are required")
				}
				if len(c.Alerting.Email.Recipients) == 0 {
					return fmt.Errorf("alerting.email.recipients 必须配置")
				}
			}
		case "team_email":
			if !c.Alerting.Email.Mock && len(c.Alerting.Email.TeamRecipients) == 0 {
				return fmt.Errorf("alerting.email.team_recipients are required")
			}
		case "slack":
			if !c.Alerting.Slack.Mock && c.Alerting.Slack.WebhookHigh == "" {
				return fmt.Errorf("alerting.slack.webhook_high is required")
			}
		default:
			return fmt.Errorf("unknown alerting channel: %s", channel)
		}
	}

	if c.Disputer.Enabled && c.Disputer.Account == "" {
		return fmt.Errorf("disputer.account is required when disputing is enabled")
	}
	if c.Disputer.GasMultiplier < 0 {
		return fmt.Errorf("disputer.gas_multiplier cannot be negative")
	}
	return nil
}

// ChannelEnabled reports whether the named channel is configured.
func (c *Config) ChannelEnabled(name string) bool {
	for _, channel := range c.Alerting.Channels {
		if strings.EqualFold(strings.TrimSpace(channel), name) {
			return true
		}
	}
	return false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
