// Package config provides YAML-based configuration loading for mercado.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets in the file.
const (
	EnvSlackBotToken   = "MERCADO_SLACK_BOT_TOKEN"
	EnvDiscordBotToken = "MERCADO_DISCORD_BOT_TOKEN"
	EnvJournalDSN      = "MERCADO_JOURNAL_DSN"
)

// Config is the top-level mercado configuration, loaded from mercado.yaml.
type Config struct {
	Endpoint     EndpointConfig     `yaml:"endpoint"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Journal      JournalConfig      `yaml:"journal"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Digest       DigestConfig       `yaml:"digest"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Feed         FeedConfig         `yaml:"feed"`
	Sim          SimConfig          `yaml:"sim"`
	Agents       []AgentConfig      `yaml:"agents"`
	Log          LogConfig          `yaml:"log"`
}

// EndpointConfig is applied to every agent endpoint. Zero values keep the
// endpoint defaults.
type EndpointConfig struct {
	MaxNegotiations int           `yaml:"max_negotiations"`
	MaxAlliances    int           `yaml:"max_alliances"`
	MaxRounds       int           `yaml:"max_rounds"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	NegotiationTTL  time.Duration `yaml:"negotiation_ttl"`
	Tolerance       float64       `yaml:"tolerance"`
	SignalHistory   int           `yaml:"signal_history"`
	NoticeHistory   int           `yaml:"notice_history"`
	SpamLimit       int           `yaml:"spam_limit"`
	SpamWindow      time.Duration `yaml:"spam_window"`
	SpamPenalty     float64       `yaml:"spam_penalty"`
}

// OrchestratorConfig tunes the coordination cycle.
type OrchestratorConfig struct {
	Interval               time.Duration `yaml:"interval"`
	RouteBatch             int           `yaml:"route_batch"`
	HistorySize            int           `yaml:"history_size"`
	MediationRounds        int           `yaml:"mediation_rounds"`
	SuggestionLimit        int           `yaml:"suggestion_limit"`
	EfficiencyFloor        float64       `yaml:"efficiency_floor"`
	ConcentrationThreshold float64       `yaml:"concentration_threshold"`
	AsymmetryThreshold     float64       `yaml:"asymmetry_threshold"`
	ManipulationRatio      float64       `yaml:"manipulation_ratio"`
	SignalMinConfidence    float64       `yaml:"signal_min_confidence"`
	SignalMinIntensity     float64       `yaml:"signal_min_intensity"`
	AllianceCooldown       time.Duration `yaml:"alliance_cooldown"`
	SummaryEvery           uint64        `yaml:"summary_every"`
}

// JournalConfig selects the audit-log database.
type JournalConfig struct {
	Disabled bool   `yaml:"disabled"`
	Driver   string `yaml:"driver"` // sqlite or mysql
	DSN      string `yaml:"dsn"`

	// MySQL connection parts, used when DSN is empty.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
}

// DashboardConfig configures the read-only HTTP API.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AlertsConfig configures operator notifications.
type AlertsConfig struct {
	MinSeverity string        `yaml:"min_severity"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Buffer      int           `yaml:"buffer"`
	Slack       ChannelConfig `yaml:"slack"`
	Discord     ChannelConfig `yaml:"discord"`
}

// ChannelConfig is one chat platform. Tokens are normally supplied through
// the environment.
type ChannelConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the channel is configured.
func (c ChannelConfig) Enabled() bool { return c.ChannelID != "" }

// DigestConfig schedules the market digest and journal pruning.
type DigestConfig struct {
	Schedule      string        `yaml:"schedule"`
	Window        time.Duration `yaml:"window"`
	PruneSchedule string        `yaml:"prune_schedule"`
	Retention     time.Duration `yaml:"retention"`
	ChannelID     string        `yaml:"channel_id"`
	SendIdle      bool          `yaml:"send_idle"`
}

// TelemetryConfig configures OTLP metric export. An empty endpoint keeps
// metrics in-process.
type TelemetryConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

// FeedConfig configures the synthetic market feed.
type FeedConfig struct {
	Seed    int64        `yaml:"seed"`
	Step    float64      `yaml:"step"`
	Octaves int          `yaml:"octaves"`
	Goods   []GoodConfig `yaml:"goods"`
}

// GoodConfig describes one synthetic good.
type GoodConfig struct {
	Name      string  `yaml:"name"`
	Base      float64 `yaml:"base"`
	Amplitude float64 `yaml:"amplitude"`
	Demand    float64 `yaml:"demand"`
	Supply    float64 `yaml:"supply"`
}

// SimConfig configures the demo driver.
type SimConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Seed               int64         `yaml:"seed"`
	Interval           time.Duration `yaml:"interval"`
	NegotiateChance    float64       `yaml:"negotiate_chance"`
	SignalChance       float64       `yaml:"signal_chance"`
	ProposalChance     float64       `yaml:"proposal_chance"`
	CoordinationChance float64       `yaml:"coordination_chance"`
	ShockChance        float64       `yaml:"shock_chance"`
	ShockFactor        float64       `yaml:"shock_factor"`
}

// AgentConfig registers one agent at startup.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, text, json
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: the demo
// driver trades on an in-memory journal.
func Default() *Config {
	cfg := &Config{Sim: SimConfig{Enabled: true}}
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	return cfg
}

// Marshal renders the configuration as YAML with secrets masked.
func (c *Config) Marshal() ([]byte, error) {
	masked := *c
	masked.Alerts.Slack.BotToken = mask(c.Alerts.Slack.BotToken)
	masked.Alerts.Discord.BotToken = mask(c.Alerts.Discord.BotToken)
	masked.Journal.DSN = mask(c.Journal.DSN)
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	return out, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite"
	}
	if c.Journal.Driver == "mysql" {
		if c.Journal.Host == "" {
			c.Journal.Host = "127.0.0.1"
		}
		if c.Journal.Port == 0 {
			c.Journal.Port = 3306
		}
		if c.Journal.User == "" {
			c.Journal.User = "root"
		}
		if c.Journal.Database == "" {
			c.Journal.Database = "mercado"
		}
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Alerts.MinSeverity == "" {
		c.Alerts.MinSeverity = "warning"
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = 5 * time.Minute
	}
	if c.Digest.Window == 0 {
		c.Digest.Window = 24 * time.Hour
	}
	if c.Digest.PruneSchedule != "" && c.Digest.Retention == 0 {
		c.Digest.Retention = 7 * 24 * time.Hour
	}
	if c.Sim.Interval == 0 {
		c.Sim.Interval = 2 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	for i := range c.Agents {
		if c.Agents[i].Role == "" {
			c.Agents[i].Role = "other"
		}
	}
}

// applyEnv lets the environment supply secrets so they stay out of the file.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvSlackBotToken); v != "" {
		c.Alerts.Slack.BotToken = v
	}
	if v := getenv(EnvDiscordBotToken); v != "" {
		c.Alerts.Discord.BotToken = v
	}
	if v := getenv(EnvJournalDSN); v != "" {
		c.Journal.DSN = v
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Journal.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("journal.driver must be sqlite or mysql, got %q", c.Journal.Driver))
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d out of range", c.Dashboard.Port))
	}

	switch c.Alerts.MinSeverity {
	case "info", "warning", "critical":
	default:
		errs = append(errs, fmt.Sprintf("alerts.min_severity must be info, warning or critical, got %q", c.Alerts.MinSeverity))
	}
	if c.Alerts.Slack.Enabled() && c.Alerts.Slack.BotToken == "" {
		errs = append(errs, "alerts.slack.bot_token is required (or set "+EnvSlackBotToken+")")
	}
	if c.Alerts.Discord.Enabled() && c.Alerts.Discord.BotToken == "" {
		errs = append(errs, "alerts.discord.bot_token is required (or set "+EnvDiscordBotToken+")")
	}

	if c.Digest.Schedule != "" {
		if _, err := cronParser.Parse(c.Digest.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("digest.schedule: %v", err))
		}
	}
	if c.Digest.PruneSchedule != "" {
		if _, err := cronParser.Parse(c.Digest.PruneSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("digest.prune_schedule: %v", err))
		}
	}
	if c.Digest.Schedule != "" && !c.Alerts.Slack.Enabled() && !c.Alerts.Discord.Enabled() {
		errs = append(errs, "digest.schedule needs at least one alert channel")
	}

	if o := c.Orchestrator; o.EfficiencyFloor < 0 || o.EfficiencyFloor > 1 {
		errs = append(errs, "orchestrator.efficiency_floor must be in [0,1]")
	}
	if e := c.Endpoint; e.Tolerance < 0 || e.Tolerance >= 1 {
		errs = append(errs, "endpoint.tolerance must be in [0,1)")
	}

	goods := make(map[string]bool, len(c.Feed.Goods))
	for i, g := range c.Feed.Goods {
		if g.Name == "" {
			errs = append(errs, fmt.Sprintf("feed.goods[%d].name is required", i))
		} else if goods[g.Name] {
			errs = append(errs, fmt.Sprintf("feed.goods[%d]: duplicate good %q", i, g.Name))
		}
		goods[g.Name] = true
		if g.Base <= 0 {
			errs = append(errs, fmt.Sprintf("feed.goods[%d].base must be positive", i))
		}
		if g.Amplitude < 0 || g.Amplitude >= 1 {
			errs = append(errs, fmt.Sprintf("feed.goods[%d].amplitude must be in [0,1)", i))
		}
	}

	ids := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
		} else if ids[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate id %q", i, a.ID))
		}
		ids[a.ID] = true
		switch a.Role {
		case "consumer", "firm", "other":
		default:
			errs = append(errs, fmt.Sprintf("agents[%d].role must be consumer, firm or other, got %q", i, a.Role))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be auto, text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
