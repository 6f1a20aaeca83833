// Package config provides YAML-based configuration loading for courier.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported channel types.
const (
	ChannelSlack   = "slack"
	ChannelDiscord = "discord"
	ChannelGitHub  = "github"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Config is the top-level courier configuration, loaded from courier.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Agent      AgentConfig      `yaml:"agent"`
	Producer   ProducerConfig   `yaml:"producer"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Channel    ChannelConfig    `yaml:"channel"`
	Server     ServerConfig     `yaml:"server"`
	Lock       LockConfig       `yaml:"lock"`
}

// DatabaseConfig selects the result store backend. Driver "sqlite" uses Path;
// driver "mysql" uses DSN when set, otherwise Host/Port/Database/User/Password.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// AgentConfig holds connection settings for the remote agent endpoint.
type AgentConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Token      string `yaml:"token"`
	TokenType  string `yaml:"token_type"` // PROGRAMMATIC_ACCESS_TOKEN or OAUTH
	TimeoutSec int    `yaml:"timeout_sec"`
}

// ProducerConfig controls the scheduled job that asks the agent.
type ProducerConfig struct {
	Name         string `yaml:"name"`
	Schedule     string `yaml:"schedule"`
	Prompt       string `yaml:"prompt"` // text/template
	Title        string `yaml:"title"`  // text/template
	AnalysisType string `yaml:"analysis_type"`
}

// DispatcherConfig controls the scheduled job that delivers results.
type DispatcherConfig struct {
	Schedule        string `yaml:"schedule"`
	BatchSize       int    `yaml:"batch_size"`
	ClaimTimeoutSec int    `yaml:"claim_timeout_sec"`
}

// ChannelConfig selects and configures the notification channel.
type ChannelConfig struct {
	Type    string        `yaml:"type"`
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	GitHub  GitHubConfig  `yaml:"github"`
	Email   EmailConfig   `yaml:"email"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig holds Slack credentials. WebhookURL takes precedence over
// BotToken/ChannelID when both are set.
type SlackConfig struct {
	BotToken   string `yaml:"bot_token"`
	ChannelID  string `yaml:"channel_id"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig holds Discord credentials. WebhookURL takes precedence over
// BotToken/ChannelID when both are set.
type DiscordConfig struct {
	BotToken   string `yaml:"bot_token"`
	ChannelID  string `yaml:"channel_id"`
	WebhookURL string `yaml:"webhook_url"`
}

// GitHubConfig configures issue-based delivery.
type GitHubConfig struct {
	Token   string   `yaml:"token"`
	Owner   string   `yaml:"owner"`
	Repo    string   `yaml:"repo"`
	Labels  []string `yaml:"labels"`
	BaseURL string   `yaml:"base_url"` // GitHub Enterprise API root; empty for github.com
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// WebhookConfig configures a generic JSON webhook.
type WebhookConfig struct {
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	TimeoutSec int               `yaml:"timeout_sec"`
	RetryLimit int               `yaml:"retry_limit"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LockConfig enables a cross-process run lock. Without RedisAddr only the
// in-process overlap guard applies.
type LockConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	TTLSec        int    `yaml:"ttl_sec"`
}

// secrets are environment overrides for credentials that should not live
// in the YAML file.
type secrets struct {
	AgentToken        string `env:"COURIER_AGENT_TOKEN"`
	DatabaseDSN       string `env:"COURIER_DATABASE_DSN"`
	SlackBotToken     string `env:"COURIER_SLACK_BOT_TOKEN"`
	SlackWebhookURL   string `env:"COURIER_SLACK_WEBHOOK_URL"`
	DiscordBotToken   string `env:"COURIER_DISCORD_BOT_TOKEN"`
	DiscordWebhookURL string `env:"COURIER_DISCORD_WEBHOOK_URL"`
	GitHubToken       string `env:"COURIER_GITHUB_TOKEN"`
	SMTPPassword      string `env:"COURIER_SMTP_PASSWORD"`
	RedisPassword     string `env:"COURIER_REDIS_PASSWORD"`
}

// Load reads a YAML config file from path and returns a validated Config.
// Environment overrides are read from the process environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Parse unmarshals YAML bytes into a validated Config, applying overrides
// from the process environment.
func Parse(data []byte) (*Config, error) {
	return ParseWithEnv(data, nil)
}

// ParseWithEnv is Parse with an explicit environment. A nil environ means
// the process environment.
func ParseWithEnv(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays non-empty secrets from the environment.
func (c *Config) applyEnv(environ map[string]string) error {
	var s secrets
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&c.Agent.Token, s.AgentToken)
	overlay(&c.Database.DSN, s.DatabaseDSN)
	overlay(&c.Channel.Slack.BotToken, s.SlackBotToken)
	overlay(&c.Channel.Slack.WebhookURL, s.SlackWebhookURL)
	overlay(&c.Channel.Discord.BotToken, s.DiscordBotToken)
	overlay(&c.Channel.Discord.WebhookURL, s.DiscordWebhookURL)
	overlay(&c.Channel.GitHub.Token, s.GitHubToken)
	overlay(&c.Channel.Email.Password, s.SMTPPassword)
	overlay(&c.Lock.RedisPassword, s.RedisPassword)
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "courier.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Agent.TokenType == "" {
		c.Agent.TokenType = "PROGRAMMATIC_ACCESS_TOKEN"
	}
	if c.Agent.TimeoutSec == 0 {
		c.Agent.TimeoutSec = 300
	}
	if c.Producer.Name == "" {
		c.Producer.Name = "producer"
	}
	if c.Producer.Schedule == "" {
		c.Producer.Schedule = "0 8 * * *"
	}
	if c.Producer.Title == "" {
		c.Producer.Title = "Agent report {{.Date}}"
	}
	if c.Producer.AnalysisType == "" {
		c.Producer.AnalysisType = "scheduled"
	}
	if c.Dispatcher.Schedule == "" {
		c.Dispatcher.Schedule = "*/15 * * * *"
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 1
	}
	if c.Dispatcher.ClaimTimeoutSec == 0 {
		c.Dispatcher.ClaimTimeoutSec = 600
	}
	if c.Channel.Email.Port == 0 {
		c.Channel.Email.Port = 587
	}
	if c.Channel.Webhook.TimeoutSec == 0 {
		c.Channel.Webhook.TimeoutSec = 10
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Lock.KeyPrefix == "" {
		c.Lock.KeyPrefix = "courier:lock:"
	}
	if c.Lock.TTLSec == 0 {
		c.Lock.TTLSec = 900
	}
}

// DispatcherJobName is the scheduler job name reserved for the dispatcher.
const DispatcherJobName = "dispatcher"

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.DSN == "" && c.Database.Database == "" {
			errs = append(errs, "database.database is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}

	if c.Agent.Endpoint == "" {
		errs = append(errs, "agent.endpoint is required")
	}
	if c.Agent.Token == "" {
		errs = append(errs, "agent.token is required (or set COURIER_AGENT_TOKEN)")
	}
	if c.Agent.TokenType != "PROGRAMMATIC_ACCESS_TOKEN" && c.Agent.TokenType != "OAUTH" {
		errs = append(errs, fmt.Sprintf("agent.token_type %q must be PROGRAMMATIC_ACCESS_TOKEN or OAUTH", c.Agent.TokenType))
	}
	if c.Agent.TimeoutSec < 0 {
		errs = append(errs, "agent.timeout_sec must be positive")
	}

	if c.Producer.Name == DispatcherJobName {
		errs = append(errs, fmt.Sprintf("producer.name %q is reserved for the dispatcher job", DispatcherJobName))
	}
	if strings.TrimSpace(c.Producer.Prompt) == "" {
		errs = append(errs, "producer.prompt is required")
	}
	if _, err := cron.ParseStandard(c.Producer.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("producer.schedule %q: %v", c.Producer.Schedule, err))
	}
	if _, err := cron.ParseStandard(c.Dispatcher.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("dispatcher.schedule %q: %v", c.Dispatcher.Schedule, err))
	}
	if c.Dispatcher.BatchSize < 1 {
		errs = append(errs, "dispatcher.batch_size must be at least 1")
	}
	if c.Dispatcher.ClaimTimeoutSec < 0 {
		errs = append(errs, "dispatcher.claim_timeout_sec must be positive")
	}

	// A lease shorter than the agent call could expire mid-run.
	if c.Lock.TTLSec < c.Agent.TimeoutSec {
		errs = append(errs, fmt.Sprintf("lock.ttl_sec (%d) must be at least agent.timeout_sec (%d)", c.Lock.TTLSec, c.Agent.TimeoutSec))
	}

	errs = append(errs, c.Channel.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (ch *ChannelConfig) validate() []string {
	var errs []string
	switch ch.Type {
	case ChannelSlack:
		if ch.Slack.WebhookURL == "" && (ch.Slack.BotToken == "" || ch.Slack.ChannelID == "") {
			errs = append(errs, "channel.slack needs webhook_url or bot_token and channel_id")
		}
	case ChannelDiscord:
		if ch.Discord.WebhookURL == "" && (ch.Discord.BotToken == "" || ch.Discord.ChannelID == "") {
			errs = append(errs, "channel.discord needs webhook_url or bot_token and channel_id")
		}
	case ChannelGitHub:
		if ch.GitHub.Token == "" {
			errs = append(errs, "channel.github.token is required")
		}
		if ch.GitHub.Owner == "" || ch.GitHub.Repo == "" {
			errs = append(errs, "channel.github.owner and channel.github.repo are required")
		}
	case ChannelEmail:
		if ch.Email.Host == "" {
			errs = append(errs, "channel.email.host is required")
		}
		if ch.Email.From == "" {
			errs = append(errs, "channel.email.from is required")
		}
		if len(ch.Email.To) == 0 {
			errs = append(errs, "channel.email.to needs at least one recipient")
		}
	case ChannelWebhook:
		if ch.Webhook.URL == "" {
			errs = append(errs, "channel.webhook.url is required")
		}
	case "":
		errs = append(errs, "channel.type is required")
	default:
		errs = append(errs, fmt.Sprintf("channel.type %q is not supported", ch.Type))
	}
	return errs
}
