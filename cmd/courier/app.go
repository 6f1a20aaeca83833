package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/agent"
	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/channel/discord"
	"github.com/zulandar/courier/internal/channel/email"
	"github.com/zulandar/courier/internal/channel/github"
	"github.com/zulandar/courier/internal/channel/slack"
	"github.com/zulandar/courier/internal/channel/webhook"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/dispatcher"
	"github.com/zulandar/courier/internal/lock"
	"github.com/zulandar/courier/internal/metrics"
	"github.com/zulandar/courier/internal/producer"
	"github.com/zulandar/courier/internal/store"
)

const defaultConfigPath = "courier.yaml"

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to courier config file")
}

// loadConfig reads .env next to the config file, then the config itself.
func loadConfig(configPath string) (*config.Config, error) {
	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore connects to the configured database and returns the result store.
func openStore(cfg *config.Config) (*store.Store, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	return store.New(gormDB)
}

func connectFromConfig(configPath string) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	s, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

// newChannel builds the configured notification channel.
func newChannel(cfg config.ChannelConfig) (channel.Channel, error) {
	switch cfg.Type {
	case config.ChannelSlack:
		return asChannel(slack.New(slack.Options{
			BotToken:   cfg.Slack.BotToken,
			ChannelID:  cfg.Slack.ChannelID,
			WebhookURL: cfg.Slack.WebhookURL,
		}))
	case config.ChannelDiscord:
		return asChannel(discord.New(discord.Options{
			BotToken:   cfg.Discord.BotToken,
			ChannelID:  cfg.Discord.ChannelID,
			WebhookURL: cfg.Discord.WebhookURL,
		}))
	case config.ChannelGitHub:
		return asChannel(github.New(github.Options{
			Token:   cfg.GitHub.Token,
			Owner:   cfg.GitHub.Owner,
			Repo:    cfg.GitHub.Repo,
			Labels:  cfg.GitHub.Labels,
			BaseURL: cfg.GitHub.BaseURL,
		}))
	case config.ChannelEmail:
		return asChannel(email.New(email.Options{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		}))
	case config.ChannelWebhook:
		return asChannel(webhook.New(webhook.Options{
			URL:        cfg.Webhook.URL,
			Headers:    cfg.Webhook.Headers,
			Timeout:    time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
			RetryLimit: cfg.Webhook.RetryLimit,
		}))
	default:
		return nil, fmt.Errorf("unsupported channel type %q", cfg.Type)
	}
}

// asChannel drops a typed nil so callers never see a non-nil Channel with an error.
func asChannel[T channel.Channel](c T, err error) (channel.Channel, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newProducer(cfg *config.Config, s *store.Store, m *metrics.Metrics, out io.Writer) (*producer.Producer, error) {
	client, err := agent.New(agent.Options{
		Endpoint:  cfg.Agent.Endpoint,
		Token:     cfg.Agent.Token,
		TokenType: cfg.Agent.TokenType,
		Timeout:   time.Duration(cfg.Agent.TimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return producer.New(producer.Options{
		Name:         cfg.Producer.Name,
		Prompt:       cfg.Producer.Prompt,
		Title:        cfg.Producer.Title,
		AnalysisType: cfg.Producer.AnalysisType,
		Agent:        client,
		Store:        s,
		Metrics:      m,
		Out:          out,
	})
}

func newDispatcher(cfg *config.Config, s *store.Store, m *metrics.Metrics, out io.Writer) (*dispatcher.Dispatcher, error) {
	ch, err := newChannel(cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	return dispatcher.New(dispatcher.Options{
		Store:        s,
		Channel:      ch,
		BatchSize:    cfg.Dispatcher.BatchSize,
		ClaimTimeout: time.Duration(cfg.Dispatcher.ClaimTimeoutSec) * time.Second,
		Metrics:      m,
		Out:          out,
	})
}

// newLocker returns the Redis run lock when configured, else an in-process one.
func newLocker(cfg config.LockConfig) (lock.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocal(), nil
	}
	return lock.NewRedis(lock.RedisOptions{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.KeyPrefix,
		TTL:       time.Duration(cfg.TTLSec) * time.Second,
	})
}
