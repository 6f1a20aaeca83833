// Package discord delivers results to Discord as an embed, either through a
// bot session or an incoming webhook.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/courier/internal/channel"
)

// Name is the channel name recorded on delivered results.
const Name = "discord"

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 30 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Options configure a Discord channel. Either BotToken and ChannelID, or
// WebhookURL, must be set. WebhookURL wins when both are.
type Options struct {
	BotToken   string // Discord bot token
	ChannelID  string // channel to post to with the bot token
	WebhookURL string // https://discord.com/api/webhooks/<id>/<token>
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// Channel implements channel.Channel for Discord.
type Channel struct {
	sess         session
	channelID    string
	webhookID    string
	webhookToken string
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	now          func() time.Time
}

// New creates a Discord channel.
func New(opts Options) (*Channel, error) {
	c := &Channel{
		sess:        opts.Session,
		channelID:   opts.ChannelID,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		now:         time.Now,
	}

	switch {
	case opts.WebhookURL != "":
		id, token, err := parseWebhookURL(opts.WebhookURL)
		if err != nil {
			return nil, err
		}
		c.webhookID, c.webhookToken = id, token
		if c.sess == nil {
			dg, err := discordgo.New("")
			if err != nil {
				return nil, fmt.Errorf("discord: create session: %w", err)
			}
			c.sess = dg
		}
	case opts.BotToken != "" || opts.Session != nil:
		if opts.ChannelID == "" {
			return nil, fmt.Errorf("discord: channel_id is required with a bot token")
		}
		if c.sess == nil {
			dg, err := discordgo.New("Bot " + opts.BotToken)
			if err != nil {
				return nil, fmt.Errorf("discord: create session: %w", err)
			}
			c.sess = dg
		}
	default:
		return nil, fmt.Errorf("discord: bot token or webhook url is required")
	}
	return c, nil
}

// Name returns "discord".
func (c *Channel) Name() string { return Name }

// Deliver posts msg as a single embed.
func (c *Channel) Deliver(ctx context.Context, msg channel.Message) (channel.Ack, error) {
	embed := messageToEmbed(msg)
	var sent *discordgo.Message

	err := c.retryOnRateLimit(ctx, func() error {
		var sendErr error
		if c.webhookID != "" {
			sent, sendErr = c.sess.WebhookExecute(c.webhookID, c.webhookToken, true,
				&discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}},
				discordgo.WithContext(ctx), discordgo.WithRetryOnRatelimit(false))
			return sendErr
		}
		sent, sendErr = c.sess.ChannelMessageSendComplex(c.channelID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
			discordgo.WithContext(ctx), discordgo.WithRetryOnRatelimit(false))
		return sendErr
	})
	if err != nil {
		return channel.Ack{}, channel.Fail(Name, fmt.Errorf("send message: %w", err))
	}

	ack := channel.Ack{Channel: Name, At: c.now()}
	if sent != nil {
		ack.MessageID = sent.ID
	}
	return ack, nil
}

// messageToEmbed converts a Message to a Discord embed within Discord's
// size limits.
func messageToEmbed(msg channel.Message) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       channel.Truncate(msg.Title, channel.DiscordTitleLimit),
		Description: channel.Truncate(msg.Body, channel.DiscordEmbedLimit),
	}
	if msg.Color != "" {
		embed.Color = parseHexColor(msg.Color)
	}
	return embed
}

// parseWebhookURL extracts the id and token from a Discord webhook URL.
func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord: parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord: webhook url %q has no /webhooks/<id>/<token> path", raw)
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// isRateLimited reports whether err is a Discord 429.
func isRateLimited(err error) bool {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusTooManyRequests
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (c *Channel) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRateLimited(err) || attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
