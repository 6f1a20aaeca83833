// Package slack delivers results to Slack, either through the Web API with a
// bot token or through an incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/courier/internal/channel"
)

// Name is the channel name recorded on delivered results.
const Name = "slack"

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// webhookPoster matches slackapi.PostWebhookContext.
type webhookPoster func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// Options configure a Slack channel. Either BotToken and ChannelID, or
// WebhookURL, must be set. WebhookURL wins when both are.
type Options struct {
	BotToken   string // xoxb-... Slack bot token
	ChannelID  string // channel to post to with the bot token
	WebhookURL string // incoming webhook URL
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Channel implements channel.Channel for Slack.
type Channel struct {
	client      slackClient
	channelID   string
	webhookURL  string
	postWebhook webhookPoster
	now         func() time.Time
}

// New creates a Slack channel.
func New(opts Options) (*Channel, error) {
	c := &Channel{
		channelID:   opts.ChannelID,
		webhookURL:  opts.WebhookURL,
		postWebhook: slackapi.PostWebhookContext,
		now:         time.Now,
	}

	switch {
	case opts.WebhookURL != "" && opts.Client == nil:
	case opts.Client != nil || opts.BotToken != "":
		if opts.ChannelID == "" {
			return nil, fmt.Errorf("slack: channel_id is required with a bot token")
		}
		c.client = opts.Client
		if c.client == nil {
			c.client = slackapi.New(opts.BotToken)
		}
	default:
		return nil, fmt.Errorf("slack: bot token or webhook url is required")
	}
	return c, nil
}

// Name returns "slack".
func (c *Channel) Name() string { return Name }

// Deliver posts msg as a single message with one attachment.
func (c *Channel) Deliver(ctx context.Context, msg channel.Message) (channel.Ack, error) {
	att := messageToAttachment(msg)

	if c.client != nil {
		var ts string
		err := retryOnRateLimit(ctx, func() error {
			var postErr error
			_, ts, postErr = c.client.PostMessageContext(ctx, c.channelID, buildMessageOptions(msg, att)...)
			return postErr
		})
		if err != nil {
			return channel.Ack{}, channel.Fail(Name, fmt.Errorf("post message: %w", err))
		}
		return channel.Ack{Channel: Name, MessageID: ts, At: c.now()}, nil
	}

	wm := &slackapi.WebhookMessage{
		Text:        msg.Title,
		Attachments: []slackapi.Attachment{att},
	}
	err := retryOnRateLimit(ctx, func() error {
		return c.postWebhook(ctx, c.webhookURL, wm)
	})
	if err != nil {
		return channel.Ack{}, channel.Fail(Name, fmt.Errorf("post webhook: %w", err))
	}
	return channel.Ack{Channel: Name, At: c.now()}, nil
}

// buildMessageOptions translates a Message into Slack MsgOptions. The title
// doubles as the notification fallback text.
func buildMessageOptions(msg channel.Message, att slackapi.Attachment) []slackapi.MsgOption {
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(msg.Title, false),
		slackapi.MsgOptionAttachments(att),
	}
}

// messageToAttachment converts a Message to a Slack Attachment.
func messageToAttachment(msg channel.Message) slackapi.Attachment {
	return slackapi.Attachment{
		Title:      msg.Title,
		Text:       channel.Truncate(channel.SlackMarkdown(msg.Body), channel.SlackTextLimit),
		Color:      msg.Color,
		Fallback:   msg.Title,
		MarkdownIn: []string{"text"},
	}
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
