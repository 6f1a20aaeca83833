// Package webhook delivers results as JSON to an arbitrary HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/courier/internal/channel"
)

// Name is the channel name recorded on delivered results.
const Name = "webhook"

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Options configure a webhook channel.
type Options struct {
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	RetryLimit int // extra attempts after a 5xx or transport failure
	Client     *http.Client
}

// Payload is the JSON body posted for each result.
type Payload struct {
	ResultID string    `json:"result_id,omitempty"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// Channel implements channel.Channel with a JSON POST.
type Channel struct {
	url        string
	headers    map[string]string
	retryLimit int
	client     *http.Client
	now        func() time.Time
}

// New builds a webhook channel.
func New(opts Options) (*Channel, error) {
	u := strings.TrimSpace(opts.URL)
	if u == "" {
		return nil, errors.New("webhook: url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := opts.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	retries := opts.RetryLimit
	if retries < 0 {
		retries = 0
	}
	return &Channel{
		url:        u,
		headers:    opts.Headers,
		retryLimit: retries,
		client:     hc,
		now:        time.Now,
	}, nil
}

// Name returns "webhook".
func (c *Channel) Name() string { return Name }

// Deliver posts msg. Any 2xx response is an ack; the result id is sent as
// the Idempotency-Key header so receivers can drop retried posts.
func (c *Channel) Deliver(ctx context.Context, msg channel.Message) (channel.Ack, error) {
	body, err := json.Marshal(Payload{
		ResultID: msg.ResultID,
		Title:    msg.Title,
		Body:     msg.Body,
		Text:     msg.Text,
		SentAt:   c.now().UTC(),
	})
	if err != nil {
		return channel.Ack{}, channel.Fail(Name, fmt.Errorf("encode payload: %w", err))
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		var retryable bool
		retryable, err = c.post(ctx, msg.ResultID, body)
		if err == nil {
			return channel.Ack{Channel: Name, MessageID: msg.ResultID, At: c.now()}, nil
		}
		lastErr = err
		if !retryable || attempt == attempts-1 {
			break
		}
		delay := time.Duration(attempt+1) * 200 * time.Millisecond
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return channel.Ack{}, channel.Fail(Name, ctx.Err())
		case <-timer.C:
		}
	}
	return channel.Ack{}, channel.Fail(Name, lastErr)
}

// post sends one request. The bool reports whether a failure may succeed on
// retry.
func (c *Channel) post(ctx context.Context, resultID string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if resultID != "" {
		req.Header.Set("Idempotency-Key", resultID)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode >= 500, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return false, nil
}
