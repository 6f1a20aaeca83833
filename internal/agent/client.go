// Package agent invokes a remote AI agent over HTTP and extracts the first
// usable answer text from its response.
//
// The endpoint may answer with server-sent events, a JSON array of events, or
// a single JSON document. The client returns as soon as any event carries
// non-empty text; it does not wait for the stream to finish or accumulate
// later deltas.
package agent

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
)

// DefaultTimeout bounds a single invocation.
const DefaultTimeout = 300 * time.Second

// DefaultTokenType is sent in the token-type header when none is configured.
const DefaultTokenType = "PROGRAMMATIC_ACCESS_TOKEN"

// NoResponseText is the answer text used when a stream ends, or its deadline
// passes, without any usable text.
const NoResponseText = "No response received from the agent."

// maxErrorBody caps the response body kept on a non-2xx AgentError.
const maxErrorBody = 2048

// Options configure a Client.
type Options struct {
	Endpoint   string
	Token      string
	TokenType  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Answer is the outcome of a successful invocation.
type Answer struct {
	Text       string
	Kind       string // event kind that carried Text; empty for NoResponse
	EventsRead int
	NoResponse bool
	Trace      Trace // secondary detail seen before Text
}

// Client talks to a single agent endpoint. It is safe for concurrent use.
type Client struct {
	endpoint  string
	token     string
	tokenType string
	timeout   time.Duration
	http      *http.Client
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("agent: endpoint is required")
	}
	c := &Client{
		endpoint:  opts.Endpoint,
		token:     opts.Token,
		tokenType: opts.TokenType,
		timeout:   opts.Timeout,
		http:      opts.HTTPClient,
	}
	if c.tokenType == "" {
		c.tokenType = DefaultTokenType
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

// Endpoint returns the configured agent URL.
func (c *Client) Endpoint() string { return c.endpoint }

type requestBody struct {
	Messages   []requestMessage  `json:"messages"`
	ToolChoice map[string]string `json:"tool_choice"`
	Stream     bool              `json:"stream"`
}

type requestMessage struct {
	Role    string        `json:"role"`
	Content []contentItem `json:"content"`
}

// Invoke sends prompt to the agent and returns the first non-empty answer
// text. Failures to obtain a response are returned as *AgentError. A response
// that carries no text is not an error: the returned Answer has NoResponse
// set and Text equal to NoResponseText.
func (c *Client) Invoke(ctx context.Context, prompt string) (Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(requestBody{
		Messages: []requestMessage{{
			Role:    "user",
			Content: []contentItem{{Type: "text", Text: prompt}},
		}},
		ToolChoice: map[string]string{"type": "auto"},
		Stream:     true,
	})
	if err != nil {
		return Answer{}, &AgentError{Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Answer{}, &AgentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	req.Header.Set("X-Snowflake-Authorization-Token-Type", c.tokenType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Answer{}, &AgentError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Answer{}, &AgentError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	src := newEventSource(resp.Header.Get("Content-Type"), resp.Body)
	ans, err := firstAnswer(src)
	if err != nil {
		var ae *AgentError
		if errors.As(err, &ae) {
			return Answer{}, ae
		}
		// The deadline passed mid-stream: the endpoint answered but never
		// produced text in time.
		if ctx.Err() != nil {
			return noResponse(ans), nil
		}
		return Answer{}, &AgentError{Err: fmt.Errorf("read response: %w", err)}
	}
	return ans, nil
}

// firstAnswer drains src until an event carries non-empty text, collecting
// the trace of everything before it. On error the returned Answer still
// reports how many events were read.
func firstAnswer(src eventSource) (Answer, error) {
	var ans Answer
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			return noResponse(ans), nil
		}
		if err != nil {
			return ans, err
		}
		ans.EventsRead++
		ans.Trace.collect(ev)

		text, err := eventText(ev)
		if err != nil {
			return ans, err
		}
		if strings.TrimSpace(text) != "" {
			ans.Text = text
			ans.Kind = ev.Kind
			return ans, nil
		}
	}
}

// noResponse turns a partial answer into the no-response value, keeping its
// counters and trace.
func noResponse(partial Answer) Answer {
	return Answer{Text: NoResponseText, EventsRead: partial.EventsRead, Trace: partial.Trace, NoResponse: true}
}
