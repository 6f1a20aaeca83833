// Package github delivers each result as a new issue in a GitHub repository.
package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"
	"github.com/zulandar/courier/internal/channel"
	"golang.org/x/oauth2"
)

// Name is the channel name recorded on delivered results.
const Name = "github"

// Options configure a GitHub issue channel.
type Options struct {
	Token   string
	Owner   string
	Repo    string
	Labels  []string
	BaseURL string // API root for GitHub Enterprise, e.g. https://ghe.example.com/api/v3/
}

// Channel implements channel.Channel by opening issues.
type Channel struct {
	issues *gh.IssuesService
	owner  string
	repo   string
	labels []string
	now    func() time.Time
}

// New creates a GitHub channel authenticated with a static token.
func New(opts Options) (*Channel, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
	client := gh.NewClient(oauth2.NewClient(context.Background(), ts))
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("github: base url: %w", err)
		}
	}

	return &Channel{
		issues: client.Issues,
		owner:  opts.Owner,
		repo:   opts.Repo,
		labels: opts.Labels,
		now:    time.Now,
	}, nil
}

// Name returns "github".
func (c *Channel) Name() string { return Name }

// Deliver opens one issue titled with the result title.
func (c *Channel) Deliver(ctx context.Context, msg channel.Message) (channel.Ack, error) {
	req := &gh.IssueRequest{
		Title: gh.Ptr(channel.Truncate(msg.Title, channel.GitHubTitleLimit)),
		Body:  gh.Ptr(channel.Truncate(msg.Body, channel.GitHubBodyLimit)),
	}
	if len(c.labels) > 0 {
		labels := append([]string(nil), c.labels...)
		req.Labels = &labels
	}

	issue, _, err := c.issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return channel.Ack{}, channel.Fail(Name, fmt.Errorf("create issue in %s/%s: %w", c.owner, c.repo, err))
	}
	return channel.Ack{
		Channel:   Name,
		MessageID: strconv.Itoa(issue.GetNumber()),
		At:        c.now(),
	}, nil
}
