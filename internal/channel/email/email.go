// Package email delivers results as plain-text mail over SMTP.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
	"github.com/zulandar/courier/internal/channel"
)

// Name is the channel name recorded on delivered results.
const Name = "email"

// dialTimeout bounds connecting to the SMTP server.
const dialTimeout = 30 * time.Second

// sender is the part of *mail.Client used for delivery.
type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Options configure an SMTP channel.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Channel implements channel.Channel over SMTP.
type Channel struct {
	addr   string
	from   string
	to     []string
	client sender
	now    func() time.Time
}

// New creates an email channel. STARTTLS is used when the server offers it
// and PLAIN auth when Username is set.
func New(opts Options) (*Channel, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("email: host is required")
	}
	if opts.From == "" || len(opts.To) == 0 {
		return nil, fmt.Errorf("email: from and at least one recipient are required")
	}
	port := opts.Port
	if port == 0 {
		port = 587
	}

	clientOpts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(dialTimeout),
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}
	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("email: %w", err)
	}

	return &Channel{
		addr:   fmt.Sprintf("%s:%d", opts.Host, port),
		from:   opts.From,
		to:     append([]string(nil), opts.To...),
		client: client,
		now:    time.Now,
	}, nil
}

// Name returns "email".
func (c *Channel) Name() string { return Name }

// Deliver sends one message with the result title as subject.
func (c *Channel) Deliver(ctx context.Context, msg channel.Message) (channel.Ack, error) {
	id := uuid.NewString()
	m, err := c.compose(id, msg)
	if err != nil {
		return channel.Ack{}, channel.Fail(Name, err)
	}
	if err := c.client.DialAndSendWithContext(ctx, m); err != nil {
		return channel.Ack{}, channel.Fail(Name, fmt.Errorf("send to %s: %w", c.addr, err))
	}
	return channel.Ack{Channel: Name, MessageID: id, At: c.now()}, nil
}

// compose builds the message. Line endings are normalised by go-mail.
func (c *Channel) compose(id string, msg channel.Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(c.from); err != nil {
		return nil, fmt.Errorf("from %q: %w", c.from, err)
	}
	if err := m.To(c.to...); err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	m.Subject(msg.Title)
	m.SetDateWithValue(c.now())
	m.SetMessageIDWithValue(id + "@" + domainOf(c.from))
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

func domainOf(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 && at < len(addr)-1 {
		return strings.TrimSuffix(addr[at+1:], ">")
	}
	return "courier.local"
}
