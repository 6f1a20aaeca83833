// Package channel defines the notification channel contract used by the
// dispatcher, plus message formatting shared by the platform packages.
package channel

import (
	"context"
	"fmt"
	"time"
)

// Channel delivers one formatted result to an external destination. An Ack
// means the destination accepted the message; any error means it did not.
type Channel interface {
	// Name identifies the channel in logs, metrics and the results table.
	Name() string

	// Deliver sends msg. Implementations must honor ctx cancellation.
	Deliver(ctx context.Context, msg Message) (Ack, error)
}

// Message is a result formatted for delivery.
type Message struct {
	ResultID string // id of the stored result being delivered
	Title    string // headline (e.g. "Agent report 2026-03-01")
	Body     string // agent answer text
	Text     string // single-string rendering of Title and Body
	Color    string // sidebar color hint for platforms that support one
}

// Ack is the destination's acknowledgement.
type Ack struct {
	Channel   string    // channel name
	MessageID string    // platform message, issue, or request id when known
	At        time.Time // when the destination accepted the message
}

// DeliveryError reports a delivery the destination did not accept.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: deliver: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Fail wraps err as a *DeliveryError for the named channel. It returns nil
// when err is nil.
func Fail(name string, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Channel: name, Err: err}
}
