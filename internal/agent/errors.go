package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// AgentError reports a failed agent invocation: a non-2xx status, a
// transport failure or timeout before a response arrived, or an error event
// in the stream.
type AgentError struct {
	StatusCode int    // HTTP status when the endpoint answered with a non-2xx
	Body       string // truncated response body or error event message
	Err        error  // transport or decode failure
}

func (e *AgentError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("agent: status %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("agent: %v", e.Err)
	default:
		return fmt.Sprintf("agent: %s", e.Body)
	}
}

func (e *AgentError) Unwrap() error { return e.Err }

// Timeout reports whether the invocation failed because the deadline passed
// before the endpoint answered.
func (e *AgentError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
