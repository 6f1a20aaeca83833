package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock implements Channel for tests. It records delivered messages and can
// be told to fail or panic on the next deliveries.
type Mock struct {
	mu       sync.Mutex
	name     string
	sent     []Message
	failNext []error
	panicMsg string
	delay    time.Duration
	now      func() time.Time
}

// NewMock returns a Mock with the given name ("mock" when empty).
func NewMock(name string) *Mock {
	if name == "" {
		name = "mock"
	}
	return &Mock{name: name, now: time.Now}
}

// Name returns the configured channel name.
func (m *Mock) Name() string { return m.name }

// Deliver records msg, or returns the next queued failure.
func (m *Mock) Deliver(ctx context.Context, msg Message) (Ack, error) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return Ack{}, Fail(m.name, ctx.Err())
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicMsg != "" {
		p := m.panicMsg
		m.panicMsg = ""
		panic(p)
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return Ack{}, Fail(m.name, err)
	}
	m.sent = append(m.sent, msg)
	return Ack{
		Channel:   m.name,
		MessageID: fmt.Sprintf("%s-%d", m.name, len(m.sent)),
		At:        m.now(),
	}, nil
}

// --- Test helpers ---

// FailNext queues err to be returned by the next Deliver call.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, err)
}

// PanicNext makes the next Deliver call panic with msg.
func (m *Mock) PanicNext(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
}

// SetDelay makes every Deliver call wait d before completing.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// LastSent returns the most recently delivered message.
// Returns zero value and false if nothing has been delivered.
func (m *Mock) LastSent() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Message{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of delivered messages.
func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all delivered messages.
func (m *Mock) AllSent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
