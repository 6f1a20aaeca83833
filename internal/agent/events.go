package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event kinds the client understands. Everything else is skipped.
const (
	KindText         = "response.text"
	KindTextDelta    = "response.text.delta"
	KindMessageDelta = "message.delta"
	KindResponse     = "response"
	KindError        = "error"
	KindDocument     = "document" // a single non-streamed JSON answer
)

// maxDocumentBytes caps non-streamed responses.
const maxDocumentBytes = 16 << 20

// Event is one typed item of an agent response.
type Event struct {
	Kind string
	Data json.RawMessage
}

// eventSource yields events in order and returns io.EOF when exhausted.
type eventSource interface {
	Next() (Event, error)
}

// newEventSource picks a decoder from the response content type, falling
// back to sniffing the first non-space byte when the type is missing or
// generic.
func newEventSource(contentType string, body io.Reader) eventSource {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, "text/event-stream") {
		return newSSESource(body)
	}
	br := bufio.NewReader(body)
	if !strings.HasPrefix(ct, "application/json") {
		if c := firstNonSpace(br); c != 0 && c != '[' && c != '{' {
			return newSSESource(br)
		}
	}
	return &jsonSource{body: br}
}

// firstNonSpace peeks past leading whitespace without consuming it. It
// returns 0 when the body ends first.
func firstNonSpace(br *bufio.Reader) byte {
	for n := 1; n <= 4096; n++ {
		peek, err := br.Peek(n)
		if len(peek) < n {
			return 0
		}
		switch c := peek[n-1]; c {
		case ' ', '\t', '\r', '\n':
		default:
			return c
		}
		if err != nil {
			return 0
		}
	}
	return 0
}

// sseSource decodes server-sent events: "event:" and "data:" lines
// terminated by a blank line. "data: [DONE]" ends the stream.
type sseSource struct {
	scanner *bufio.Scanner
	done    bool
}

func newSSESource(r io.Reader) *sseSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseSource{scanner: sc}
}

func (s *sseSource) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	var kind string
	var data []string

	flush := func() (Event, bool) {
		if len(data) == 0 {
			kind = ""
			return Event{}, false
		}
		payload := strings.Join(data, "\n")
		ev := Event{Kind: kind, Data: json.RawMessage(payload)}
		if ev.Kind == "" {
			ev.Kind = kindFromPayload(ev.Data)
		}
		return ev, true
	}

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		switch {
		case line == "":
			if ev, ok := flush(); ok {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				s.done = true
				if ev, ok := flush(); ok {
					return ev, nil
				}
				return Event{}, io.EOF
			}
			data = append(data, payload)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	s.done = true
	if ev, ok := flush(); ok {
		return ev, nil
	}
	return Event{}, io.EOF
}

// jsonSource decodes a non-streamed body: either an array of events or a
// single answer document.
type jsonSource struct {
	body   io.Reader
	events []Event
	loaded bool
	pos    int
}

// batchedEvent is one element of a JSON array response.
type batchedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (j *jsonSource) Next() (Event, error) {
	if !j.loaded {
		if err := j.load(); err != nil {
			return Event{}, err
		}
	}
	if j.pos >= len(j.events) {
		return Event{}, io.EOF
	}
	ev := j.events[j.pos]
	j.pos++
	return ev, nil
}

func (j *jsonSource) load() error {
	j.loaded = true
	raw, err := io.ReadAll(io.LimitReader(j.body, maxDocumentBytes))
	if err != nil {
		return err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decode event list: %w", err)
		}
		for _, item := range items {
			var be batchedEvent
			if err := json.Unmarshal(item, &be); err != nil {
				continue
			}
			if be.Event != "" && len(be.Data) > 0 {
				j.events = append(j.events, Event{Kind: be.Event, Data: be.Data})
				continue
			}
			j.events = append(j.events, Event{Kind: kindFromPayload(item), Data: item})
		}
	case '{':
		j.events = []Event{{Kind: KindDocument, Data: json.RawMessage(raw)}}
	default:
		return fmt.Errorf("decode response: unexpected leading byte %q", raw[0])
	}
	return nil
}

// kindFromPayload infers a kind from "type" or "object" fields for events
// that arrive without an explicit event name.
func kindFromPayload(data json.RawMessage) string {
	var probe struct {
		Type   string `json:"type"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if probe.Object != "" {
		return probe.Object
	}
	return probe.Type
}

// contentItem is a typed piece of message content.
type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// textPayload covers the shapes that carry answer text.
type textPayload struct {
	Text    string        `json:"text"`
	Content []contentItem `json:"content"`
	Delta   struct {
		Content []contentItem `json:"content"`
	} `json:"delta"`
	Message struct {
		Content []contentItem `json:"content"`
	} `json:"message"`
}

// errorPayload is the body of an "error" event.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// eventText returns the usable text carried by ev, or "" when the event
// carries none. Error events are returned as *AgentError.
func eventText(ev Event) (string, error) {
	switch ev.Kind {
	case KindText, KindTextDelta:
		var p textPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return "", nil
		}
		return p.Text, nil
	case KindMessageDelta:
		var p textPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return "", nil
		}
		return firstTextItem(p.Delta.Content), nil
	case KindResponse, KindDocument:
		var p textPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return "", nil
		}
		if p.Text != "" {
			return p.Text, nil
		}
		if t := firstTextItem(p.Content); t != "" {
			return t, nil
		}
		return firstTextItem(p.Message.Content), nil
	case KindError:
		var p errorPayload
		_ = json.Unmarshal(ev.Data, &p)
		msg := p.Message
		if msg == "" {
			msg = string(ev.Data)
		}
		if p.Code != "" {
			msg = p.Code + ": " + msg
		}
		return "", &AgentError{Body: "error event: " + msg}
	default:
		return "", nil
	}
}

func firstTextItem(items []contentItem) string {
	for _, it := range items {
		if it.Type == "text" && strings.TrimSpace(it.Text) != "" {
			return it.Text
		}
	}
	return ""
}
