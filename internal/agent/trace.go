package agent

import (
	"encoding/json"
	"slices"
	"strings"
)

// Secondary event kinds. They never carry answer text but describe how the
// agent reached it.
const (
	KindStatus     = "response.status"
	KindToolUse    = "response.tool_use"
	KindToolResult = "response.tool_result"
)

// Trace is what the agent reported before its first text: planning steps,
// tools it called, SQL it ran and documents it cited.
type Trace struct {
	Statuses  []string `json:"statuses,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	SQL       []string `json:"sql,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

// Empty reports whether nothing was collected.
func (t Trace) Empty() bool {
	return len(t.Statuses) == 0 && len(t.Tools) == 0 && len(t.SQL) == 0 && len(t.Citations) == 0
}

type statusPayload struct {
	Message       string `json:"message"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
}

type toolUse struct {
	Name string `json:"name"`
}

type toolResult struct {
	Content []struct {
		JSON struct {
			SQL           string         `json:"sql"`
			SearchResults []searchResult `json:"searchResults"`
		} `json:"json"`
	} `json:"content"`
}

type searchResult struct {
	DocTitle string `json:"doc_title"`
	DocID    string `json:"doc_id"`
	Text     string `json:"text"`
}

// toolItem is a tool_use or tool_result entry inside a message delta.
type toolItem struct {
	Type       string     `json:"type"`
	ToolUse    toolUse    `json:"tool_use"`
	ToolResult toolResult `json:"tool_result"`
}

// collect records whatever secondary detail ev carries. Malformed payloads
// are ignored.
func (t *Trace) collect(ev Event) {
	switch ev.Kind {
	case KindStatus:
		var p statusPayload
		if json.Unmarshal(ev.Data, &p) != nil {
			return
		}
		msg := p.Message
		if msg == "" {
			msg = p.StatusMessage
		}
		t.addStatus(msg)
	case KindToolUse:
		var p toolUse
		if json.Unmarshal(ev.Data, &p) == nil {
			t.addTool(p.Name)
		}
	case KindToolResult:
		var p toolResult
		if json.Unmarshal(ev.Data, &p) == nil {
			t.addResult(p)
		}
	case KindMessageDelta:
		var p struct {
			Delta struct {
				Content []toolItem `json:"content"`
			} `json:"delta"`
		}
		if json.Unmarshal(ev.Data, &p) != nil {
			return
		}
		for _, it := range p.Delta.Content {
			switch it.Type {
			case "tool_use":
				t.addTool(it.ToolUse.Name)
			case "tool_result":
				t.addResult(it.ToolResult)
			}
		}
	}
}

func (t *Trace) addStatus(msg string) {
	if msg = strings.TrimSpace(msg); msg != "" {
		t.Statuses = append(t.Statuses, msg)
	}
}

func (t *Trace) addTool(name string) {
	name = strings.TrimSpace(name)
	if name == "" || slices.Contains(t.Tools, name) {
		return
	}
	t.Tools = append(t.Tools, name)
}

func (t *Trace) addResult(r toolResult) {
	for _, c := range r.Content {
		if sql := strings.TrimSpace(c.JSON.SQL); sql != "" && !slices.Contains(t.SQL, sql) {
			t.SQL = append(t.SQL, sql)
		}
		for _, sr := range c.JSON.SearchResults {
			if sr.DocTitle == "" || sr.Text == "" {
				continue
			}
			cite := sr.DocTitle + ": " + sr.Text
			if sr.DocID != "" {
				cite += " [Source: " + sr.DocID + "]"
			}
			t.Citations = append(t.Citations, cite)
		}
	}
}
