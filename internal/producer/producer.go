// Package producer runs the scheduled agent query and stores its answer as a
// PENDING result for later delivery.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/courier/internal/agent"
	"github.com/zulandar/courier/internal/metrics"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/datatypes"
)

// Kind classifies a producer run.
type Kind string

const (
	Inserted    Kind = "inserted"
	AgentFailed Kind = "agent_failed"
	StoreFailed Kind = "store_failed"
)

// Outcome describes one producer run.
type Outcome struct {
	Kind       Kind
	RunID      string
	ResultID   string // set when Kind is Inserted
	NoResponse bool   // the stored summary is the no-response text
	AgentErr   error  // set when Kind is AgentFailed
}

// Invoker is the agent client used by the producer.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (agent.Answer, error)
	Endpoint() string
}

// Inserter persists new results.
type Inserter interface {
	Insert(ctx context.Context, r *models.Result) (string, error)
}

// Options configure a Producer.
type Options struct {
	Name         string // job name, recorded in source_job
	Prompt       string // text/template rendered with TemplateData
	Title        string // text/template rendered with TemplateData
	AnalysisType string
	Agent        Invoker
	Store        Inserter
	Metrics      *metrics.Metrics
	Out          io.Writer
	Now          func() time.Time
}

// TemplateData is passed to the prompt and title templates.
type TemplateData struct {
	Date string    // 2006-01-02
	Time string    // 15:04
	Now  time.Time // run start in UTC
	Job  string
}

// Producer invokes the agent and inserts one PENDING row per successful run.
type Producer struct {
	name         string
	prompt       *template.Template
	title        *template.Template
	analysisType string
	agent        Invoker
	store        Inserter
	metrics      *metrics.Metrics
	out          io.Writer
	now          func() time.Time
}

// New parses the templates and returns a Producer.
func New(opts Options) (*Producer, error) {
	if opts.Agent == nil {
		return nil, fmt.Errorf("producer: agent is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("producer: store is required")
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, fmt.Errorf("producer: prompt is required")
	}

	prompt, err := template.New("prompt").Option("missingkey=error").Parse(opts.Prompt)
	if err != nil {
		return nil, fmt.Errorf("producer: parse prompt template: %w", err)
	}
	titleText := opts.Title
	if titleText == "" {
		titleText = "Agent report {{.Date}}"
	}
	title, err := template.New("title").Option("missingkey=error").Parse(titleText)
	if err != nil {
		return nil, fmt.Errorf("producer: parse title template: %w", err)
	}

	p := &Producer{
		name:         opts.Name,
		prompt:       prompt,
		title:        title,
		analysisType: opts.AnalysisType,
		agent:        opts.Agent,
		store:        opts.Store,
		metrics:      opts.Metrics,
		out:          opts.Out,
		now:          opts.Now,
	}
	if p.name == "" {
		p.name = "producer"
	}
	if p.analysisType == "" {
		p.analysisType = "scheduled"
	}
	if p.out == nil {
		p.out = io.Discard
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Name returns the job name.
func (p *Producer) Name() string { return p.name }

// RunOnce performs one producer cycle. Agent failures are logged and
// reported through the Outcome with a nil error; only store failures are
// returned as errors.
func (p *Producer) RunOnce(ctx context.Context) (Outcome, error) {
	start := p.now().UTC()
	runID := uuid.NewString()
	out := Outcome{RunID: runID}

	data := TemplateData{
		Date: start.Format("2006-01-02"),
		Time: start.Format("15:04"),
		Now:  start,
		Job:  p.name,
	}
	prompt, err := render(p.prompt, data)
	if err != nil {
		return out, fmt.Errorf("producer: render prompt: %w", err)
	}
	title, err := render(p.title, data)
	if err != nil {
		return out, fmt.Errorf("producer: render title: %w", err)
	}

	ans, err := p.agent.Invoke(ctx, prompt)
	if err != nil {
		p.metrics.IncAgentRequest("error")
		log.Printf("producer: %s run %s: agent: %v", p.name, runID, err)
		fmt.Fprintf(p.out, "Producer %s: agent call failed, nothing stored\n", p.name)
		out.Kind = AgentFailed
		out.AgentErr = err
		return out, nil
	}
	if ans.NoResponse {
		p.metrics.IncAgentRequest("no_response")
	} else {
		p.metrics.IncAgentRequest("answered")
	}

	detail, err := json.Marshal(detailedResults{
		Prompt:     prompt,
		Endpoint:   p.agent.Endpoint(),
		EventKind:  ans.Kind,
		EventsRead: ans.EventsRead,
		NoResponse: ans.NoResponse,
		RunID:      runID,
		ElapsedMS:  p.now().Sub(start).Milliseconds(),
		Statuses:   ans.Trace.Statuses,
		ToolsUsed:  ans.Trace.Tools,
		SQLQueries: ans.Trace.SQL,
		Citations:  ans.Trace.Citations,
	})
	if err != nil {
		return out, fmt.Errorf("producer: encode details: %w", err)
	}

	row := &models.Result{
		CreatedAt:       p.now().UTC(),
		AnalysisType:    p.analysisType,
		Title:           title,
		Summary:         ans.Text,
		DetailedResults: datatypes.JSON(detail),
		Status:          models.StatusPending,
		SourceJob:       p.name + ":" + runID,
	}
	id, err := p.store.Insert(ctx, row)
	if err != nil {
		log.Printf("producer: %s run %s: insert: %v", p.name, runID, err)
		out.Kind = StoreFailed
		return out, err
	}

	out.Kind = Inserted
	out.ResultID = id
	out.NoResponse = ans.NoResponse
	if ans.NoResponse {
		fmt.Fprintf(p.out, "Producer %s: agent gave no answer, stored placeholder %s\n", p.name, id)
	} else {
		fmt.Fprintf(p.out, "Producer %s: stored result %s (%d chars)\n", p.name, id, len(ans.Text))
	}
	return out, nil
}

// detailedResults is the audit record stored alongside each result.
type detailedResults struct {
	Prompt     string `json:"prompt"`
	Endpoint   string `json:"endpoint"`
	EventKind  string `json:"event_kind,omitempty"`
	EventsRead int    `json:"events_read"`
	NoResponse bool   `json:"no_response"`
	RunID      string `json:"run_id"`
	ElapsedMS  int64  `json:"elapsed_ms"`

	Statuses   []string `json:"status_messages,omitempty"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	SQLQueries []string `json:"sql_queries,omitempty"`
	Citations  []string `json:"citations,omitempty"`
}

func render(t *template.Template, data TemplateData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
