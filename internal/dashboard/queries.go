package dashboard

import (
	"context"
	"time"

	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/store"
)

// JobRow holds the next fire time of one scheduled job.
type JobRow struct {
	Name string    `json:"name"`
	Next time.Time `json:"next_run"`
}

// Stats is the /api/stats payload.
type Stats struct {
	Counts      map[string]int64 `json:"counts"`
	Total       int64            `json:"total"`
	Jobs        []JobRow         `json:"jobs"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// LoadStats returns counts by status and, when sched is set, the next run
// time of each job.
func LoadStats(ctx context.Context, s Store, sched Schedule) (Stats, error) {
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Counts: counts, Jobs: []JobRow{}, GeneratedAt: time.Now().UTC()}
	for _, n := range counts {
		st.Total += n
	}
	if sched != nil {
		for _, name := range sched.Jobs() {
			if next, ok := sched.Next(name); ok {
				st.Jobs = append(st.Jobs, JobRow{Name: name, Next: next.UTC()})
			}
		}
	}
	return st, nil
}

// recentWindow is how many of the newest rows the event stream watches.
const recentWindow = 100

// Transition is one observed status change.
type Transition struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	From   string     `json:"from,omitempty"` // empty for a newly seen row
	To     string     `json:"to"`
	SentAt *time.Time `json:"sent_at,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// statusSnapshot tracks the last seen status of recent rows.
type statusSnapshot map[string]string

// loadSnapshot reads the newest rows into a snapshot.
func loadSnapshot(ctx context.Context, s Store) (statusSnapshot, []models.Result, error) {
	rows, err := s.List(ctx, store.Filter{Limit: recentWindow})
	if err != nil {
		return nil, nil, err
	}
	snap := make(statusSnapshot, len(rows))
	for _, r := range rows {
		snap[r.ID] = r.Status
	}
	return snap, rows, nil
}

// diff returns the transitions from prev to the rows in next, oldest first.
func diff(prev statusSnapshot, rows []models.Result) []Transition {
	var out []Transition
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		from, seen := prev[r.ID]
		if seen && from == r.Status {
			continue
		}
		out = append(out, Transition{
			ID:     r.ID,
			Title:  r.Title,
			From:   from,
			To:     r.Status,
			SentAt: r.SentAt,
			Error:  r.Error,
		})
	}
	return out
}
