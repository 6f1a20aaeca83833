package scheduler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/lock"
	"github.com/zulandar/courier/internal/metrics"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 8 * * *", false},
		{"*/15 * * * *", false},
		{"@daily", false},
		{"@every 15m", false},
		{"0 0 8 * * *", true}, // seconds field not accepted
		{"not a cron expr", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestAdd_Validation(t *testing.T) {
	s := New(Options{})
	noop := func(context.Context) error { return nil }

	if err := s.Add(Job{Schedule: "@daily", Run: noop}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := s.Add(Job{Name: "p", Schedule: "@daily"}); err == nil {
		t.Error("expected error for missing run func")
	}
	if err := s.Add(Job{Name: "p", Schedule: "bogus", Run: noop}); err == nil {
		t.Error("expected error for bad schedule")
	}
	if err := s.Add(Job{Name: "p", Schedule: "@daily", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "p", Schedule: "@hourly", Run: noop}); err == nil {
		t.Error("expected error for duplicate name")
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "p" {
		t.Errorf("Jobs = %v", got)
	}
}

func TestNext(t *testing.T) {
	s := New(Options{})
	s.Add(Job{Name: "dispatcher", Schedule: "* * * * *", Run: func(context.Context) error { return nil }})

	next, ok := s.Next("dispatcher")
	if !ok {
		t.Fatal("Next returned false")
	}
	d := time.Until(next)
	if d <= 0 || d > 61*time.Second {
		t.Errorf("next fire in %v, want within a minute", d)
	}
	if _, ok := s.Next("missing"); ok {
		t.Error("Next should report unknown jobs")
	}
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	m := metrics.New()
	s := New(Options{Metrics: m})
	boom := errors.New("agent down")
	s.Add(Job{Name: "producer", Schedule: "@daily", Run: func(context.Context) error { return boom }})
	s.Add(Job{Name: "dispatcher", Schedule: "@daily", Run: func(context.Context) error { return nil }})

	if err := s.RunNow(context.Background(), "producer"); !errors.Is(err, boom) {
		t.Errorf("RunNow error = %v", err)
	}
	if err := s.RunNow(context.Background(), "dispatcher"); err != nil {
		t.Errorf("RunNow error = %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`courier_job_runs_total{job="producer",outcome="error"} 1`,
		`courier_job_runs_total{job="dispatcher",outcome="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestRunNow_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocal()
	var out bytes.Buffer
	s := New(Options{Locker: locker, Out: &out})
	var runs int32
	s.Add(Job{Name: "dispatcher", Schedule: "@daily", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})

	lease, err := locker.TryLock(context.Background(), "dispatcher")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "dispatcher"); !errors.Is(err, lock.ErrHeld) {
		t.Errorf("RunNow error = %v, want ErrHeld", err)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Error("job ran while the lock was held")
	}
	if !strings.Contains(out.String(), "another process holds the lock") {
		t.Errorf("out = %q", out.String())
	}

	lease.Release(context.Background())
	if err := s.RunNow(context.Background(), "dispatcher"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("runs = %d", runs)
	}
	// The lease taken by RunNow must have been released.
	if l, err := locker.TryLock(context.Background(), "dispatcher"); err != nil {
		t.Errorf("lock not released after run: %v", err)
	} else {
		l.Release(context.Background())
	}
}

func TestTick_SkipsWhileStillRunning(t *testing.T) {
	s := New(Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	var runs int32
	s.Add(Job{Name: "dispatcher", Schedule: "@every 1h", Run: func(context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
			<-release
		}
		return nil
	}})
	e := s.entries["dispatcher"]

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.wrapped.Run()
	}()
	<-started

	// Second tick while the first is blocked returns without running.
	e.wrapped.Run()
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("runs during overlap = %d, want 1", got)
	}

	close(release)
	wg.Wait()
	e.wrapped.Run()
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Errorf("runs after overlap = %d, want 2", got)
	}
}

func TestTick_ErrorDoesNotStopLaterTicks(t *testing.T) {
	s := New(Options{})
	var runs int32
	s.Add(Job{Name: "producer", Schedule: "@every 1h", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("agent down")
	}})
	e := s.entries["producer"]
	e.wrapped.Run()
	e.wrapped.Run()
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestTick_PanicIsRecovered(t *testing.T) {
	s := New(Options{})
	s.Add(Job{Name: "producer", Schedule: "@every 1h", Run: func(context.Context) error {
		panic("boom")
	}})
	s.entries["producer"].wrapped.Run()
}

func TestTick_CancelledContextSkips(t *testing.T) {
	s := New(Options{})
	var runs int32
	s.Add(Job{Name: "producer", Schedule: "@every 1h", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.entries["producer"].wrapped.Run()
	s.Stop()
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Errorf("runs = %d, want 0 after cancel", got)
	}
}

func TestStartStop_FiresScheduledJob(t *testing.T) {
	s := New(Options{})
	fired := make(chan struct{}, 1)
	s.Add(Job{Name: "dispatcher", Schedule: "@every 1s", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}})
	s.Start(context.Background())
	defer s.Stop()

	if next, ok := s.Next("dispatcher"); !ok || next.IsZero() {
		t.Errorf("Next after Start = %v, %v", next, ok)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}
