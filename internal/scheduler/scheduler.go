// Package scheduler fires the producer and dispatcher jobs on their cron
// schedules. Jobs are independent: a failed or skipped tick never affects
// the next one or the other job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/courier/internal/lock"
	"github.com/zulandar/courier/internal/metrics"
)

// Job outcomes recorded in metrics.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeLocked = "locked"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// @daily or @every 15m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a named unit of scheduled work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Options configure a Scheduler.
type Options struct {
	Locker  lock.Locker // optional cross-process run lock
	Metrics *metrics.Metrics
	Out     io.Writer
}

type entry struct {
	job     Job
	id      cron.EntryID
	sched   cron.Schedule
	wrapped cron.Job // job behind the SkipIfStillRunning guard
}

// Scheduler owns a cron instance and the registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	chain   cron.Chain
	locker  lock.Locker
	metrics *metrics.Metrics
	out     io.Writer

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	started bool
}

// New returns a Scheduler with no jobs.
func New(opts Options) *Scheduler {
	logger := cron.PrintfLogger(log.Default())
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLogger(logger)),
		chain:   cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		locker:  opts.Locker,
		metrics: opts.Metrics,
		out:     opts.Out,
		entries: make(map[string]*entry),
		ctx:     context.Background(),
	}
	if s.out == nil {
		s.out = io.Discard
	}
	return s
}

// ParseSchedule validates expr with the scheduler's parser.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", expr, err)
	}
	return sched, nil
}

// Add registers job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no run func", job.Name)
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("scheduler: job %q already registered", job.Name)
	}
	e := &entry{job: job, sched: sched}
	e.wrapped = s.chain.Then(cron.FuncJob(func() {
		s.tick(e)
	}))
	e.id = s.cron.Schedule(sched, e.wrapped)
	s.entries[job.Name] = e
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next reports the next fire time of the named job. Before Start it is
// computed from the schedule.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	started := s.started
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	if started {
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			return next, true
		}
	}
	return e.sched.Next(time.Now()), true
}

// Start begins firing jobs. Jobs run with ctx, which should be cancelled
// before Stop on shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
	fmt.Fprintf(s.out, "Scheduler started with %d job(s)\n", len(s.Jobs()))
}

// Stop stops firing new ticks and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow executes the named job once, synchronously, under the run lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, e.job)
}

func (s *Scheduler) tick(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := s.run(ctx, e.job); err != nil && !errors.Is(err, lock.ErrHeld) {
		log.Printf("scheduler: %s: %v", e.job.Name, err)
	}
}

// run takes the run lock, executes job, and records the outcome.
func (s *Scheduler) run(ctx context.Context, job Job) error {
	if s.locker != nil {
		lease, err := s.locker.TryLock(ctx, job.Name)
		if errors.Is(err, lock.ErrHeld) {
			s.metrics.ObserveJob(job.Name, OutcomeLocked, 0)
			fmt.Fprintf(s.out, "Scheduler: %s skipped, another process holds the lock\n", job.Name)
			return err
		}
		if err != nil {
			s.metrics.ObserveJob(job.Name, OutcomeError, 0)
			return fmt.Errorf("scheduler: %s: %w", job.Name, err)
		}
		defer func() {
			// Release even when ctx is already cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(rctx); err != nil {
				log.Printf("scheduler: %s: %v", job.Name, err)
			}
		}()
	}

	start := time.Now()
	err := job.Run(ctx)
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	s.metrics.ObserveJob(job.Name, outcome, time.Since(start))
	return err
}
