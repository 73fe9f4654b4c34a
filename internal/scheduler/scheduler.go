// Package scheduler runs the engine's periodic background jobs. Each job
// has its own goroutine; a run that is still in progress when the next
// one is due causes that tick to be skipped.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/clock"
	"github.com/stockwise/trading-engine/internal/metrics"
)

// Schedule yields the next run time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

type every time.Duration

// Every runs at a fixed interval measured from the previous tick.
func Every(d time.Duration) Schedule { return every(d) }

func (e every) Next(after time.Time) time.Time { return after.Add(time.Duration(e)) }

type dailyAt struct {
	hour, minute int
	loc          *time.Location
}

// DailyAt runs once a day at hour:minute in loc.
func DailyAt(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return dailyAt{hour: hour, minute: minute, loc: loc}
}

func (s dailyAt) Next(after time.Time) time.Time {
	local := after.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// Func is the work a job performs on each tick.
type Func func(ctx context.Context) error

// Stats counts a job's outcomes since the scheduler was created.
type Stats struct {
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	Skipped  int64     `json:"skipped"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

type job struct {
	name     string
	schedule Schedule
	fn       Func

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
	lastRun  atomic.Int64 // unix nanos
}

// Scheduler owns a set of named jobs.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// New creates a Scheduler. A nil clock uses wall time.
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger.Named("scheduler"),
		jobs:   make(map[string]*job),
	}
}

// Add registers a job. Adding a name twice replaces the earlier job if the
// scheduler has not been started.
func (s *Scheduler) Add(name string, schedule Schedule, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, schedule: schedule, fn: fn}
}

// Start launches every job's loop. Loops exit when ctx is cancelled; Wait
// blocks until they and any in-flight runs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", zap.Strings("jobs", s.namesLocked()))
}

// Wait blocks until all loops and runs have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger runs a job now, subject to the same overlap guard as its ticks.
// It reports false when the job is unknown or already running.
func (s *Scheduler) Trigger(ctx context.Context, name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.fire(ctx, j)
}

// Stats returns a snapshot of each job's counters keyed by job name.
func (s *Scheduler) Stats() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats, len(s.jobs))
	for name, j := range s.jobs {
		st := Stats{Runs: j.runs.Load(), Failures: j.failures.Load(), Skipped: j.skipped.Load()}
		if ns := j.lastRun.Load(); ns != 0 {
			st.LastRun = time.Unix(0, ns).UTC()
		}
		out[name] = st
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		now := s.clock.Now()
		wait := j.schedule.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
		s.fire(ctx, j)
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job) bool {
	if j.running.Swap(true) {
		j.skipped.Add(1)
		metrics.JobRuns.WithLabelValues(j.name, "skipped").Inc()
		s.logger.Warn("previous run still in progress, skipping", zap.String("job", j.name))
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)

		j.lastRun.Store(s.clock.Now().UnixNano())
		start := time.Now()
		err := s.run(ctx, j)
		elapsed := time.Since(start)

		j.runs.Add(1)
		metrics.JobDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())
		if err != nil {
			j.failures.Add(1)
			metrics.JobRuns.WithLabelValues(j.name, "error").Inc()
			s.logger.Error("job failed", zap.String("job", j.name), zap.Duration("elapsed", elapsed), zap.Error(err))
			return
		}
		metrics.JobRuns.WithLabelValues(j.name, "ok").Inc()
		s.logger.Debug("job finished", zap.String("job", j.name), zap.Duration("elapsed", elapsed))
	}()
	return true
}

// run calls the job and reports a panic as a *PanicError.
func (s *Scheduler) run(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Job: j.name, Value: r}
		}
	}()
	return j.fn(ctx)
}

func (s *Scheduler) namesLocked() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
