// Package cron runs periodic maintenance jobs such as the workspace sweep
// and the skill registry refresh.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named maintenance task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
	Jobs   []Job
}

// Scheduler fires jobs on their cron specs. A job never overlaps itself.
type Scheduler struct {
	logger *slog.Logger
	cron   *cronlib.Cron
	jobs   map[string]*entry

	cancel context.CancelFunc
	ctx    context.Context
}

type entry struct {
	job  Job
	id   cronlib.EntryID
	mu   sync.Mutex
	runs int
	last error
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		cron:   cronlib.New(cronlib.WithParser(cronParser)),
		jobs:   make(map[string]*entry, len(cfg.Jobs)),
		ctx:    context.Background(),
	}
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %s: nil Run", job.Name)
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("cron job %s: duplicate name", job.Name)
		}
		e := &entry{job: job}
		id, err := s.cron.AddFunc(job.Spec, func() { s.fire(e) })
		if err != nil {
			return nil, fmt.Errorf("cron job %s: parse %q: %w", job.Name, job.Spec, err)
		}
		e.id = id
		s.jobs[job.Name] = e
	}
	return s, nil
}

// Start begins firing jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
	go func() {
		<-s.ctx.Done()
		s.cron.Stop()
	}()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// RunNow fires a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("cron job %s: not found", name)
	}
	return s.fire(e)
}

// Runs reports how many times a job has completed.
func (s *Scheduler) Runs(name string) int {
	e, ok := s.jobs[name]
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

// Next reports the next scheduled time of a job; zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	e, ok := s.jobs[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

func (s *Scheduler) fire(e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	err := e.job.Run(s.ctx)
	e.runs++
	e.last = err
	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
		return err
	}
	s.logger.Debug("cron: job ran", "job", e.job.Name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
