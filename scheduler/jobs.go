package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"stock_crawler/logger"
)

// ErrInvalidCron is returned for expressions that are not 5-field cron
var ErrInvalidCron = errors.New("invalid cron expression")

// Job is one unit of scheduled work. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context)

// JobInfo describes a registered cron job
type JobInfo struct {
	Name     string    `json:"name"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run"`
	RunCount int       `json:"run_count"`
}

// Scheduler manages scheduled jobs. Every run, cron-triggered or manual, goes
// through one guard, so two jobs never execute at the same time; a trigger that
// arrives while a job is running waits for it and runs next.
type Scheduler struct {
	cron *gocron.Scheduler
	log  *logger.Entry

	ctx    context.Context
	cancel context.CancelFunc

	guard   sync.Mutex
	running sync.WaitGroup
}

// NewScheduler creates a new scheduler instance evaluating cron in UTC
func NewScheduler(log *logger.Entry) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SetMaxConcurrentJobs(1, gocron.WaitMode)
	cron.WaitForScheduleAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron,
		log:    logger.OrDiscard(log, "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddCronJob registers job under name on a standard 5-field cron expression
func (s *Scheduler) AddCronJob(expr, name string, job Job) error {
	if fields := strings.Fields(expr); len(fields) != 5 {
		return fmt.Errorf("%w: %q has %d fields, want 5 (minute hour day month weekday)", ErrInvalidCron, expr, len(fields))
	}

	_, err := s.cron.Cron(expr).Tag(name).Do(func() {
		s.run(name, job)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}

	s.log.WithFields(logger.Fields{"job": name, "cron": expr}).Info("Registered job")
	return nil
}

// RunNow runs job synchronously through the guard
func (s *Scheduler) RunNow(name string, job Job) {
	s.running.Add(1)
	defer s.running.Done()
	s.run(name, job)
}

// Trigger queues job to run in the background and returns immediately
func (s *Scheduler) Trigger(name string, job Job) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.run(name, job)
	}()
}

func (s *Scheduler) run(name string, job Job) {
	log := s.log.WithFields(logger.Fields{"job": name})

	if !s.guard.TryLock() {
		log.Warn("Previous run still in progress, queued until it finishes")
		s.guard.Lock()
	}
	defer s.guard.Unlock()

	if s.ctx.Err() != nil {
		log.Info("Scheduler stopping, run dropped")
		return
	}

	started := time.Now()
	log.Info("Job started")
	job(s.ctx)
	log.WithFields(logger.Fields{"duration": time.Since(started).String()}).Info("Job finished")
}

// Start starts all scheduled jobs
func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.log.WithFields(logger.Fields{"jobs": len(s.cron.Jobs())}).Info("Scheduler started successfully")
}

// Stop cancels the job context, stops cron triggers and waits for the
// running job, if any, to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
	s.running.Wait()

	// a cron-triggered run is not tracked by the wait group; it holds the guard
	s.guard.Lock()
	defer s.guard.Unlock()
	s.log.Info("Scheduler stopped")
}

// Jobs lists registered cron jobs
func (s *Scheduler) Jobs() []JobInfo {
	jobs := s.cron.Jobs()
	infos := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		name := ""
		if tags := j.Tags(); len(tags) > 0 {
			name = tags[0]
		}
		infos = append(infos, JobInfo{
			Name:     name,
			NextRun:  j.NextRun(),
			LastRun:  j.LastRun(),
			RunCount: j.RunCount(),
		})
	}
	return infos
}
