// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/eq-rebalancer/internal/logging"
	"github.com/robfig/cron/v3"
)

// Job represents a scheduled job
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron    *cron.Cron
	log     *logging.Logger
	timeout time.Duration
}

// parser accepts standard 5-field specs, an optional leading seconds field and descriptors like @every 1m
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a new scheduler. Each run gets a context bounded by timeout; zero means unbounded.
// A run still in progress when its next tick fires is skipped.
func New(log *logging.Logger, timeout time.Duration) *Scheduler {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log:     log.WithComponent("scheduler"),
		timeout: timeout,
	}
}

// ValidateSchedule reports whether schedule parses
func ValidateSchedule(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs, up to ctx's deadline
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "*/5 * * * *"      - Every 5 minutes
//   - "0 */30 * * * *"   - Every 30 minutes, with seconds field
//   - "@hourly"          - Every hour
//   - "@every 30s"       - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.RunNow(context.Background(), job); err != nil {
			s.log.WithError(err).WithField("job", job.Name()).Error("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.Name(), err)
	}

	s.log.WithFields(map[string]interface{}{
		"schedule": schedule,
		"job":      job.Name(),
	}).Info("Job registered")

	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	s.log.WithField("job", job.Name()).Debug("Running job")
	if err := job.Run(logging.WithLogger(ctx, s.log)); err != nil {
		return err
	}
	s.log.WithFields(map[string]interface{}{
		"job":      job.Name(),
		"duration": time.Since(start).String(),
	}).Debug("Job completed")
	return nil
}
