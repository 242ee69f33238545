package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TickFunc is invoked on every interval of a job.
type TickFunc func(ctx context.Context, at time.Time) error

// Job is a named periodic task.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Tick       TickFunc
}

// Options tune scheduler behaviour.
type Options struct {
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives periodic background jobs, each on its own goroutine.
type Scheduler struct {
	opts   Options
	jobs   []Job
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Add registers a job. Jobs must be added before Run.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("scheduler job name is required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler job %s: interval must be positive", job.Name)
	}
	if job.Tick == nil {
		return fmt.Errorf("scheduler job %s: tick function is required", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run blocks, driving every job until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error { return s.runJob(gctx, job) })
	}
	return g.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	logger := s.logger.With().Str("job", job.Name).Logger()
	if s.opts.StartupDelay > 0 {
		if err := wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}
	if job.RunOnStart {
		s.execute(ctx, logger, job, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC(), job.Interval)
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC(), job.Interval)
			delay = time.Until(next)
		}

		logger.Debug().Time("next_run", next).Msg("waiting for next run")
		if err := wait(ctx, delay); err != nil {
			return err
		}

		s.execute(ctx, logger, job, s.bucketStart(next, job.Interval))
		next = next.Add(job.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, logger zerolog.Logger, job Job, at time.Time) {
	start := time.Now()
	if err := job.Tick(ctx, at); err != nil {
		logger.Error().Err(err).Time("at", at).Msg("job execution failed")
		return
	}
	logger.Info().Time("at", at).Dur("took", time.Since(start)).Msg("job executed")
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time, interval time.Duration) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(interval)
	}
	bucket := now.Truncate(interval)
	if !bucket.After(now) {
		bucket = bucket.Add(interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time, interval time.Duration) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(interval)
}
