// Package scheduler runs the renewal check and the deployment on a fixed
// interval until it is stopped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caasmo/aliyun-autocert/metrics"
)

const (
	DefaultIntervalHours   = 12
	DefaultRetryMaxElapsed = 10 * time.Minute
)

// Step is one unit of work run on every tick.
type Step func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	Interval        time.Duration
	Renew           Step
	Deploy          Step // nil skips deployment
	RetryMaxElapsed time.Duration
	Metrics         *metrics.Metrics
}

// Scheduler runs Renew then Deploy once immediately and then once per
// interval. Ticks never overlap.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
}

// IntervalFromHours converts a configured hour count, falling back to the
// default for anything below one hour.
func IntervalFromHours(hours int, logger *slog.Logger) time.Duration {
	if hours < 1 {
		logger.Warn("interval must be at least 1 hour, using default",
			"configured", hours, "default", DefaultIntervalHours)
		hours = DefaultIntervalHours
	}
	return time.Duration(hours) * time.Hour
}

// New panics when Renew or logger is nil.
func New(opts Options, logger *slog.Logger) *Scheduler {
	if opts.Renew == nil || logger == nil {
		panic("scheduler.New: received nil renew step or logger")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultIntervalHours * time.Hour
	}
	return &Scheduler{opts: opts, logger: logger.With("component", "scheduler")}
}

// Run blocks until ctx is cancelled. A tick in progress is allowed to
// finish; only retries waiting inside it are abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler", "interval", s.opts.Interval.String())

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("running first tick immediately")
	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Warn("tick failed", "error", err)
		}
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}
		s.logger.Info("tick finished", "next_in", s.opts.Interval.String())

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one renewal check and, when it succeeds, one deployment.
func (s *Scheduler) Tick(ctx context.Context) error {
	work := context.WithoutCancel(ctx)

	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.opts.RetryMaxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = s.opts.RetryMaxElapsed
		b = eb
	}
	renew := func() error { return s.guard(work, "renew", s.opts.Renew) }
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("renewal failed, retrying", "error", err, "retry_in", wait.String())
	}

	if err := backoff.RetryNotify(renew, backoff.WithContext(b, ctx), notify); err != nil {
		s.opts.Metrics.Tick(metrics.ResultFailure)
		s.logger.Warn("renewal failed, skipping deployment")
		return err
	}

	if s.opts.Deploy == nil {
		s.logger.Info("deployment not configured, skipping")
		s.opts.Metrics.Tick(metrics.ResultSuccess)
		return nil
	}
	if err := s.guard(work, "deploy", s.opts.Deploy); err != nil {
		s.opts.Metrics.Tick(metrics.ResultFailure)
		return err
	}
	s.opts.Metrics.Tick(metrics.ResultSuccess)
	return nil
}

// guard turns a panic inside step into an error.
func (s *Scheduler) guard(ctx context.Context, name string, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("step panicked", "step", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("scheduler: %s panicked: %v", name, r)
		}
	}()
	if err := step(ctx); err != nil {
		return fmt.Errorf("scheduler: %s: %w", name, err)
	}
	return nil
}
