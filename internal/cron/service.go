package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
)

const defaultInterval = 24 * time.Hour

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Locks    LockFactory
	Metrics  *metrics.CronJobMetrics
	// Interval applies to jobs registered without a period.
	Interval time.Duration
}

// Service runs every registered job on its own cadence. A tick that finds the
// previous run of the same job still holding its lock is skipped, never queued.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	metrics  *metrics.CronJobMetrics
	interval time.Duration
	locks    map[string]Lock
	now      func() time.Time
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locks == nil {
		return nil, fmt.Errorf("lock factory required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	locks := map[string]Lock{}
	for _, scheduled := range registry.Jobs() {
		name := scheduled.Job.Name()
		if _, ok := locks[name]; ok {
			return nil, fmt.Errorf("job %q registered twice", name)
		}
		lock, err := params.Locks(name)
		if err != nil {
			return nil, fmt.Errorf("lock for %s: %w", name, err)
		}
		locks[name] = lock
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		metrics:  params.Metrics,
		interval: interval,
		locks:    locks,
		now:      time.Now,
	}, nil
}

// Run starts one loop per job and blocks until the context is canceled.
// Every job runs once immediately, then on its period.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var wg sync.WaitGroup
	for _, scheduled := range s.registry.Jobs() {
		wg.Add(1)
		go func(scheduled Scheduled) {
			defer wg.Done()
			s.loop(ctx, scheduled)
		}(scheduled)
	}
	wg.Wait()
	s.logg.Info(ctx, "cron service context canceled")
	return ctx.Err()
}

// RunOnce runs every job a single time, in registration order.
func (s *Service) RunOnce(ctx context.Context) {
	for _, scheduled := range s.registry.Jobs() {
		s.runJob(ctx, scheduled.Job)
	}
}

func (s *Service) loop(ctx context.Context, scheduled Scheduled) {
	period := scheduled.Period
	if period <= 0 {
		period = s.interval
	}
	s.runJob(ctx, scheduled.Job)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, scheduled.Job)
		}
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")

	lock := s.locks[job.Name()]
	locked, err := lock.Acquire(jobCtx)
	if err != nil {
		s.logg.Error(jobCtx, "cron.job.lock_failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	if !locked {
		s.logg.Info(jobCtx, "cron.job.skipped")
		s.metrics.IncSkipped(job.Name())
		return
	}
	defer func() {
		if relErr := lock.Release(jobCtx); relErr != nil {
			s.logg.Error(jobCtx, "failed to release cron lock", relErr)
		}
	}()

	s.logg.Info(jobCtx, "job start")
	start := s.now()
	err = job.Run(jobCtx)
	duration := s.now().Sub(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
}
