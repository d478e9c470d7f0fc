package cron

import (
	"context"
	"time"
)

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduled pairs a job with the period it repeats on.
type Scheduled struct {
	Job    Job
	Period time.Duration
}

// Registry tracks registered cron jobs.
type Registry struct {
	jobs []Scheduled
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a job that repeats every period. A non-positive period falls
// back to the service default.
func (r *Registry) Register(job Job, period time.Duration) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, Scheduled{Job: job, Period: period})
}

// RegisterInterval adds a plain function as a recurring job.
func (r *Registry) RegisterInterval(name string, period time.Duration, handler func(ctx context.Context) error) {
	if name == "" || handler == nil {
		return
	}
	r.Register(funcJob{name: name, run: handler}, period)
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Scheduled {
	jobs := make([]Scheduled, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

type funcJob struct {
	name string
	run  func(ctx context.Context) error
}

func (f funcJob) Name() string                  { return f.name }
func (f funcJob) Run(ctx context.Context) error { return f.run(ctx) }
