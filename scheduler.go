// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"context"
	"errors"
	"sync"
)

// Scheduler is the high-level entry point for running and scheduling
// pipelines. It owns a manager's lifetime, builds run arguments,
// resolves retry policies and schedule identifiers, and dispatches to
// the manager contract.
type Scheduler struct {
	m        Manager
	logger   Logger
	settings *Settings

	mu      sync.Mutex
	started bool
}

// SchedulerOption is the signature of a Scheduler options provider.
type SchedulerOption func(*Scheduler)

// SchedulerLogger specifies the logger the scheduler reports to.
func SchedulerLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SchedulerSettings specifies the project settings used to resolve
// retry defaults and the default queue.
func SchedulerSettings(settings *Settings) SchedulerOption {
	return func(s *Scheduler) {
		if settings != nil {
			s.settings = settings
		}
	}
}

// NewScheduler creates a scheduler on top of the given manager. The
// manager is exclusively owned by this scheduler; it must not be
// shared with another scheduler instance.
func NewScheduler(m Manager, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		m:        m,
		logger:   stdLogger{},
		settings: DefaultSettings(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Register registers a pipeline body under the given name.
func (s *Scheduler) Register(pipeline string, fn Pipeline) error {
	return s.m.Register(pipeline, fn)
}

// Start acquires and validates the underlying manager.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("pipequeue: scheduler already started")
	}
	if err := s.m.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Close stops whatever this scheduler instance started. It is a no-op
// when the scheduler never started.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.m.Close()
}

// Session starts the scheduler, runs fn, and closes the scheduler
// again. The error of fn is never suppressed: a close failure is only
// reported when fn itself succeeded.
func (s *Scheduler) Session(ctx context.Context, fn func(context.Context) error) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	if cerr := s.Close(); cerr != nil {
		if err != nil {
			s.logger.Printf("pipequeue: error closing scheduler: %v", cerr)
			return err
		}
		return cerr
	}
	return err
}

// Manager returns the underlying manager contract, e.g. for
// introspection by a presentation layer.
func (s *Scheduler) Manager() Manager {
	return s.m
}

// -- Run options --

// runSpec collects the per-call options of the pipeline operations.
type runSpec struct {
	args       []interface{}
	kwargs     map[string]interface{}
	queue      string
	policy     *RetryPolicy
	scheduleID string
	overwrite  bool
}

// RunOption configures a single pipeline run or schedule.
type RunOption func(*runSpec)

// WithArgs sets the positional run arguments.
func WithArgs(args ...interface{}) RunOption {
	return func(r *runSpec) { r.args = args }
}

// WithKwargs sets the named run arguments.
func WithKwargs(kwargs map[string]interface{}) RunOption {
	return func(r *runSpec) { r.kwargs = kwargs }
}

// WithQueue routes the run to the given queue instead of the default.
func WithQueue(name string) RunOption {
	return func(r *runSpec) { r.queue = name }
}

// WithRetryPolicy sets the retry policy for the run. Explicitly set
// fields win over the settings' defaults, per field.
func WithRetryPolicy(p *RetryPolicy) RunOption {
	return func(r *runSpec) { r.policy = p }
}

// WithScheduleID sets an explicit schedule identifier. It wins
// unconditionally over derived identifiers.
func WithScheduleID(id string) RunOption {
	return func(r *runSpec) { r.scheduleID = id }
}

// WithOverwrite allows SchedulePipeline to replace an existing
// schedule. Overwriting is always explicit, never implicit.
func WithOverwrite() RunOption {
	return func(r *runSpec) { r.overwrite = true }
}

// buildJob constructs the job for one pipeline run, resolving the
// effective retry policy.
func (s *Scheduler) buildJob(pipeline string, r *runSpec) *Job {
	return &Job{
		Pipeline: pipeline,
		Args:     r.args,
		Kwargs:   r.kwargs,
		Queue:    r.queue,
		Policy:   s.settings.RetryPolicyFor(r.policy, s.logger),
	}
}

func applyRunOptions(options []RunOption) *runSpec {
	r := &runSpec{}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// -- Pipeline operations --

// EnqueuePipeline submits one run of the named pipeline for
// asynchronous execution and returns the job identifier.
func (s *Scheduler) EnqueuePipeline(ctx context.Context, pipeline string, options ...RunOption) (string, error) {
	r := applyRunOptions(options)
	return s.m.EnqueueJob(ctx, s.buildJob(pipeline, r))
}

// RunPipelineSync runs the named pipeline in the calling goroutine and
// blocks until it completes or fails. The pipeline body's error is
// propagated unmodified.
func (s *Scheduler) RunPipelineSync(ctx context.Context, pipeline string, options ...RunOption) (interface{}, error) {
	r := applyRunOptions(options)
	return s.m.RunJobSync(ctx, s.buildJob(pipeline, r))
}

// SchedulePipeline registers a recurring or deferred run of the named
// pipeline and returns the schedule identifier. Exactly one trigger
// kind must be set. Without an explicit identifier, one is derived
// from the existing schedule identifiers of the pipeline; if those
// cannot be listed, schedule creation falls back to the first
// identifier rather than failing on a transient listing error.
func (s *Scheduler) SchedulePipeline(ctx context.Context, pipeline string, trigger Trigger, options ...RunOption) (string, error) {
	if err := trigger.Validate(); err != nil {
		return "", err
	}
	r := applyRunOptions(options)

	var existing []string
	if r.scheduleID == "" && !r.overwrite {
		schedules, err := s.m.ListSchedules(ctx)
		if err != nil {
			s.logger.Printf("pipequeue: warning: cannot list schedules, falling back to first id for pipeline %s: %v", pipeline, err)
		} else {
			existing = make([]string, 0, len(schedules))
			for _, sched := range schedules {
				existing = append(existing, sched.ID)
			}
		}
	}
	id := allocateScheduleID(pipeline, r.scheduleID, r.overwrite, existing, s.logger)

	sched := &Schedule{
		ID:       id,
		Pipeline: pipeline,
		Trigger:  trigger,
		Queue:    r.queue,
		Args:     r.args,
		Kwargs:   r.kwargs,
		Policy:   s.settings.RetryPolicyFor(r.policy, s.logger),
	}
	if err := s.m.CreateSchedule(ctx, sched, r.overwrite); err != nil {
		return "", err
	}
	return id, nil
}
