// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 5

	// DefaultQueue is the queue used when a job names none.
	DefaultQueue = "default"
)

func nop() {}

// Manager is the contract every backend-wired job queue manager
// satisfies. All operations are safe for concurrent invocation.
// RunJobSync is the only operation documented to block the caller;
// everything else returns promptly.
type Manager interface {
	// Start acquires the backend and begins processing jobs and
	// schedules. Use Close to stop it.
	Start(ctx context.Context) error

	// Close stops everything this manager started and waits for
	// working jobs to finish.
	Close() error

	// Register registers a pipeline body under the given name.
	Register(pipeline string, fn Pipeline) error

	// EnqueueJob submits a job for asynchronous execution and returns
	// its identifier.
	EnqueueJob(ctx context.Context, job *Job) (string, error)

	// GetJob returns the job with the given identifier, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns jobs matching the filter; set filter fields are
	// ANDed, unset fields match any job.
	ListJobs(ctx context.Context, f *JobFilter) ([]*Job, error)

	// CancelJob cancels the job with the given identifier. It returns
	// false, without an error, when the job is already terminal.
	// Cancellation of a running job is advisory: the body observes it
	// at its next checkpoint.
	CancelJob(ctx context.Context, id string) (bool, error)

	// ListWorkers returns a snapshot of all workers.
	ListWorkers(ctx context.Context) ([]*WorkerInfo, error)

	// GetWorker returns the worker with the given identifier, or
	// ErrNotFound.
	GetWorker(ctx context.Context, id string) (*WorkerInfo, error)

	// StopWorker stops a single worker, best-effort: a busy worker
	// finishes its current job first.
	StopWorker(ctx context.Context, id string) error

	// StopAllWorkers stops all workers, best-effort.
	StopAllWorkers(ctx context.Context) error

	// ListQueues returns a snapshot of all queues.
	ListQueues(ctx context.Context) ([]*QueueInfo, error)

	// GetQueue returns the queue with the given name, or ErrNotFound.
	GetQueue(ctx context.Context, name string) (*QueueInfo, error)

	// RunJobSync executes the job in the calling goroutine, blocking
	// until completion, failure, or ctx expiry. The pipeline body's
	// error is propagated unmodified; only once the job's retry policy
	// is exhausted is it wrapped in a RetryExhaustedError.
	RunJobSync(ctx context.Context, job *Job) (interface{}, error)

	// CreateSchedule registers a recurring or deferred execution. An
	// existing schedule with the same identifier is only replaced when
	// overwrite is set.
	CreateSchedule(ctx context.Context, s *Schedule, overwrite bool) error

	// GetSchedule returns the schedule with the given identifier, or
	// ErrNotFound.
	GetSchedule(ctx context.Context, id string) (*Schedule, error)

	// ListSchedules returns all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// DeleteSchedule removes the schedule with the given identifier.
	DeleteSchedule(ctx context.Context, id string) error
}

// Engine is the in-process implementation of the Manager contract. It
// executes registered pipelines with a pool of workers on top of a
// Store, dispatches schedules via an embedded cron runner, and applies
// retry policies to failed jobs. Create a new engine via New.
type Engine struct {
	logger       Logger
	st           Store // persistent storage, set once at construction
	defaultQueue string

	mu          sync.Mutex          // guards the following block
	pm          map[string]Pipeline // maps pipeline name to body
	concurrency int                 // number of parallel workers
	working     int                 // number of busy workers
	started     bool
	workers     []*worker
	workerg     *errgroup.Group
	stopc       chan struct{} // stop signal for the dispatch loop
	jobc        chan *Job
	cron        *cron.Cron
	cronIDs     map[string]cron.EntryID       // schedule id to cron entry
	timers      map[string]*time.Timer        // schedule id to one-shot timer
	cancels     map[string]context.CancelFunc // running job id to its cancel

	testManagerStarted  func() // testing hook
	testManagerStopped  func() // testing hook
	testDispatchStarted func() // testing hook
	testDispatchStopped func() // testing hook
	testJobAdded        func() // testing hook
	testJobScheduled    func() // testing hook
	testJobStarted      func() // testing hook
	testJobRetry        func() // testing hook
	testJobFailed       func() // testing hook
	testJobSucceeded    func() // testing hook
	testJobCancelled    func() // testing hook
}

// compile-time check
var _ Manager = (*Engine)(nil)

// New creates a new engine. Pass options to configure it.
func New(options ...ManagerOption) *Engine {
	e := &Engine{
		logger:              stdLogger{},
		st:                  NewInMemoryStore(),
		defaultQueue:        DefaultQueue,
		pm:                  make(map[string]Pipeline),
		concurrency:         defaultConcurrency,
		cronIDs:             make(map[string]cron.EntryID),
		timers:              make(map[string]*time.Timer),
		cancels:             make(map[string]context.CancelFunc),
		testManagerStarted:  nop,
		testManagerStopped:  nop,
		testDispatchStarted: nop,
		testDispatchStopped: nop,
		testJobAdded:        nop,
		testJobScheduled:    nop,
		testJobStarted:      nop,
		testJobRetry:        nop,
		testJobFailed:       nop,
		testJobSucceeded:    nop,
		testJobCancelled:    nop,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Engine)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// SetStore specifies the backing Store implementation for the engine.
func SetStore(store Store) ManagerOption {
	return func(e *Engine) {
		if store != nil {
			e.st = store
		}
	}
}

// SetConcurrency sets the maximum number of workers that will run at
// the same time. Concurrency must be greater or equal to 1 and is 5 by
// default.
func SetConcurrency(n int) ManagerOption {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.concurrency = n
	}
}

// SetDefaultQueue sets the queue used for jobs that name none.
func SetDefaultQueue(name string) ManagerOption {
	return func(e *Engine) {
		if name != "" {
			e.defaultQueue = name
		}
	}
}

// Register registers a pipeline name and the associated body for jobs
// referencing that pipeline.
func (e *Engine) Register(pipeline string, fn Pipeline) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, found := e.pm[pipeline]; found {
		return fmt.Errorf("pipequeue: pipeline %s already registered", pipeline)
	}
	e.pm[pipeline] = fn
	return nil
}

// -- Start and Stop --

// Start runs the engine: it starts the store, the worker pool, the
// dispatch loop, and the schedule runner. Use Close or
// CloseWithTimeout to stop it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("pipequeue: engine already started")
	}

	// Initialize the store
	if err := e.st.Start(ctx); err != nil {
		return err
	}

	// Load persisted schedules before spawning anything, so that a
	// failure here leaves no goroutine behind.
	schedules, err := e.st.ListSchedules(ctx)
	if err != nil {
		if cerr := e.st.Close(); cerr != nil {
			e.logger.Printf("pipequeue: error closing store after failed start: %v", cerr)
		}
		return err
	}

	e.jobc = make(chan *Job, e.concurrency)
	e.workers = make([]*worker, e.concurrency)
	e.workerg = new(errgroup.Group)
	for i := 0; i < e.concurrency; i++ {
		w := newWorker(e, i)
		e.workers[i] = w
		e.workerg.Go(w.run)
	}

	e.stopc = make(chan struct{})
	go e.dispatch()

	// Register persisted schedules with the cron runner
	e.cron = cron.New()
	for _, s := range schedules {
		if err := e.registerTrigger(s); err != nil {
			e.logger.Printf("pipequeue: warning: cannot arm schedule %s: %v", s.ID, err)
		}
	}
	e.cron.Start()

	e.started = true

	e.testManagerStarted() // testing hook

	return nil
}

// Close stops the engine. It waits for working jobs to finish.
func (e *Engine) Close() error {
	return e.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the engine. It waits for the specified
// timeout, then closes down, even if there are still jobs working. If
// the timeout is negative, the engine waits forever for all working
// jobs to end.
func (e *Engine) CloseWithTimeout(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	cr := e.cron
	timers := e.timers
	e.timers = make(map[string]*time.Timer)
	e.mu.Unlock()

	// Stop firing schedules
	cr.Stop()
	for _, t := range timers {
		t.Stop()
	}

	// Stop accepting new jobs
	e.stopc <- struct{}{}
	<-e.stopc
	close(e.stopc)
	close(e.jobc)

	finish := func() error {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		err := e.st.Close()
		e.testManagerStopped() // testing hook
		return err
	}

	// Wait for all workers to complete?
	if timeout.Nanoseconds() < 0 {
		// Yes: Wait forever
		_ = e.workerg.Wait()
		return finish()
	}

	// Wait with timeout
	complete := make(chan struct{})
	go func() {
		_ = e.workerg.Wait()
		close(complete)
	}()
	var err error
	select {
	case <-complete: // Completed in time
	case <-time.After(timeout):
		err = errors.New("pipequeue: close timed out")
	}
	if ferr := finish(); err == nil {
		err = ferr
	}
	return err
}

// -- Jobs --

// EnqueueJob gives the engine a new job to execute. If EnqueueJob
// returns nil, the caller can be sure the job is stored in the backing
// store. It will be picked up by the dispatch loop at a later time.
func (e *Engine) EnqueueJob(ctx context.Context, job *Job) (string, error) {
	if job.Pipeline == "" {
		return "", errors.New("pipequeue: no pipeline specified")
	}
	e.mu.Lock()
	_, found := e.pm[job.Pipeline]
	defaultQueue := e.defaultQueue
	e.mu.Unlock()
	if !found {
		return "", fmt.Errorf("pipequeue: pipeline %s not registered", job.Pipeline)
	}
	job.ID = uuid.NewString()
	job.Status = Queued
	job.Attempts = 0
	if job.Queue == "" {
		job.Queue = defaultQueue
	}
	if job.Policy == nil {
		job.Policy = DefaultRetryPolicy()
	}
	job.EnqueuedAt = time.Now()
	if err := e.st.CreateJob(ctx, job); err != nil {
		return "", err
	}
	e.testJobAdded() // testing hook
	return job.ID, nil
}

// GetJob returns the job with the specified identifier. If no such job
// exists, ErrNotFound is returned.
func (e *Engine) GetJob(ctx context.Context, id string) (*Job, error) {
	return e.st.LookupJob(ctx, id)
}

// ListJobs returns all jobs matching the filter.
func (e *Engine) ListJobs(ctx context.Context, f *JobFilter) ([]*Job, error) {
	if f == nil {
		f = &JobFilter{}
	}
	return e.st.ListJobs(ctx, f)
}

// CancelJob cancels the job with the given identifier. Jobs that have
// not yet started become Cancelled; a running job only has its context
// cancelled, which the body may observe at its next checkpoint. False
// is returned, without an error, when the job is already terminal.
func (e *Engine) CancelJob(ctx context.Context, id string) (bool, error) {
	job, err := e.st.LookupJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}
	if job.Status == Running {
		e.mu.Lock()
		cancel, ok := e.cancels[id]
		e.mu.Unlock()
		if ok {
			cancel()
		}
		return true, nil
	}
	job.Status = Cancelled
	job.FinishedAt = time.Now()
	if err := e.st.UpdateJob(ctx, job); err != nil {
		return false, err
	}
	e.testJobCancelled() // testing hook
	return true, nil
}

// -- Workers --

// ListWorkers returns a snapshot of all workers of this engine.
func (e *Engine) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	e.mu.Lock()
	workers := append([]*worker(nil), e.workers...)
	e.mu.Unlock()
	infos := make([]*WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, w.snapshot())
	}
	return infos, nil
}

// GetWorker returns the worker with the given identifier, or
// ErrNotFound.
func (e *Engine) GetWorker(ctx context.Context, id string) (*WorkerInfo, error) {
	e.mu.Lock()
	workers := append([]*worker(nil), e.workers...)
	e.mu.Unlock()
	for _, w := range workers {
		if info := w.snapshot(); info.ID == id {
			return info, nil
		}
	}
	return nil, ErrNotFound
}

// StopWorker stops the worker with the given identifier, best-effort:
// a busy worker finishes its current job before it stops.
func (e *Engine) StopWorker(ctx context.Context, id string) error {
	e.mu.Lock()
	workers := append([]*worker(nil), e.workers...)
	e.mu.Unlock()
	for _, w := range workers {
		if w.snapshot().ID == id {
			w.stop()
			return nil
		}
	}
	return ErrNotFound
}

// StopAllWorkers stops all workers of this engine, best-effort.
func (e *Engine) StopAllWorkers(ctx context.Context) error {
	e.mu.Lock()
	workers := append([]*worker(nil), e.workers...)
	e.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
	return nil
}

// -- Queues --

// ListQueues returns a snapshot of all queues; pending counts are
// recomputed on every call.
func (e *Engine) ListQueues(ctx context.Context) ([]*QueueInfo, error) {
	return e.st.ListQueues(ctx)
}

// GetQueue returns the queue with the given name, or ErrNotFound.
func (e *Engine) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	queues, err := e.st.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	for _, q := range queues {
		if q.Name == name {
			return q, nil
		}
	}
	return nil, ErrNotFound
}

// -- Synchronous execution --

// RunJobSync executes the job in the calling goroutine and blocks
// until it completes, fails for good, or ctx expires. The job's
// lifecycle is recorded in the store as usual. The pipeline body's
// error is returned unmodified; only when the job's retry policy
// actually retried and ran out of attempts is it wrapped in a
// RetryExhaustedError (whose Unwrap exposes the original error).
func (e *Engine) RunJobSync(ctx context.Context, job *Job) (interface{}, error) {
	if job.Pipeline == "" {
		return nil, errors.New("pipequeue: no pipeline specified")
	}
	e.mu.Lock()
	fn, found := e.pm[job.Pipeline]
	defaultQueue := e.defaultQueue
	e.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("pipequeue: pipeline %s not registered", job.Pipeline)
	}
	job.ID = uuid.NewString()
	job.Status = Queued
	if job.Queue == "" {
		job.Queue = defaultQueue
	}
	if job.Policy == nil {
		job.Policy = DefaultRetryPolicy()
	}
	job.EnqueuedAt = time.Now()
	if err := e.st.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	policy := job.Policy
	delay := policyBackoff(policy)
	var lastErr error
	retried := false
	for attempt := 1; ; attempt++ {
		job.Status = Running
		job.Attempts = attempt
		job.StartedAt = time.Now()
		if err := e.st.UpdateJob(ctx, job); err != nil {
			return nil, err
		}

		runCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancels[job.ID] = cancel
		e.mu.Unlock()
		result, err := fn(runCtx, job.Args, job.Kwargs)
		cancelled := runCtx.Err() != nil
		e.mu.Lock()
		delete(e.cancels, job.ID)
		e.mu.Unlock()
		cancel()

		if err == nil {
			job.Status = Succeeded
			job.Result = result
			job.FinishedAt = time.Now()
			if uerr := e.st.UpdateJob(ctx, job); uerr != nil {
				return result, uerr
			}
			return result, nil
		}
		lastErr = err

		// A cancelled run context covers both the caller's ctx expiring
		// and CancelJob signalling this run. Either way the job ends
		// here, never in a retry.
		if cancelled {
			job.Status = Cancelled
			job.Error = err.Error()
			job.FinishedAt = time.Now()
			_ = e.st.UpdateJob(context.Background(), job)
			e.testJobCancelled() // testing hook
			return nil, err
		}
		if !policy.RetryableError(err) || attempt >= policy.MaxAttempts {
			job.Status = Failed
			job.Error = err.Error()
			job.FinishedAt = time.Now()
			if uerr := e.st.UpdateJob(ctx, job); uerr != nil {
				return nil, uerr
			}
			if retried {
				return nil, &RetryExhaustedError{Pipeline: job.Pipeline, Attempts: attempt, Cause: lastErr}
			}
			return nil, err
		}

		retried = true
		select {
		case <-time.After(delay(attempt)):
		case <-ctx.Done():
			job.Status = Cancelled
			job.Error = ctx.Err().Error()
			job.FinishedAt = time.Now()
			_ = e.st.UpdateJob(context.Background(), job)
			return nil, ctx.Err()
		}
	}
}

// -- Schedules --

// CreateSchedule validates and persists a schedule and, when the
// engine is running, arms its trigger. An existing schedule with the
// same identifier is only replaced when overwrite is set.
func (e *Engine) CreateSchedule(ctx context.Context, s *Schedule, overwrite bool) error {
	if s.ID == "" {
		return newConfigError("schedule requires an id")
	}
	if s.Pipeline == "" {
		return newConfigError("schedule requires a pipeline")
	}
	if err := s.Trigger.Validate(); err != nil {
		return err
	}
	if s.Queue == "" {
		e.mu.Lock()
		s.Queue = e.defaultQueue
		e.mu.Unlock()
	}
	s.CreatedAt = time.Now()
	if err := e.st.CreateSchedule(ctx, s, overwrite); err != nil {
		return err
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		e.disarmTrigger(s.ID)
		if err := e.registerTrigger(s); err != nil {
			return err
		}
	}
	return nil
}

// GetSchedule returns the schedule with the given identifier, or
// ErrNotFound.
func (e *Engine) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return e.st.LookupSchedule(ctx, id)
}

// ListSchedules returns all schedules.
func (e *Engine) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return e.st.ListSchedules(ctx)
}

// DeleteSchedule removes the schedule with the given identifier and
// disarms its trigger.
func (e *Engine) DeleteSchedule(ctx context.Context, id string) error {
	if err := e.st.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	e.disarmTrigger(id)
	return nil
}

// registerTrigger arms the schedule's trigger on the engine's cron
// runner (or a one-shot timer for date triggers).
func (e *Engine) registerTrigger(s *Schedule) error {
	sched := *s // fire from a copy; the caller keeps ownership of s
	fire := func() { e.fireSchedule(&sched) }
	t := s.Trigger
	switch {
	case t.Cron != "":
		spec, err := cronParser.Parse(t.Cron)
		if err != nil {
			return newConfigError("invalid cron expression %q: %v", t.Cron, err)
		}
		e.mu.Lock()
		e.cronIDs[s.ID] = e.cron.Schedule(spec, cron.FuncJob(fire))
		e.mu.Unlock()
	case t.Every != 0:
		e.mu.Lock()
		e.cronIDs[s.ID] = e.cron.Schedule(cron.Every(t.Every), cron.FuncJob(fire))
		e.mu.Unlock()
	case !t.At.IsZero():
		until := time.Until(t.At)
		if until <= 0 {
			e.logger.Printf("pipequeue: warning: schedule %s fires in the past (%s), not armed", s.ID, t.At.Format(time.RFC3339))
			return nil
		}
		e.mu.Lock()
		e.timers[s.ID] = time.AfterFunc(until, fire)
		e.mu.Unlock()
	}
	return nil
}

// disarmTrigger removes the schedule's trigger from the cron runner
// and stops its timer, if any.
func (e *Engine) disarmTrigger(id string) {
	e.mu.Lock()
	entry, hasEntry := e.cronIDs[id]
	delete(e.cronIDs, id)
	timer, hasTimer := e.timers[id]
	delete(e.timers, id)
	cr := e.cron
	e.mu.Unlock()
	if hasEntry && cr != nil {
		cr.Remove(entry)
	}
	if hasTimer {
		timer.Stop()
	}
}

// fireSchedule enqueues one job for a due schedule.
func (e *Engine) fireSchedule(s *Schedule) {
	job := &Job{
		Pipeline: s.Pipeline,
		Args:     s.Args,
		Kwargs:   s.Kwargs,
		Queue:    s.Queue,
		Policy:   s.Policy,
	}
	if _, err := e.EnqueueJob(context.Background(), job); err != nil {
		e.logger.Printf("pipequeue: warning: schedule %s cannot enqueue pipeline %s: %v", s.ID, s.Pipeline, err)
	}
}

// -- Dispatch loop --

// dispatch periodically picks up queued jobs and passes them to idle
// workers.
func (e *Engine) dispatch() {
	e.testDispatchStarted()       // testing hook
	defer e.testDispatchStopped() // testing hook

	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			// Fill up available worker slots with jobs
			for {
				e.mu.Lock()
				capacity := e.activeWorkers()
				working := e.working
				e.mu.Unlock()
				if working >= capacity {
					// All workers busy or stopped
					break
				}
				job, err := e.st.NextJob(context.Background())
				if err == ErrNotFound {
					break
				}
				if err != nil {
					e.logger.Printf("pipequeue: error picking next job to dispatch: %v", err)
					break
				}
				if job == nil {
					break
				}
				e.mu.Lock()
				e.working++
				e.mu.Unlock()
				job.Status = Running
				job.StartedAt = time.Now()
				if err := e.st.UpdateJob(context.Background(), job); err != nil {
					e.mu.Lock()
					e.working--
					e.mu.Unlock()
					e.logger.Printf("pipequeue: error updating job: %v", err)
					break
				}
				e.testJobScheduled() // testing hook
				e.jobc <- job
			}
		case <-e.stopc:
			e.stopc <- struct{}{}
			return
		}
	}
}

// activeWorkers returns the number of workers still accepting jobs.
// Callers must hold e.mu.
func (e *Engine) activeWorkers() int {
	n := 0
	for _, w := range e.workers {
		if w.snapshot().State != WorkerStopped {
			n++
		}
	}
	return n
}
