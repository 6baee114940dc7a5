package pipequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// worker is a single instance processing jobs.
type worker struct {
	e *Engine

	mu    sync.Mutex
	info  WorkerInfo
	stopc chan struct{}
	once  sync.Once
}

// newWorker creates a new worker. Its run loop is started by the
// engine on its worker group.
func newWorker(e *Engine, i int) *worker {
	return &worker{
		e: e,
		info: WorkerInfo{
			ID:    uuid.NewString(),
			Name:  fmt.Sprintf("worker-%d", i+1),
			State: WorkerIdle,
		},
		stopc: make(chan struct{}),
	}
}

// snapshot returns a point-in-time copy of the worker's info.
func (w *worker) snapshot() *WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.info
	info.Queues = append([]string(nil), w.info.Queues...)
	return &info
}

func (w *worker) setState(s WorkerState) {
	w.mu.Lock()
	w.info.State = s
	w.mu.Unlock()
}

// stop asks the worker to exit its run loop. Best-effort: a worker
// busy with a job finishes that job first.
func (w *worker) stop() {
	w.once.Do(func() { close(w.stopc) })
}

// run is the main loop of the worker. It listens for new jobs, then
// calls process.
func (w *worker) run() error {
	for {
		select {
		case job, more := <-w.e.jobc:
			if !more {
				// jobc has been closed
				w.setState(WorkerStopped)
				return nil
			}
			w.setState(WorkerBusy)
			if err := w.process(job); err != nil {
				w.e.logger.Printf("pipequeue: job %v failed: %v", job.ID, err)
			}
			w.setState(WorkerIdle)
		case <-w.stopc:
			w.setState(WorkerStopped)
			return nil
		}
	}
}

// process runs a single job, applying its retry policy on failure.
func (w *worker) process(job *Job) error {
	defer func() {
		w.e.mu.Lock()
		w.e.working--
		w.e.mu.Unlock()
	}()

	// Find the pipeline body
	w.e.mu.Lock()
	fn, found := w.e.pm[job.Pipeline]
	w.e.mu.Unlock()
	if !found {
		job.Status = Failed
		job.Error = fmt.Sprintf("no pipeline registered for %s", job.Pipeline)
		job.FinishedAt = time.Now()
		return w.e.st.UpdateJob(context.Background(), job)
	}

	// Execute the job with a cancelable context so that CancelJob can
	// signal a running body.
	ctx, cancel := context.WithCancel(context.Background())
	w.e.mu.Lock()
	w.e.cancels[job.ID] = cancel
	w.e.mu.Unlock()
	w.e.testJobStarted() // testing hook
	job.Attempts++
	result, err := fn(ctx, job.Args, job.Kwargs)
	cancelled := ctx.Err() != nil
	w.e.mu.Lock()
	delete(w.e.cancels, job.ID)
	w.e.mu.Unlock()
	cancel()

	if err != nil {
		w.e.logger.Printf("pipequeue: job %v failed with: %v", job.ID, err)

		if cancelled {
			w.e.testJobCancelled() // testing hook
			job.Status = Cancelled
			job.Error = err.Error()
			job.FinishedAt = time.Now()
			return w.e.st.UpdateJob(context.Background(), job)
		}

		policy := job.Policy
		if policy == nil {
			policy = DefaultRetryPolicy()
		}
		if !policy.RetryableError(err) || job.Attempts >= policy.MaxAttempts {
			// Failed for good
			w.e.testJobFailed() // testing hook
			job.Status = Failed
			if job.Attempts > 1 {
				job.Error = (&RetryExhaustedError{Pipeline: job.Pipeline, Attempts: job.Attempts, Cause: err}).Error()
			} else {
				job.Error = err.Error()
			}
			job.FinishedAt = time.Now()
			return w.e.st.UpdateJob(context.Background(), job)
		}

		// Retry after a backoff delay
		w.e.testJobRetry() // testing hook
		job.Status = Queued
		job.Error = err.Error()
		job.NotBefore = time.Now().Add(policyBackoff(policy)(job.Attempts))
		return w.e.st.UpdateJob(context.Background(), job)
	}

	// Successfully executed the job
	job.Status = Succeeded
	job.Result = result
	job.Error = ""
	job.FinishedAt = time.Now()
	if err := w.e.st.UpdateJob(context.Background(), job); err != nil {
		return err
	}
	w.e.testJobSucceeded() // testing hook
	return nil
}
