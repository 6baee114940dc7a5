// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import "context"

// Store implements persistent storage of jobs and schedules. One store
// instance belongs to exactly one Engine; running two engines on the
// same underlying storage is the caller's responsibility to prevent.
type Store interface {
	// Start is called when the engine starts up. This is a good time
	// for cleanup. E.g. a persistent store might move crashed jobs
	// from a previous run into the Failed state.
	Start(ctx context.Context) error

	// Close releases the store's resources.
	Close() error

	// CreateJob adds a job to the store.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJob updates a job in the store. This is called frequently
	// as jobs are processed.
	UpdateJob(ctx context.Context, job *Job) error

	// LookupJob returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	LookupJob(ctx context.Context, id string) (*Job, error)

	// NextJob picks the next queued job that is ready to run, i.e.
	// whose NotBefore time has passed. If no job is ready, the store
	// must return ErrNotFound.
	NextJob(ctx context.Context) (*Job, error)

	// ListJobs returns jobs matching the filter, most recently
	// enqueued first.
	ListJobs(ctx context.Context, f *JobFilter) ([]*Job, error)

	// ListQueues returns a snapshot of all queues the store has seen,
	// with their current pending counts. Counts are recomputed on
	// every call.
	ListQueues(ctx context.Context) ([]*QueueInfo, error)

	// CreateSchedule adds a schedule to the store. If a schedule with
	// the same identifier exists, ErrScheduleExists must be returned
	// unless overwrite is set.
	CreateSchedule(ctx context.Context, s *Schedule, overwrite bool) error

	// LookupSchedule returns the schedule with the given identifier,
	// or ErrNotFound.
	LookupSchedule(ctx context.Context, id string) (*Schedule, error)

	// ListSchedules returns all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// DeleteSchedule removes the schedule with the given identifier,
	// or returns ErrNotFound.
	DeleteSchedule(ctx context.Context, id string) error
}
