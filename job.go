// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"context"
	"time"
)

// Status describes the lifecycle state of a job. A job transitions
// monotonically from Queued via Running into exactly one of the
// terminal states; terminal states never revert.
type Status string

const (
	// Queued jobs are waiting to be picked up by a worker.
	Queued Status = "queued"
	// Running jobs are currently being executed.
	Running Status = "running"
	// Succeeded jobs completed without error.
	Succeeded Status = "succeeded"
	// Failed jobs returned an error, even after retries.
	Failed Status = "failed"
	// Cancelled jobs were cancelled before completing.
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case Succeeded, Failed, Cancelled:
		return true
	}
	return false
}

// Job is one unit of queued work wrapping a pipeline reference and its
// run arguments. The pipeline body itself is opaque to pipequeue; jobs
// only carry the registered pipeline name.
type Job struct {
	ID         string                 `json:"id"`
	Pipeline   string                 `json:"pipeline"`            // name of the registered pipeline to run
	Args       []interface{}          `json:"args,omitempty"`      // positional run arguments
	Kwargs     map[string]interface{} `json:"kwargs,omitempty"`    // named run arguments
	Queue      string                 `json:"queue"`               // queue the job was enqueued on
	Status     Status                 `json:"status"`              // current lifecycle state
	Attempts   int                    `json:"attempts"`            // number of attempts made so far
	Policy     *RetryPolicy           `json:"policy,omitempty"`    // resolved retry policy
	NotBefore  time.Time              `json:"not_before,omitempty"` // earliest time the job may run (retry delay)
	EnqueuedAt time.Time              `json:"enqueued_at"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
	Result     interface{}            `json:"result,omitempty"` // result reported by the pipeline body
	Error      string                 `json:"error,omitempty"`  // error reported by the pipeline body
}

// JobFilter selects jobs when listing. Set fields are ANDed; unset
// fields match any job.
type JobFilter struct {
	Status   Status // filter by lifecycle state
	Queue    string // filter by queue name
	Pipeline string // filter by pipeline name
	Limit    int    // maximum number of jobs to return
	Offset   int    // number of jobs to skip (for pagination)
}

// Pipeline is the signature of a registered pipeline body. It receives
// the positional and named run arguments of the job and may return a
// result. Implementations should honor ctx: a cancelled job has its
// context cancelled, which the body may observe at its checkpoints.
type Pipeline func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
