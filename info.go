// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

// WorkerState describes the state of a single worker.
type WorkerState string

const (
	// WorkerIdle workers are waiting for jobs.
	WorkerIdle WorkerState = "idle"
	// WorkerBusy workers are executing a job.
	WorkerBusy WorkerState = "busy"
	// WorkerStopped workers no longer accept jobs.
	WorkerStopped WorkerState = "stopped"
)

// WorkerInfo is a point-in-time snapshot of one worker. Snapshots may
// be stale within the backend's own consistency window.
type WorkerInfo struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	State  WorkerState `json:"state"`
	Queues []string    `json:"queues,omitempty"` // queues the worker consumes; empty means all
}

// QueueInfo is a point-in-time snapshot of one queue. It is recomputed
// on every query and never cached.
type QueueInfo struct {
	Name    string `json:"name"`
	Pending int    `json:"pending"` // number of jobs waiting on the queue
	Backend string `json:"backend"` // backend the queue lives on
}
